package health

import (
	"regexp"
	"time"
)

// Level is the health of one dependency or of the whole node.
type Level string

const (
	LevelUp       Level = "up"
	LevelDegraded Level = "degraded"
	LevelDown     Level = "down"
)

// Status is the last probe result of one dependency.
type Status struct {
	Component string        `json:"component"`
	Level     Level         `json:"level"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	// Failures counts consecutive probes that did not come back up.
	Failures int `json:"consecutive_failures,omitempty"`
}

// Reachable reports whether the dependency answered, even if slowly.
func (s Status) Reachable() bool {
	return s.Level != LevelDown
}

// Report is the outcome of one health run over every dependency.
type Report struct {
	Level      Level         `json:"level"`
	Uptime     time.Duration `json:"uptime"`
	Components []Status      `json:"components"`
}

// Component returns the status of name within r.
func (r Report) Component(name string) (Status, bool) {
	for _, s := range r.Components {
		if s.Component == name {
			return s, true
		}
	}
	return Status{}, false
}

// overall folds component levels into the node level. A critical dependency
// that is down takes the node down; anything else short of up degrades it.
func overall(components []Status) Level {
	level := LevelUp
	for _, s := range components {
		switch {
		case s.Level == LevelDown && s.Critical:
			return LevelDown
		case s.Level != LevelUp:
			level = LevelDegraded
		}
	}
	return level
}

var sanitizers = []struct {
	re   *regexp.Regexp
	with string
}{
	// URLs go first since they contain paths and ports
	{regexp.MustCompile(`(?:https?|nats|redis|rediss|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// sanitize masks addresses and secrets in probe errors before they are
// served on the health endpoint.
func sanitize(msg string) string {
	for _, s := range sanitizers {
		msg = s.re.ReplaceAllString(msg, s.with)
	}
	return msg
}
