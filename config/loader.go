package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// Loader builds a Config from defaults, an optional file and the environment.
type Loader struct {
	path       string
	envPrefix  string
	validation bool
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader using the AGENT_ environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENT",
		validation: true,
		lookupEnv:  os.LookupEnv,
	}
}

// WithFile sets the configuration file. JSON and YAML are both accepted.
func (l *Loader) WithFile(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix changes the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// EnableValidation enables or disables validation after loading.
func (l *Loader) EnableValidation(enable bool) *Loader {
	l.validation = enable
	return l
}

// Load produces the merged configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := safeReadFile(l.path)
		if err != nil {
			return nil, errs.WrapInvalid(err, "Loader", "Load", "read config file")
		}
		// YAML is a superset of JSON so one decoder serves both
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("parse %s", l.path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*target(cfg) = v
		return nil
	}
}

func intVar(target func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*target(cfg) = n
		return nil
	}
}

func boolVar(target func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*target(cfg) = b
		return nil
	}
}

func durationVar(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*target(cfg) = d
		return nil
	}
}

func listVar(target func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*target(cfg) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"GATEWAY_ID", stringVar(func(c *Config) *string { return &c.Gateway.ID })},
	{"GATEWAY_PASSWORD", stringVar(func(c *Config) *string { return &c.Gateway.Password })},
	{"GATEWAY_URL", stringVar(func(c *Config) *string { return &c.Gateway.URL })},
	{"GATEWAY_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Gateway.Timeout })},
	{"ADAPTER_MODE", stringVar(func(c *Config) *string { return &c.Adapter.Mode })},
	{"ADAPTER_TRANSPORT", stringVar(func(c *Config) *string { return &c.Adapter.Transport })},
	{"ADAPTER_HOST", stringVar(func(c *Config) *string { return &c.Adapter.Host })},
	{"ADAPTER_PORT", intVar(func(c *Config) *int { return &c.Adapter.Port })},
	{"ADAPTER_SUBJECT_PREFIX", stringVar(func(c *Config) *string { return &c.Adapter.SubjectPrefix })},
	{"USE_MAPPING", boolVar(func(c *Config) *bool { return &c.Adapter.UseMapping })},
	{"WOT_ENABLED", boolVar(func(c *Config) *bool { return &c.WoT.Enabled })},
	{"WOT_URL", stringVar(func(c *Config) *string { return &c.WoT.URL })},
	{"LOCAL_TD_TTL", durationVar(func(c *Config) *time.Duration { return &c.Cache.LocalTDTTL })},
	{"REMOTE_TD_TTL", durationVar(func(c *Config) *time.Duration { return &c.Cache.RemoteTDTTL })},
	{"REDIS_URL", stringVar(func(c *Config) *string { return &c.Redis.URL })},
	{"NATS_URL", stringVar(func(c *Config) *string { return &c.NATS.URL })},
	{"LOGIN_ATTEMPTS", intVar(func(c *Config) *int { return &c.Login.GatewayAttempts })},
	{"OBJECT_LOGIN_ATTEMPTS", intVar(func(c *Config) *int { return &c.Login.ObjectAttempts })},
	{"FEDERATION_URL", stringVar(func(c *Config) *string { return &c.Discovery.FederationURL })},
	{"PARTNERS", listVar(func(c *Config) *[]string { return &c.Discovery.Partners })},
	{"API_LISTEN", stringVar(func(c *Config) *string { return &c.API.Listen })},
	{"CORS_ORIGINS", listVar(func(c *Config) *[]string { return &c.API.CORSOrigins })},
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		key := l.envPrefix + "_" + b.name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errs.WrapInvalid(err, "Loader", "applyEnvOverrides", "validate env")
		}
		if err := b.apply(cfg, val); err != nil {
			return errs.WrapInvalid(err, "Loader", "applyEnvOverrides", fmt.Sprintf("parse %s", key))
		}
	}
	return nil
}

// ParseDuration accepts Go duration strings ("90s") or a bare number of seconds.
func ParseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
