package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{
			"redis dial failure",
			"redis.Ping: ping redis failed: dial tcp 10.0.0.5:6379: connect: connection refused",
			"redis.Ping: ping redis failed: dial tcp [IP][PORT]: connect: connection refused",
		},
		{
			"gateway URL",
			"registry.Health: GET /health failed: calling http://gateway:8181/api",
			"registry.Health: GET [PATH] failed: calling [URL]",
		},
		{"NATS URL", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"redis URL with password", "dial redis://:s3cret@cache:6379/0", "dial [URL]"},
		{"credentials", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitize(tt.input))
		})
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name       string
		components []Status
		want       Level
	}{
		{"no components", nil, LevelUp},
		{"all up", []Status{{Level: LevelUp, Critical: true}, {Level: LevelUp}}, LevelUp},
		{"slow critical", []Status{{Level: LevelDegraded, Critical: true}}, LevelDegraded},
		{"optional down", []Status{{Level: LevelUp, Critical: true}, {Level: LevelDown}}, LevelDegraded},
		{"critical down wins", []Status{{Level: LevelDegraded}, {Level: LevelDown, Critical: true}}, LevelDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overall(tt.components))
		})
	}
}
