// Package config defines the agent configuration and how it is loaded.
//
// Values come from defaults, then an optional JSON or YAML file, then
// AGENT_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// Adapter modes
const (
	ModeDummy    = "dummy"
	ModeProxy    = "proxy"
	ModeSemantic = "semantic"
)

// Adapter transports used in proxy mode
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config is the complete agent configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Adapter   AdapterConfig   `json:"adapter" yaml:"adapter"`
	WoT       WoTConfig       `json:"wot" yaml:"wot"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Login     LoginConfig     `json:"login" yaml:"login"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	API       APIConfig       `json:"api" yaml:"api"`
}

// GatewayConfig identifies this node towards the platform registry.
type GatewayConfig struct {
	ID       string        `json:"id" yaml:"id"`
	Password string        `json:"password" yaml:"password"`
	URL      string        `json:"url" yaml:"url"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// AdapterConfig selects how runtime property and event requests are served.
type AdapterConfig struct {
	Mode          string        `json:"mode" yaml:"mode"`
	Transport     string        `json:"transport" yaml:"transport"`
	Host          string        `json:"host" yaml:"host"`
	Port          int           `json:"port" yaml:"port"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	UseMapping    bool          `json:"use_mapping" yaml:"use_mapping"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// BaseURL returns the HTTP address of the local adapter.
func (a AdapterConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// WoTConfig points at the semantic-description service.
type WoTConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// CacheConfig holds expiry settings.
type CacheConfig struct {
	LocalTDTTL     time.Duration `json:"local_td_ttl" yaml:"local_td_ttl"`
	RemoteTDTTL    time.Duration `json:"remote_td_ttl" yaml:"remote_td_ttl"`
	AgentLookupTTL time.Duration `json:"agent_lookup_ttl" yaml:"agent_lookup_ttl"`
}

// RedisConfig locates the key-value store.
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// NATSConfig locates the NATS server used by the NATS adapter transport.
type NATSConfig struct {
	URL string `json:"url" yaml:"url"`
}

// LoginConfig holds retry budgets and delays for session management.
type LoginConfig struct {
	GatewayAttempts       int           `json:"gateway_attempts" yaml:"gateway_attempts"`
	ObjectAttempts        int           `json:"object_attempts" yaml:"object_attempts"`
	RetryDelay            time.Duration `json:"retry_delay" yaml:"retry_delay"`
	PostRegistrationDelay time.Duration `json:"post_registration_delay" yaml:"post_registration_delay"`
	RemovalAttempts       int           `json:"removal_attempts" yaml:"removal_attempts"`
	RemovalRetryDelay     time.Duration `json:"removal_retry_delay" yaml:"removal_retry_delay"`
}

// DiscoveryConfig configures federated queries.
type DiscoveryConfig struct {
	// FederationURL must contain the {agid} placeholder.
	FederationURL string   `json:"federation_url" yaml:"federation_url"`
	Partners      []string `json:"partners" yaml:"partners"`
}

// URLFor returns the federated query endpoint of agent agid.
func (d DiscoveryConfig) URLFor(agid string) string {
	return strings.ReplaceAll(d.FederationURL, "{agid}", agid)
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen      string   `json:"listen" yaml:"listen"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:     "http://gateway:8181/api",
			Timeout: 30 * time.Second,
		},
		Adapter: AdapterConfig{
			Mode:          ModeDummy,
			Transport:     TransportHTTP,
			Host:          "adapter",
			Port:          1250,
			SubjectPrefix: "adapter",
			Timeout:       10 * time.Second,
		},
		WoT: WoTConfig{
			URL:     "http://wothive:9000",
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			LocalTDTTL:     24 * time.Hour,
			RemoteTDTTL:    time.Hour,
			AgentLookupTTL: 10 * time.Minute,
		},
		Redis: RedisConfig{URL: "redis://cache-db:6379/0"},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		Login: LoginConfig{
			GatewayAttempts:       10,
			ObjectAttempts:        10,
			RetryDelay:            2 * time.Second,
			PostRegistrationDelay: 5 * time.Second,
			RemovalAttempts:       5,
			RemovalRetryDelay:     30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			FederationURL: "http://auroral-agent:4000/api/discovery/remote/semantic/{agid}",
		},
		API: APIConfig{Listen: ":4000"},
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var problems []string

	if c.Gateway.ID == "" || c.Gateway.Password == "" {
		problems = append(problems, "gateway id and password are required")
	}
	if c.Gateway.URL == "" {
		problems = append(problems, "gateway url is required")
	}
	switch c.Adapter.Mode {
	case ModeDummy, ModeProxy, ModeSemantic:
	default:
		problems = append(problems, fmt.Sprintf("unknown adapter mode %q", c.Adapter.Mode))
	}
	switch c.Adapter.Transport {
	case TransportHTTP, TransportNATS:
	default:
		problems = append(problems, fmt.Sprintf("unknown adapter transport %q", c.Adapter.Transport))
	}
	if c.Adapter.Mode == ModeSemantic && !c.WoT.Enabled {
		problems = append(problems, "semantic adapter mode requires wot.enabled")
	}
	if c.Redis.URL == "" {
		problems = append(problems, "redis url is required")
	}
	if c.Cache.LocalTDTTL <= 0 || c.Cache.RemoteTDTTL <= 0 {
		problems = append(problems, "td cache ttls must be positive")
	}
	if c.Login.GatewayAttempts <= 0 || c.Login.ObjectAttempts <= 0 {
		problems = append(problems, "login attempts must be positive")
	}
	if !strings.Contains(c.Discovery.FederationURL, "{agid}") {
		problems = append(problems, "discovery federation_url must contain {agid}")
	}

	if len(problems) > 0 {
		return errs.WrapInvalid(errs.ErrInvalidConfig, "Config", "Validate", strings.Join(problems, "; "))
	}
	return nil
}
