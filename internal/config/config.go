// Package config loads gateway configuration from YAML or TOML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/org/agentguard/internal/auth"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddr   string         `yaml:"listen_addr" toml:"listen_addr"`
	TLSCertFile  string         `yaml:"tls_cert" toml:"tls_cert"`
	TLSKeyFile   string         `yaml:"tls_key" toml:"tls_key"`
	LogLevel     string         `yaml:"log_level" toml:"log_level"`
	LogFormat    string         `yaml:"log_format" toml:"log_format"`
	DataDir      string         `yaml:"data_dir" toml:"data_dir"`
	RateLimit    float64        `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst    int            `yaml:"rate_burst" toml:"rate_burst"`
	WriteTimeout time.Duration  `yaml:"write_timeout" toml:"write_timeout"`
	Storage      StorageConfig  `yaml:"storage" toml:"storage"`
	Vault        VaultConfig    `yaml:"vault" toml:"vault"`
	Policy       PolicyConfig   `yaml:"policy" toml:"policy"`
	Web          WebConfig      `yaml:"web" toml:"web"`
	Tools        ToolsConfig    `yaml:"tools" toml:"tools"`
	Approval     ApprovalConfig `yaml:"approval" toml:"approval"`
	Notify       NotifyConfig   `yaml:"notify" toml:"notify"`
	Principals   []auth.Binding `yaml:"principals" toml:"principals"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type VaultConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	File       string `yaml:"file" toml:"file"`
	MasterFile string `yaml:"master_file" toml:"master_file"`
}

type PolicyConfig struct {
	AllowedHosts   []string `yaml:"allowed_hosts" toml:"allowed_hosts"`
	AllowRedirects bool     `yaml:"allow_redirects" toml:"allow_redirects"`
}

type WebConfig struct {
	AllowedHeaders        []string            `yaml:"allowed_headers" toml:"allowed_headers"`
	SafeSecretHeaders     []string            `yaml:"safe_secret_headers" toml:"safe_secret_headers"`
	SecretHandles         map[string][]string `yaml:"secret_handles" toml:"secret_handles"`
	MaxURLLength          int                 `yaml:"max_url_length" toml:"max_url_length"`
	MaxBodyBytes          int                 `yaml:"max_body_bytes" toml:"max_body_bytes"`
	MaxResponseBytes      int64               `yaml:"max_response_bytes" toml:"max_response_bytes"`
	Timeout               time.Duration       `yaml:"timeout" toml:"timeout"`
	RequireDomainApproval bool                `yaml:"require_domain_approval" toml:"require_domain_approval"`
}

type ToolsConfig struct {
	Tainted        []string      `yaml:"tainted" toml:"tainted"`
	MaxOutputBytes int           `yaml:"max_output_bytes" toml:"max_output_bytes"`
	WorkDir        string        `yaml:"workdir" toml:"workdir"`
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`
}

type ApprovalConfig struct {
	PendingTTL    time.Duration `yaml:"pending_ttl" toml:"pending_ttl"`
	TokenTTL      time.Duration `yaml:"token_ttl" toml:"token_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule" toml:"sweep_schedule"`
}

type NotifyConfig struct {
	MQTT MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker"`
	Topic    string `yaml:"topic" toml:"topic"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8787",
		LogLevel:     "info",
		LogFormat:    "console",
		DataDir:      "data",
		RateLimit:    20,
		RateBurst:    40,
		WriteTimeout: 120 * time.Second,
		Storage:      StorageConfig{Driver: "sqlite"},
		Vault:        VaultConfig{Backend: "file"},
		Web: WebConfig{
			AllowedHeaders: []string{
				"accept", "accept-language", "cache-control", "content-type",
				"if-modified-since", "if-none-match", "user-agent",
			},
			SafeSecretHeaders: []string{"authorization", "x-api-key"},
			MaxURLLength:      2048,
			MaxBodyBytes:      1 << 20,
			MaxResponseBytes:  5 << 20,
			Timeout:           30 * time.Second,
		},
		Tools: ToolsConfig{MaxOutputBytes: 1 << 20, Timeout: 90 * time.Second},
		Approval: ApprovalConfig{
			PendingTTL:    15 * time.Minute,
			TokenTTL:      5 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Notify: NotifyConfig{MQTT: MQTTConfig{Topic: "agentguard/approvals"}},
	}
}

// Load reads path (YAML unless it ends in .toml) over the defaults, applies
// environment overrides and validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		case strings.EqualFold(filepath.Ext(path), ".toml"):
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.resolvePaths()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTGUARD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("AGENTGUARD_DATABASE_URL"); v != "" {
		c.Storage.Driver = "postgres"
		c.Storage.DSN = v
	}
	if v := os.Getenv("AGENTGUARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AGENTGUARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// resolvePaths fills file locations left empty with names under DataDir.
func (c *Config) resolvePaths() {
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.DataDir, "gateway.db")
	}
	if c.Vault.File == "" {
		c.Vault.File = filepath.Join(c.DataDir, "secrets.enc.json")
	}
	if c.Vault.MasterFile == "" {
		c.Vault.MasterFile = filepath.Join(c.DataDir, "master.json")
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for postgres"))
	}
	switch c.Vault.Backend {
	case "file", "table":
	default:
		errs = append(errs, fmt.Errorf("vault.backend must be file or table, got %q", c.Vault.Backend))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.RateBurst < 0 {
		errs = append(errs, errors.New("rate_burst must not be negative"))
	}
	if c.WriteTimeout < 0 || c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("write_timeout and tools.timeout must not be negative"))
	}
	if c.WriteTimeout > 0 && (c.Tools.Timeout == 0 || c.WriteTimeout <= c.Tools.Timeout) {
		errs = append(errs, fmt.Errorf("write_timeout (%s) must exceed tools.timeout (%s)", c.WriteTimeout, c.Tools.Timeout))
	}
	for handle, hosts := range c.Web.SecretHandles {
		if len(hosts) == 0 {
			errs = append(errs, fmt.Errorf("web.secret_handles.%s lists no hosts", handle))
		}
	}
	if _, err := auth.NewRegistry(c.Principals); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
