package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is what `guardctl login` persists.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

var (
	cfg     CLIConfig
	cfgFile string // --config
)

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GUARDCTL_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentguard", "guardctl.yaml")
}

// loadConfig reads the CLI config over the defaults. A missing file is
// fine; a malformed one is reported and ignored.
func loadConfig() {
	cfg = CLIConfig{Address: "http://127.0.0.1:8787"}
	data, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		printError(fmt.Sprintf("ignoring %s: %v", configPath(), err))
	}
}

// saveConfig writes the config owner-only, since it holds a bearer token.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
