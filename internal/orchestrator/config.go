package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's YAML-loaded configuration, the
// analogue of the teacher's AgentConfig.
type Config struct {
	IdentityPath string   `yaml:"identity_path"`
	KeystorePath string   `yaml:"keystore_path"`
	Passphrase   string   `yaml:"passphrase"`
	ListenAddr   string   `yaml:"listen_addr"`
	DirectoryURL string   `yaml:"directory_url"`
	STUNServers  []string `yaml:"stun_servers"`
	StatePath    string   `yaml:"state_path"`
	ChunkSize    int      `yaml:"chunk_size"`
	LogLevel     string   `yaml:"log_level"`

	// DialTimeout bounds how long an outbound connection attempt may
	// take before the resilience controller counts it as a failure.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns a Config with sensible defaults, matching the
// teacher's DefaultAgentConfig/DefaultControllerConfig shape.
func DefaultConfig() Config {
	return Config{
		IdentityPath: "/etc/beenet/identity",
		KeystorePath: "/etc/beenet/keystore",
		ListenAddr:   "0.0.0.0:7700",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
		},
		StatePath:   "/var/lib/beenet/transfers",
		ChunkSize:   64 * 1024,
		LogLevel:    "info",
		DialTimeout: 10 * time.Second,
	}
}

// LoadConfig loads a Config from a YAML file over DefaultConfig's base.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("orchestrator: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("orchestrator: parse config: %w", err)
	}
	return cfg, nil
}
