package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config configures a standalone directory server, the yaml shape the
// teacher's internal/config.ControllerConfig took before this package
// absorbed it (see DESIGN.md).
type Config struct {
	Listen    string      `yaml:"listen"`
	Database  string      `yaml:"database"`
	JWTSecret string      `yaml:"jwt_secret"`
	Admin     AdminConfig `yaml:"admin"`
	LogLevel  string      `yaml:"log_level"`
}

// AdminConfig seeds the first admin account on an empty registry.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig mirrors the teacher's DefaultControllerConfig defaults,
// renamed to this domain.
func DefaultConfig() Config {
	return Config{
		Listen:   ":8090",
		Database: "sqlite://beenet-directory.db",
		Admin: AdminConfig{
			Username: "admin",
			Password: "changeme",
		},
		LogLevel: "info",
	}
}

// LoadConfig loads a directory server config from a YAML file, falling
// back to DefaultConfig's values for anything left unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("directory: load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("directory: parse config: %w", err)
	}
	return cfg, nil
}
