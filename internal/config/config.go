package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DirName is the sbenv home directory under $HOME when SBENV_HOME is unset.
	DirName      = ".sbenv"
	ConfigFile   = "config.yaml"
	RegistryFile = "environments.json"
	LockFile     = "registry.lock"
	EnvsDir      = "envs"

	// EnvHome overrides the sbenv home directory.
	EnvHome = "SBENV_HOME"

	DefaultServerURL = "https://syftbox.net"
	DevServerURL     = "http://localhost:5001"
	DefaultBasePort  = 8000
	DefaultBinary    = "syftbox"
)

// Config holds global sbenv defaults, persisted as config.yaml in the home dir.
type Config struct {
	Version   string `yaml:"version"`
	ServerURL string `yaml:"server_url"`
	BasePort  int    `yaml:"base_port"`
	Binary    string `yaml:"binary"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:   "1",
		ServerURL: DefaultServerURL,
		BasePort:  DefaultBasePort,
		Binary:    DefaultBinary,
	}
}

// Home resolves the sbenv home directory: SBENV_HOME if set, else ~/.sbenv.
func Home() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// RegistryPath returns the path to the registry file.
func RegistryPath(home string) string {
	return filepath.Join(home, RegistryFile)
}

// LockPath returns the path to the registry lock file.
func LockPath(home string) string {
	return filepath.Join(home, LockFile)
}

// EnvsPath returns the directory that holds environment roots.
func EnvsPath(home string) string {
	return filepath.Join(home, EnvsDir)
}

// Load reads config.yaml from the home dir, falling back to defaults when
// the file does not exist.
func Load(home string) (*Config, error) {
	path := filepath.Join(home, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes config.yaml to the home dir atomically.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return renameio.WriteFile(filepath.Join(home, ConfigFile), data, 0o644)
}
