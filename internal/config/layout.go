package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const (
	SyftboxDir = ".syftbox"
	LogsDir    = "logs"
	AppsDir    = "apps"
	SitesDir   = "datasites"

	ClientConfigFile = "config.json"
)

// ClientConfig is the per-environment config.json consumed by the syftbox daemon.
type ClientConfig struct {
	DataDir   string `json:"data_dir"`
	ServerURL string `json:"server_url"`
	ClientURL string `json:"client_url"`
	Email     string `json:"email,omitempty"`
}

// ClientConfigPath returns the path of config.json inside an environment root.
func ClientConfigPath(root string) string {
	return filepath.Join(root, SyftboxDir, ClientConfigFile)
}

// LogPath returns the daemon log file path for an environment.
func LogPath(root, name string) string {
	return filepath.Join(root, SyftboxDir, LogsDir, name+".log")
}

// Scaffold builds the environment directory layout inside dir:
// apps/, datasites/, .syftbox/config.json and .syftbox/logs/.
// dir may be a staging directory that the caller renames to finalRoot;
// the generated config.json always refers to finalRoot.
func Scaffold(dir, finalRoot string, port int, serverURL, email string) error {
	for _, d := range []string{
		filepath.Join(dir, AppsDir),
		filepath.Join(dir, SitesDir),
		filepath.Join(dir, SyftboxDir, LogsDir),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}

	cc := ClientConfig{
		DataDir:   finalRoot,
		ServerURL: serverURL,
		ClientURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		Email:     email,
	}
	data, err := json.MarshalIndent(cc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling client config: %w", err)
	}
	return renameio.WriteFile(ClientConfigPath(dir), data, 0o644)
}
