// Package identity provides host and build identity for the tienda service.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultVersion is the fallback version string when metadata.json is not found.
const DefaultVersion = "0.1.0"

// Info holds service identity information.
type Info struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// Get returns the identity, reading the version from configDir.
func Get(configDir string) Info {
	return Info{
		Hostname: GetHostname(),
		Version:  GetVersionFromDir(configDir),
	}
}

// GetHostname returns the system hostname.
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "tienda"
	}
	return h
}

// GetVersionFromDir reads the version from metadata.json in dir.
// If dir is empty, uses the default ~/.config/tienda path.
// Falls back to DefaultVersion if the file is missing or unreadable.
func GetVersionFromDir(dir string) string {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultVersion
		}
		dir = filepath.Join(home, ".config", "tienda")
	}

	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return DefaultVersion
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return DefaultVersion
	}

	if v, ok := meta["version"].(string); ok && v != "" {
		return v
	}
	return DefaultVersion
}
