// Package config loads the YAML file that backs the meshd CLI. It has
// no relationship to pkg/mesh.Node's own Config struct: the core takes
// a fully resolved value, and this package's only job is turning a file
// on disk plus flag overrides into one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileName is the config file meshd reads and writes within the
// directory its init, dev and status commands are pointed at.
const FileName = "truffle.yaml"

// File is the on-disk shape of a device's configuration.
type File struct {
	DeviceID         string        `yaml:"deviceId"`
	Name             string        `yaml:"name"`
	Prefix           string        `yaml:"prefix"`
	SidecarPath      string        `yaml:"sidecar"`
	StateDir         string        `yaml:"stateDir"`
	AuthKey          string        `yaml:"authKey,omitempty"`
	Type             string        `yaml:"type"`
	AnnounceInterval time.Duration `yaml:"announceInterval,omitempty"`
}

// Default returns the config written by "meshd init" before any flags
// are applied. The device id is generated once, here, and persisted —
// it must stay stable across restarts since it's how the rest of the
// mesh recognizes this device.
func Default() File {
	return File{
		DeviceID: uuid.NewString(),
		Prefix:   "truffle",
		Type:     "device",
		StateDir: "./state",
	}
}

// Load reads and parses the config file at dir/FileName.
func Load(dir string) (File, error) {
	var f File
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return f, fmt.Errorf("config: read %s: %w", FileName, err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", FileName, err)
	}
	return f, nil
}

// Save writes f to dir/FileName, creating dir if necessary.
func Save(dir string, f File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	raw, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", FileName, err)
	}
	return nil
}

// Exists reports whether dir already holds a config file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// Validate checks the fields meshd dev needs filled in to start a node.
func (f File) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if f.Prefix == "" {
		return fmt.Errorf("config: prefix is required")
	}
	if f.Type == "" {
		return fmt.Errorf("config: type is required")
	}
	if f.StateDir == "" {
		return fmt.Errorf("config: stateDir is required")
	}
	return nil
}
