// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Options configures the Manager.
type Options struct {
	// WorkDir resolves relative config file paths.
	WorkDir string
	// ConfigBaseName is the file name without extension (default: "fulfillment").
	ConfigBaseName string
	// ConfigType is yaml, yml or json. Default: "yaml".
	ConfigType string
	// EnvironmentName selects fulfillment.<env>.yaml.
	EnvironmentName string
	// OverrideFilename defaults to fulfillment.override.yaml.
	OverrideFilename string
	// EnvPrefix prefixes environment variables, e.g. FULFILLMENT_BROKER_KIND.
	EnvPrefix string
	// EnableAutomaticEnv binds env vars with dot→underscore mapping.
	EnableAutomaticEnv bool
}

// DefaultOptions returns the options used by the fulfillment binaries.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "fulfillment",
		ConfigType:         "yaml",
		EnvPrefix:          "FULFILLMENT",
		EnableAutomaticEnv: true,
	}
}

// Manager loads layered configuration into a private viper instance.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	options Options
}

// NewManager creates a new Manager with the given options.
func NewManager(options Options) *Manager {
	if options.ConfigType == "" {
		options.ConfigType = "yaml"
	}
	if options.ConfigBaseName == "" {
		options.ConfigBaseName = "fulfillment"
	}
	if options.WorkDir == "" {
		options.WorkDir = "."
	}

	v := viper.New()
	if options.EnableAutomaticEnv {
		if options.EnvPrefix != "" {
			v.SetEnvPrefix(options.EnvPrefix)
		}
		v.AutomaticEnv()
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}

	return &Manager{v: v, options: options}
}

// SetDefault registers the lowest-precedence value for key.
func (m *Manager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.SetDefault(key, value)
}

// Load merges the existing files returned by Files, lowest precedence first.
// Environment variables always win and are resolved on read.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range m.Files() {
		if err := m.mergeFileIfExists(path); err != nil {
			return fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// Unmarshal decodes the merged settings into target using mapstructure tags.
func (m *Manager) Unmarshal(target interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if target == nil {
		return errors.New("target must not be nil")
	}
	return m.v.Unmarshal(target)
}

// Get reads one dotted key.
func (m *Manager) Get(key string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

func (m *Manager) GetString(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetString(key)
}

// AllSettings returns the merged settings as a nested map.
func (m *Manager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}

// Files lists the candidate config files in precedence order:
// fulfillment.yaml, fulfillment.<env>.yaml, then the override file.
func (m *Manager) Files() []string {
	dir, base, ext := m.options.WorkDir, m.options.ConfigBaseName, m.normalizedConfigExt()

	files := []string{filepath.Join(dir, base+"."+ext)}
	if env := strings.ToLower(m.options.EnvironmentName); env != "" {
		files = append(files, filepath.Join(dir, base+"."+env+"."+ext))
	}
	override := m.options.OverrideFilename
	if override == "" {
		override = base + ".override." + ext
	}
	return append(files, filepath.Join(dir, override))
}

func (m *Manager) normalizedConfigExt() string {
	if t := strings.ToLower(m.options.ConfigType); t == "json" || t == "toml" {
		return t
	}
	return "yaml"
}

// mergeFileIfExists merges a configuration file if it exists. Missing files are ignored.
func (m *Manager) mergeFileIfExists(path string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	// parse into a scratch instance so a broken file leaves current settings intact
	tmp := viper.New()
	tmp.SetConfigType(m.normalizedConfigExt())
	if err := tmp.ReadConfig(bytes.NewReader(content)); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return m.v.MergeConfigMap(tmp.AllSettings())
}
