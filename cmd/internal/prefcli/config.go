// ABOUTME: Shared runtime configuration for the prefs CLI tools.
// ABOUTME: Precedence is flags, then environment, then the YAML config file.
package prefcli

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored by every subcommand.
const (
	envServerURL = "ORIEL_SYNC_URL"
	envAuthToken = "ORIEL_SYNC_TOKEN"
	envStorePath = "ORIEL_PREFS_DB"
)

// RuntimeConfig carries the knobs every subcommand shares.
type RuntimeConfig struct {
	ServerURL  string
	AuthToken  string
	StorePath  string
	DeviceID   string
	Interval   time.Duration
	ConfigPath string
	Verbose    bool
}

// fileConfig mirrors the optional YAML config file.
type fileConfig struct {
	ServerURL string `yaml:"server_url"`
	AuthToken string `yaml:"auth_token"`
	StorePath string `yaml:"store_path"`
	DeviceID  string `yaml:"device_id"`
	Interval  string `yaml:"interval"` // Go duration string, e.g. "90s"
}

// BindFlags registers the shared flags on fs.
func (c *RuntimeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server", "", "preferences server base URL")
	fs.StringVar(&c.AuthToken, "token", "", "bearer token for the preferences endpoint")
	fs.StringVar(&c.StorePath, "store", "", "local preference store path (default ~/.oriel/prefs.db)")
	fs.StringVar(&c.ConfigPath, "config", "", "YAML config file (default ~/.oriel/config.yaml)")
	fs.DurationVar(&c.Interval, "interval", 0, "background sync interval")
	fs.BoolVar(&c.Verbose, "v", false, "verbose logging")
}

// Resolve fills unset fields from the environment, then the config file,
// then built-in defaults. Call after flag parsing.
func (c *RuntimeConfig) Resolve() error {
	fc, err := c.loadFile()
	if err != nil {
		return err
	}

	if c.ServerURL == "" {
		c.ServerURL = firstNonEmpty(os.Getenv(envServerURL), fc.ServerURL)
	}
	if c.AuthToken == "" {
		c.AuthToken = firstNonEmpty(os.Getenv(envAuthToken), fc.AuthToken)
	}
	if c.StorePath == "" {
		c.StorePath = firstNonEmpty(os.Getenv(envStorePath), fc.StorePath)
	}
	if c.StorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve store path: %w", err)
		}
		c.StorePath = filepath.Join(home, ".oriel", "prefs.db")
	}
	if c.DeviceID == "" {
		c.DeviceID = fc.DeviceID
	}
	if c.Interval == 0 && fc.Interval != "" {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return fmt.Errorf("config file interval: %w", err)
		}
		c.Interval = d
	}

	if err := os.MkdirAll(filepath.Dir(c.StorePath), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// configFilePath returns the explicit path or the default location.
func (c *RuntimeConfig) configFilePath() (string, error) {
	if c.ConfigPath != "" {
		return c.ConfigPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".oriel", "config.yaml"), nil
}

func (c *RuntimeConfig) loadFile() (fileConfig, error) {
	path, err := c.configFilePath()
	if err != nil {
		return fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fileConfig{}, nil
	}
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// SaveToken persists a freshly issued token into the config file so later
// invocations pick it up without re-login.
func (c *RuntimeConfig) SaveToken(token string) error {
	path, err := c.configFilePath()
	if err != nil {
		return err
	}
	fc, err := c.loadFile()
	if err != nil {
		return err
	}
	fc.AuthToken = token
	if fc.ServerURL == "" {
		fc.ServerURL = c.ServerURL
	}
	data, err := yaml.Marshal(fc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
