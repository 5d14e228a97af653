package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const backendURLEnv = "CHAT_BACKEND_URL"

type config struct {
	Port              string        `yaml:"port"`
	BackendURL        string        `yaml:"backendURL"`
	LogLevel          slog.Level    `yaml:"logLevel"`
	StreamIdleTimeout time.Duration `yaml:"streamIdleTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	StorePath         string        `yaml:"storePath"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port              string `yaml:"port"`
		BackendURL        string `yaml:"backendURL"`
		LogLevel          string `yaml:"logLevel"`
		StreamIdleTimeout string `yaml:"streamIdleTimeout"`
		RequestTimeout    string `yaml:"requestTimeout"`
		StorePath         string `yaml:"storePath"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = "8080"
	}

	c.BackendURL = rawConfig.BackendURL
	if c.BackendURL == "" {
		c.BackendURL = os.Getenv(backendURLEnv)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backendURL is required, in the config file or %s", backendURLEnv)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backendURL %q must be an absolute url", c.BackendURL)
	}

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(strings.ToUpper(rawConfig.LogLevel))); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}

	c.StreamIdleTimeout, err = durationOr(rawConfig.StreamIdleTimeout, 60*time.Second)
	if err != nil {
		return fmt.Errorf("invalid streamIdleTimeout: %w", err)
	}
	c.RequestTimeout, err = durationOr(rawConfig.RequestTimeout, 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid requestTimeout: %w", err)
	}

	c.StorePath = rawConfig.StorePath

	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

// loadConfig reads the config file at path. A relative storePath is resolved against the directory of
// the config file, and an empty one defaults to store.db there.
func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	err = yaml.NewDecoder(f).Decode(&cfg)
	if errors.Is(err, io.EOF) {
		// An empty file still gets the defaults and the environment override.
		err = yaml.Unmarshal([]byte("{}"), &cfg)
	}
	if err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	dir := filepath.Dir(path)
	switch {
	case cfg.StorePath == "":
		cfg.StorePath = filepath.Join(dir, "store.db")
	case !filepath.IsAbs(cfg.StorePath):
		cfg.StorePath = filepath.Join(dir, cfg.StorePath)
	}

	return cfg, nil
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "chatwebclient", "config.yaml"), nil
}
