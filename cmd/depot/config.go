package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"depot/internal/auth"
	"depot/internal/core"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// FileConfig is the process configuration.
//
// YAML example:
//
//	listen: ":9000"
//	dataDir: "./data"
//	region: "us-east-1"
//	logLevel: "info"
//	browser: true
//	corsOrigins: ["https://app.example.com"]
//	accessKeys:
//	  - accessKey: "depotadmin"
//	    secretKey: "depotadmin"
//
// Environment overrides: DEPOT_LISTEN, DEPOT_DATA_DIR, DEPOT_MEMORY,
// DEPOT_REGION, DEPOT_LOG_LEVEL, DEPOT_BROWSER, and DEPOT_ACCESS_KEY with
// DEPOT_SECRET_KEY.
type FileConfig struct {
	Listen      string            `yaml:"listen"`
	TLSListen   string            `yaml:"tlsListen,omitempty"`
	TLSCertFile string            `yaml:"tlsCertFile,omitempty"`
	TLSKeyFile  string            `yaml:"tlsKeyFile,omitempty"`
	DataDir     string            `yaml:"dataDir"`
	InMemory    bool              `yaml:"inMemory"`
	Region      string            `yaml:"region"`
	LogLevel    string            `yaml:"logLevel"`
	ClockSkew   time.Duration     `yaml:"clockSkew,omitempty"`
	MinPartSize int64             `yaml:"minPartSize,omitempty"`
	MaxKeys     int               `yaml:"maxKeys,omitempty"`
	Browser     bool              `yaml:"browser"`
	CORSOrigins []string          `yaml:"corsOrigins,omitempty"`
	AccessKeys  []StaticAccessKey `yaml:"accessKeys"`
}

// StaticAccessKey is one credential pair.
type StaticAccessKey struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// DefaultFileConfig returns the configuration used when nothing is set.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Listen:    ":9000",
		TLSListen: ":9443",
		DataDir:   "./data",
		Region:    auth.DefaultRegion,
		LogLevel:  "info",
	}
}

// LoadFileConfig reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func LoadFileConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return applyEnvOverrides(cfg, os.LookupEnv)
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return applyEnvOverrides(cfg, os.LookupEnv)
	}
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return applyEnvOverrides(cfg, os.LookupEnv)
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

func applyEnvOverrides(cfg FileConfig, lookup func(string) (string, bool)) (FileConfig, error) {
	if v, ok := lookup("DEPOT_LISTEN"); ok && v != "" {
		cfg.Listen = v
	}
	if v, ok := lookup("DEPOT_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := lookup("DEPOT_MEMORY"); ok {
		b, valid := parseBool(v)
		if !valid {
			return FileConfig{}, fmt.Errorf("DEPOT_MEMORY: invalid boolean %q", v)
		}
		cfg.InMemory = b
	}
	if v, ok := lookup("DEPOT_BROWSER"); ok {
		b, valid := parseBool(v)
		if !valid {
			return FileConfig{}, fmt.Errorf("DEPOT_BROWSER: invalid boolean %q", v)
		}
		cfg.Browser = b
	}
	if v, ok := lookup("DEPOT_REGION"); ok && v != "" {
		cfg.Region = v
	}
	if v, ok := lookup("DEPOT_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}

	accessKey, hasAccess := lookup("DEPOT_ACCESS_KEY")
	secretKey, hasSecret := lookup("DEPOT_SECRET_KEY")
	switch {
	case hasAccess && hasSecret:
		// Environment credentials replace any from the file.
		cfg.AccessKeys = []StaticAccessKey{{AccessKey: accessKey, SecretKey: secretKey}}
	case hasAccess || hasSecret:
		return FileConfig{}, errors.New("DEPOT_ACCESS_KEY and DEPOT_SECRET_KEY must be set together")
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c FileConfig) Level() (log.Level, error) {
	return log.ParseLevel(c.LogLevel)
}

// ServerOptions translates the file configuration into server options.
func (c FileConfig) ServerOptions() ([]core.ConfigOption, error) {
	opts := []core.ConfigOption{core.WithRegion(c.Region)}

	if c.InMemory {
		opts = append(opts, core.WithInMemory())
	} else {
		opts = append(opts, core.WithDataDir(c.DataDir))
	}

	for i, k := range c.AccessKeys {
		if k.AccessKey == "" || k.SecretKey == "" {
			return nil, fmt.Errorf("accessKeys[%d]: access and secret key are required", i)
		}
		opts = append(opts, core.WithCredentials(auth.Credential{AccessKeyID: k.AccessKey, SecretAccessKey: k.SecretKey}))
	}

	if c.ClockSkew > 0 {
		opts = append(opts, core.WithClockSkew(c.ClockSkew))
	}
	if c.MinPartSize > 0 {
		opts = append(opts, core.WithMinPartSize(c.MinPartSize))
	}
	if c.MaxKeys > 0 {
		opts = append(opts, core.WithMaxKeys(c.MaxKeys, c.MaxKeys))
	}
	if c.CORSOrigins != nil {
		opts = append(opts, core.WithAllowedOrigins(c.CORSOrigins...))
	}
	if c.Browser {
		opts = append(opts, core.WithBrowser())
	}
	return opts, nil
}
