package core

import (
	"time"

	"depot/internal/auth"
	"depot/internal/multipart"
	"depot/internal/storage"
)

const (
	DefaultMaxKeys = 1000
	MaxMaxKeys     = 1000
)

type Config struct {
	// DataDir is the root of the file backend. It is ignored when InMemory
	// is set or a Backend is supplied.
	DataDir  string
	InMemory bool

	Region  string
	Service string

	Credentials []auth.Credential
	ClockSkew   time.Duration

	MinPartSize int64

	// DefaultMaxKeys is the listing page size when the client asks for
	// none; MaxKeys caps what a client may ask for.
	DefaultMaxKeys int
	MaxKeys        int

	// AllowedOrigins lists the origins whose cross-origin requests are
	// answered with CORS headers. "*" allows any origin. It defaults to "*"
	// when nil; an empty, non-nil list allows none.
	AllowedOrigins []string

	// Browser mounts the HTML object browser under /_depot/.
	Browser bool

	Backend       storage.StorageBackend
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithInMemory() ConfigOption {
	return func(cfg *Config) {
		cfg.InMemory = true
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithCredentials(creds ...auth.Credential) ConfigOption {
	return func(cfg *Config) {
		cfg.Credentials = append(cfg.Credentials, creds...)
	}
}

func WithClockSkew(skew time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.ClockSkew = skew
	}
}

func WithMinPartSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MinPartSize = size
	}
}

func WithMaxKeys(defaultMaxKeys int, maxKeys int) ConfigOption {
	return func(cfg *Config) {
		cfg.DefaultMaxKeys = defaultMaxKeys
		cfg.MaxKeys = maxKeys
	}
}

func WithAllowedOrigins(origins ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.AllowedOrigins = append([]string{}, origins...)
	}
}

func WithBrowser() ConfigOption {
	return func(cfg *Config) {
		cfg.Browser = true
	}
}

func WithBackend(backend storage.StorageBackend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = backend
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// withDefaults fills every zero field with its default.
func (cfg Config) withDefaults() Config {
	if cfg.Region == "" {
		cfg.Region = auth.DefaultRegion
	}
	if cfg.Service == "" {
		cfg.Service = auth.DefaultService
	}
	if len(cfg.Credentials) == 0 {
		cfg.Credentials = []auth.Credential{{
			AccessKeyID:     auth.DefaultAccessKeyID,
			SecretAccessKey: auth.DefaultSecretAccessKey,
		}}
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = auth.DefaultClockSkew
	}
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = multipart.DefaultMinPartSize
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = MaxMaxKeys
	}
	if cfg.DefaultMaxKeys <= 0 {
		cfg.DefaultMaxKeys = DefaultMaxKeys
	}
	cfg.DefaultMaxKeys = min(cfg.DefaultMaxKeys, cfg.MaxKeys)
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{"*"}
	}
	return cfg
}
