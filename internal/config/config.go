// Package config loads dpopctl configuration from a YAML file, an optional
// .env file and DPOPCTL_* environment variables, in increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/oauth"
	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

const appName = "dpopctl"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendAWS    = "aws"
)

// Environment variables read by ApplyEnv.
const (
	EnvAccount       = "DPOPCTL_ACCOUNT"
	EnvAuthMode      = "DPOPCTL_AUTH_MODE"
	EnvTokenEndpoint = "DPOPCTL_TOKEN_ENDPOINT"
	EnvClientID      = "DPOPCTL_CLIENT_ID"
	EnvMaxRetries    = "DPOPCTL_MAX_RETRIES"
	EnvRefreshSkew   = "DPOPCTL_REFRESH_SKEW"
	EnvBackend       = "DPOPCTL_STORAGE"
	EnvStoragePath   = "DPOPCTL_STORAGE_PATH"
	EnvRedisURL      = "DPOPCTL_REDIS_URL"
	EnvAWSRegion     = "DPOPCTL_AWS_REGION"
	EnvEnvFile       = "DPOPCTL_ENV_FILE"
)

// Config is the dpopctl configuration.
type Config struct {
	Account       string        `yaml:"account" json:"account"`
	AuthMode      string        `yaml:"auth_mode" json:"auth_mode"`
	TokenEndpoint string        `yaml:"token_endpoint,omitempty" json:"token_endpoint,omitempty"`
	ClientID      string        `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RefreshSkew   time.Duration `yaml:"refresh_skew" json:"refresh_skew"`
	NonceTTL      time.Duration `yaml:"nonce_ttl" json:"nonce_ttl"`
	Storage       StorageConfig `yaml:"storage" json:"storage"`
}

// StorageConfig selects and configures the secure storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"`

	// Path is the directory for the file backend and the database file for
	// the sqlite backend.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// MasterKeyPath holds the encryption key for sqlite and encrypted redis.
	MasterKeyPath string `yaml:"master_key_path,omitempty" json:"master_key_path,omitempty"`

	RedisURL     string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	RedisPrefix  string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`
	RedisEncrypt bool   `yaml:"redis_encrypt,omitempty" json:"redis_encrypt,omitempty"`

	AWSRegion string `yaml:"aws_region,omitempty" json:"aws_region,omitempty"`
	AWSPrefix string `yaml:"aws_prefix,omitempty" json:"aws_prefix,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Account:     "default",
		AuthMode:    string(dpop.AuthModeDPoP),
		MaxRetries:  dpop.DefaultMaxRetries,
		RefreshSkew: oauth.DefaultRefreshSkew,
		NonceTTL:    dpop.DefaultNonceTTL,
		Storage: StorageConfig{
			Backend:       BackendFile,
			Path:          filepath.Join(DataDir(), "secrets"),
			MasterKeyPath: filepath.Join(DataDir(), "master.key"),
			RedisPrefix:   securestore.DefaultRedisPrefix,
			AWSPrefix:     appName + "/",
		},
	}
}

// DefaultPath returns the default config file path following XDG spec.
// Uses $XDG_CONFIG_HOME/dpopctl/config.yaml if set, otherwise
// ~/.config/dpopctl/config.yaml.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, appName, "config.yaml")
}

// DataDir returns the data directory following XDG spec.
// Uses $XDG_DATA_HOME/dpopctl if set, otherwise ~/.local/share/dpopctl.
func DataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, appName)
}

// Load reads the config file at path over the defaults, then applies the
// environment. An empty path means DefaultPath; a missing default file is
// not an error, a missing explicit file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables that are already set. An empty path uses
// $DPOPCTL_ENV_FILE, then ".env" in the working directory; a missing file
// is only an error when the path was given explicitly.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvEnvFile)
		explicit = path != ""
	}
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from DPOPCTL_* variables.
func (c *Config) ApplyEnv() error {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString(EnvAccount, &c.Account)
	setString(EnvAuthMode, &c.AuthMode)
	setString(EnvTokenEndpoint, &c.TokenEndpoint)
	setString(EnvClientID, &c.ClientID)
	setString(EnvBackend, &c.Storage.Backend)
	setString(EnvStoragePath, &c.Storage.Path)
	setString(EnvRedisURL, &c.Storage.RedisURL)
	setString(EnvAWSRegion, &c.Storage.AWSRegion)

	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetries, err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv(EnvRefreshSkew); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRefreshSkew, err)
		}
		c.RefreshSkew = d
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Account == "" {
		return errors.New("account must be set")
	}
	switch dpop.AuthMode(strings.ToLower(c.AuthMode)) {
	case dpop.AuthModeDPoP, dpop.AuthModeBearer:
		c.AuthMode = strings.ToLower(c.AuthMode)
	default:
		return fmt.Errorf("unknown auth_mode %q (want dpop or bearer)", c.AuthMode)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RefreshSkew < 0 {
		return fmt.Errorf("refresh_skew must not be negative, got %s", c.RefreshSkew)
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("nonce_ttl must be positive, got %s", c.NonceTTL)
	}

	s := c.Storage
	switch s.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if s.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", s.Backend)
		}
	case BackendRedis:
		if s.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis backend")
		}
	case BackendAWS:
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	return nil
}

// DPoPAccount returns the dpop.Account described by the config.
func (c *Config) DPoPAccount() dpop.Account {
	return dpop.Account{ID: c.Account, Mode: dpop.AuthMode(c.AuthMode)}
}

// OpenStorage opens the configured backend. The returned close function
// releases backend resources and is never nil.
func (c *Config) OpenStorage(ctx context.Context) (securestore.Storage, func() error, error) {
	noop := func() error { return nil }
	s := c.Storage

	switch s.Backend {
	case BackendMemory:
		return securestore.NewMemory(), noop, nil

	case BackendFile:
		return securestore.NewFile(s.Path), noop, nil

	case BackendSQLite:
		cipher, err := c.cipher()
		if err != nil {
			return nil, nil, err
		}
		db, err := securestore.OpenSQLite(s.Path, cipher)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil

	case BackendRedis:
		opts := []securestore.RedisOption{securestore.WithRedisPrefix(s.RedisPrefix)}
		if s.RedisEncrypt {
			cipher, err := c.cipher()
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, securestore.WithRedisCipher(cipher))
		}
		r, err := securestore.NewRedis(ctx, s.RedisURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil

	case BackendAWS:
		a, err := securestore.NewAWSSecrets(ctx, s.AWSRegion, s.AWSPrefix)
		if err != nil {
			return nil, nil, err
		}
		return a, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", s.Backend)
}

func (c *Config) cipher() (*securestore.Cipher, error) {
	keyPath := c.Storage.MasterKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(DataDir(), "master.key")
	}
	masterKey, err := securestore.LoadOrGenerateMasterKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	return securestore.NewCipher(masterKey)
}
