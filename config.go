package chainlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gopkg.in/yaml.v3"
)

// Defaults for Config.
const (
	DefaultDir            = "logs"
	DefaultLogFile        = "audit.log.jsonl"
	DefaultSecretFile     = ".audit_secret"
	DefaultSecretEnv      = "AUDIT_LOG_SECRET"
	DefaultSQLiteFile     = "audit.db"
	DefaultServerAddr     = ":8080"
	DefaultTokenSecretEnv = "CHAINLOG_TOKEN_SECRET"
	DefaultTokenTTL       = 15 * time.Minute
	DefaultIssuer         = "chainlog"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config controls logger behavior.
type Config struct {
	Dir        string       `yaml:"dir"`
	LogFile    string       `yaml:"log_file"`
	SecretFile string       `yaml:"secret_file"`
	SecretEnv  string       `yaml:"secret_env"`
	Backend    string       `yaml:"backend"`
	DSN        string       `yaml:"dsn"`
	FileLock   bool         `yaml:"file_lock"` // flock around tail read + append (cross-process writers)
	Server     ServerConfig `yaml:"server"`

	Key    *[KeySize]byte `yaml:"-"` // optional fixed key (tests/HSMs); bypasses env and secret file
	Logger log.Logger     `yaml:"-"`

	lookupEnv  func(string) (string, bool)
	randReader io.Reader
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	PasswordHash   string        `yaml:"password_hash"` // bcrypt hash gating /api/v1/token
	TokenSecretEnv string        `yaml:"token_secret_env"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	Issuer         string        `yaml:"issuer"`
}

// LoadConfig reads and validates a YAML config file. Unset fields are
// returned empty so callers can layer overrides before New fills defaults;
// derived values such as the SQLite DSN then follow the final Dir.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	check := cfg
	check.setDefaults()
	if err := check.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.SecretFile == "" {
		c.SecretFile = DefaultSecretFile
	}
	if c.SecretEnv == "" {
		c.SecretEnv = DefaultSecretEnv
	}
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.Backend == BackendSQLite && c.DSN == "" {
		c.DSN = filepath.Join(c.Dir, DefaultSQLiteFile)
	}
	if c.Logger == nil {
		c.Logger = log.DefaultLogger
	}
	c.Server.setDefaults()
}

func (s *ServerConfig) setDefaults() {
	if s.Addr == "" {
		s.Addr = DefaultServerAddr
	}
	if s.TokenSecretEnv == "" {
		s.TokenSecretEnv = DefaultTokenSecretEnv
	}
	if s.TokenTTL <= 0 {
		s.TokenTTL = DefaultTokenTTL
	}
	if s.Issuer == "" {
		s.Issuer = DefaultIssuer
	}
}

// Validate checks a Config after defaults were applied.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if filepath.Base(c.LogFile) != c.LogFile {
		return fmt.Errorf("%w: log_file must be a bare file name, got %q", ErrInvalidConfig, c.LogFile)
	}
	if filepath.Base(c.SecretFile) != c.SecretFile {
		return fmt.Errorf("%w: secret_file must be a bare file name, got %q", ErrInvalidConfig, c.SecretFile)
	}
	return nil
}

// LogPath is the JSONL log location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Dir, c.LogFile)
}

// SecretPath is the persisted secret location.
func (c *Config) SecretPath() string {
	return filepath.Join(c.Dir, c.SecretFile)
}
