package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// Backend names accepted in [[buckets]].
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Error status policies accepted in [http] error_status.
const (
	ErrorStatusCollapsed = "collapsed"
	ErrorStatusTyped     = "typed"
)

type Config struct {
	HTTP       HTTPConfig        `toml:"http"`
	Logging    LoggingConfig     `toml:"logging"`
	Storage    StorageConfig     `toml:"storage"`
	Buckets    []BucketConfig    `toml:"buckets"`
	Principals []PrincipalConfig `toml:"principals"`
	Access     AccessConfig      `toml:"access"`
}

type HTTPConfig struct {
	Listen            string   `toml:"listen"`
	Greeting          string   `toml:"greeting"`
	ErrorStatus       string   `toml:"error_status"`
	MaxValueBytes     int64    `toml:"max_value_bytes"`
	MaxRequestsPerSec float64  `toml:"max_requests_per_sec"`
	MaxRequestBurst   float64  `toml:"max_request_burst"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type StorageConfig struct {
	PageSize int         `toml:"page_size"`
	Bolt     BoltConfig  `toml:"bolt"`
	Redis    RedisConfig `toml:"redis"`
	S3       S3Config    `toml:"s3"`
}

type BoltConfig struct {
	Path     string `toml:"path"`
	Compress bool   `toml:"compress"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	Namespace string `toml:"namespace"`
}

type S3Config struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// BucketConfig declares one resolvable identifier. The empty name is the
// default store.
type BucketConfig struct {
	Name    string `toml:"name"`
	Backend string `toml:"backend"`
}

// PrincipalConfig binds a bearer token to a name and its bucket grants.
// Exactly one of Token (plaintext) or TokenHash (bcrypt) is set.
type PrincipalConfig struct {
	Name      string   `toml:"name"`
	Token     string   `toml:"token"`
	TokenHash string   `toml:"token_hash"`
	Buckets   []string `toml:"buckets"`
}

// AccessConfig holds grants for callers that present no valid token.
type AccessConfig struct {
	Anonymous []string `toml:"anonymous"`
}

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sane defaults: one in-memory default
// bucket open to everyone.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen:            "127.0.0.1:8080",
			Greeting:          "Hello, keyvalue world!",
			ErrorStatus:       ErrorStatusCollapsed,
			MaxValueBytes:     1 << 20,
			ReadHeaderTimeout: Duration{10 * time.Second},
			ShutdownTimeout:   Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			PageSize: 100,
			Bolt: BoltConfig{
				Path: "~/.bucketd/data.db",
			},
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				Namespace: "bucketd",
			},
		},
		Buckets: []BucketConfig{
			{Name: "", Backend: BackendMemory},
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, only defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		// Try default location
		path = expandHome("~/.bucketd/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// A file that declares its own buckets replaces the default set.
	cfg.Buckets = nil
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !meta.IsDefined("buckets") {
		cfg.Buckets = Defaults().Buckets
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validateListenAddr(c.HTTP.Listen); err != nil {
		errs = append(errs, fmt.Errorf("http.listen: %w", err))
	}
	switch c.HTTP.ErrorStatus {
	case ErrorStatusCollapsed, ErrorStatusTyped:
	default:
		errs = append(errs, fmt.Errorf("http.error_status: must be %q or %q, got %q",
			ErrorStatusCollapsed, ErrorStatusTyped, c.HTTP.ErrorStatus))
	}
	if c.HTTP.MaxValueBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.max_value_bytes: must be positive, got %d", c.HTTP.MaxValueBytes))
	}
	if c.HTTP.MaxRequestsPerSec < 0 {
		errs = append(errs, fmt.Errorf("http.max_requests_per_sec: must not be negative, got %g", c.HTTP.MaxRequestsPerSec))
	}
	if c.HTTP.MaxRequestBurst < 0 {
		errs = append(errs, fmt.Errorf("http.max_request_burst: must not be negative, got %g", c.HTTP.MaxRequestBurst))
	}
	if c.HTTP.ReadHeaderTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("http.read_header_timeout: must not be negative"))
	}
	if c.HTTP.ShutdownTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("http.shutdown_timeout: must not be negative"))
	}

	if err := validateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}

	if c.Storage.PageSize < 0 {
		errs = append(errs, fmt.Errorf("storage.page_size: must not be negative, got %d", c.Storage.PageSize))
	}

	seen := make(map[string]bool)
	used := make(map[string]bool)
	for i, b := range c.Buckets {
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("buckets[%d].name: duplicate %q", i, b.Name))
		}
		seen[b.Name] = true
		switch b.Backend {
		case BackendMemory, BackendBolt, BackendRedis, BackendS3:
			used[b.Backend] = true
		default:
			errs = append(errs, fmt.Errorf("buckets[%d].backend: unknown backend %q", i, b.Backend))
		}
	}
	if used[BackendBolt] && strings.TrimSpace(c.Storage.Bolt.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.bolt.path: required by a bolt bucket"))
	}
	if used[BackendRedis] {
		if err := validatePeerAddr(c.Storage.Redis.Addr); err != nil {
			errs = append(errs, fmt.Errorf("storage.redis.addr: %w", err))
		}
	}
	if used[BackendS3] && strings.TrimSpace(c.Storage.S3.Bucket) == "" {
		errs = append(errs, fmt.Errorf("storage.s3.bucket: required by an s3 bucket"))
	}

	tokens := make(map[string]bool)
	for i, p := range c.Principals {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("principals[%d].name: required", i))
		}
		switch {
		case p.Token == "" && p.TokenHash == "":
			errs = append(errs, fmt.Errorf("principals[%d].token: token or token_hash required", i))
		case p.Token != "" && p.TokenHash != "":
			errs = append(errs, fmt.Errorf("principals[%d].token: set token or token_hash, not both", i))
		case p.TokenHash != "":
			if _, err := bcrypt.Cost([]byte(p.TokenHash)); err != nil {
				errs = append(errs, fmt.Errorf("principals[%d].token_hash: %w", i, err))
			}
		case tokens[p.Token]:
			errs = append(errs, fmt.Errorf("principals[%d].token: duplicate token", i))
		}
		if p.Token != "" {
			tokens[p.Token] = true
		}
	}

	return errors.Join(errs...)
}

// AccessControlled reports whether any grant is configured.
func (c *Config) AccessControlled() bool {
	return len(c.Principals) > 0 || len(c.Access.Anonymous) > 0
}

func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("empty host in %q", addr)
	}
	if port == "" {
		return fmt.Errorf("empty port in %q", addr)
	}
	return nil
}

// validatePeerAddr is validateListenAddr that also rejects wildcard hosts,
// which cannot be dialed.
func validatePeerAddr(addr string) error {
	if err := validateListenAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(strings.TrimSpace(addr))
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("wildcard host in %q", addr)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown level %q", level)
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
