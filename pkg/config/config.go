// Package config loads the daemon configuration from file, environment, and
// defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (QUILL_*)
//  2. Configuration file (TOML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the static configuration of the quill daemons.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`

	// HTTP configures the front-end REST listener.
	HTTP HTTPConfig `mapstructure:"http" toml:"http"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" toml:"metrics"`

	// Auth configures the auth sub-daemon: credential files, key material,
	// and hashing cost.
	Auth AuthConfig `mapstructure:"auth" toml:"auth"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, or ERROR.
	Level string `mapstructure:"level" toml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" toml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" toml:"output"`
}

// HTTPConfig configures the front-end HTTP server.
type HTTPConfig struct {
	// Listen is the host:port the REST API binds to.
	Listen string `mapstructure:"listen" toml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	Enabled bool `mapstructure:"enabled" toml:"enabled"`

	// Listen is the host:port for the /metrics endpoint.
	Listen string `mapstructure:"listen" toml:"listen"`
}

// AuthConfig configures the auth sub-daemon.
type AuthConfig struct {
	// UserDBPath is the TOML user database. Must be mode 0400 or stricter
	// and owned by the daemon user.
	UserDBPath string `mapstructure:"user_db" toml:"user_db"`

	// SessionDBPath is the TOML session database. Created if missing.
	SessionDBPath string `mapstructure:"session_db" toml:"session_db"`

	// PepperPath is the base64-encoded 16-byte pepper file. Same permission
	// rules as the user database.
	PepperPath string `mapstructure:"pepper" toml:"pepper"`

	// PrivateJWKPath is the Ed25519 signing key, JWK format, mode 0400.
	PrivateJWKPath string `mapstructure:"private_jwk" toml:"private_jwk"`

	// PublicJWKPath is the Ed25519 verification key handed to the front-end.
	PublicJWKPath string `mapstructure:"public_jwk" toml:"public_jwk"`

	// SocketPath is the Unix socket the sub-daemon listens on when started
	// standalone instead of over an inherited socketpair.
	SocketPath string `mapstructure:"socket" toml:"socket"`

	// WatchDebounce is the quiet period before external file changes are
	// reloaded.
	WatchDebounce time.Duration `mapstructure:"watch_debounce" toml:"watch_debounce"`

	// Argon2 tunes the password hashing cost.
	Argon2 Argon2Config `mapstructure:"argon2" toml:"argon2"`
}

// Argon2Config tunes Argon2id hashing for newly generated hashes.
// Verification always honors the parameters embedded in the stored hash.
type Argon2Config struct {
	// Memory is the memory cost in KiB.
	Memory uint32 `mapstructure:"memory" toml:"memory"`

	// Time is the number of passes.
	Time uint32 `mapstructure:"time" toml:"time"`

	// Parallelism is the number of lanes.
	Parallelism uint8 `mapstructure:"parallelism" toml:"parallelism"`

	// SaltLength is the salt size in bytes.
	SaltLength uint32 `mapstructure:"salt_length" toml:"salt_length"`

	// KeyLength is the derived key size in bytes.
	KeyLength uint32 `mapstructure:"key_length" toml:"key_length"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		HTTP: HTTPConfig{
			Listen:          "127.0.0.1:8433",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9433",
		},
		Auth: AuthConfig{
			UserDBPath:     "/etc/quill/users.toml",
			SessionDBPath:  "/var/lib/quill/sessions.toml",
			PepperPath:     "/etc/quill/pepper",
			PrivateJWKPath: "/etc/quill/jwt-signing.jwk",
			PublicJWKPath:  "/etc/quill/jwt-verify.jwk",
			SocketPath:     "/run/quill/auth.sock",
			WatchDebounce:  10 * time.Second,
			Argon2: Argon2Config{
				Memory:      19 * 1024,
				Time:        2,
				Parallelism: 1,
				SaltLength:  16,
				KeyLength:   32,
			},
		},
	}
}

// Load reads the configuration. An empty path uses the default location and
// falls back to Default when no file exists there.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("toml")
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if path != "" {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg := Default()
		return cfg, Validate(cfg)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemons cannot start with.
func Validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level %q: must be DEBUG, INFO, WARN, or ERROR", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q: must be text or json", cfg.Logging.Format)
	}
	if cfg.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must not be empty")
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen must not be empty when metrics are enabled")
	}

	a := &cfg.Auth
	for name, p := range map[string]string{
		"auth.user_db":     a.UserDBPath,
		"auth.session_db":  a.SessionDBPath,
		"auth.pepper":      a.PepperPath,
		"auth.private_jwk": a.PrivateJWKPath,
		"auth.public_jwk":  a.PublicJWKPath,
	} {
		if p == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if a.WatchDebounce <= 0 {
		return fmt.Errorf("auth.watch_debounce must be positive")
	}
	if a.Argon2.Time == 0 || a.Argon2.Parallelism == 0 {
		return fmt.Errorf("auth.argon2 time and parallelism must be positive")
	}
	if a.Argon2.Memory < 8*uint32(a.Argon2.Parallelism) {
		return fmt.Errorf("auth.argon2.memory must be at least 8 KiB per lane")
	}
	if a.Argon2.SaltLength < 8 || a.Argon2.KeyLength < 16 {
		return fmt.Errorf("auth.argon2 salt or key length too small")
	}
	return nil
}

// defaultConfigDir returns $XDG_CONFIG_HOME/quill, or ~/.config/quill.
func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "quill")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/quill"
	}
	return filepath.Join(home, ".config", "quill")
}
