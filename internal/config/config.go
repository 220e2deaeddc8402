// Package config loads ledgerd settings from a YAML file, environment
// variables and built-in defaults, in that order of precedence reversed:
// environment beats file beats default.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. INTENTLEDGER_LEDGER_DIR.
const EnvPrefix = "INTENTLEDGER"

// Config is the typed view of the settings.
type Config struct {
	Server   Server
	Ledger   Ledger
	Queue    Queue
	Verifier Verifier
	Audit    Audit
	Log      Log
}

type Server struct {
	Port            int
	CORSOrigins     []string
	RateLimitRPS    float64
	MaxBodyBytes    int64
	ReadTokenSecret string
	ExposeIndex     bool
}

type Ledger struct {
	Dir              string
	IndexFile        string
	ReconcileOnStart bool
}

type Queue struct {
	Enabled      bool
	PendingDir   string
	CommittedDir string
	FailedDir    string
	PollInterval time.Duration
	Watch        bool
}

type Verifier struct {
	PublicKeyFile         string
	AllowInvalidSignature bool
	AllowMissingPublicKey bool
}

type Audit struct {
	// DatabaseURL selects the PostgreSQL audit chain; empty keeps it in memory.
	DatabaseURL string
}

type Log struct {
	Development bool
}

// New returns a viper instance with defaults, env binding and the search
// path for ledgerd.yaml.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("ledgerd")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.read_token_secret", "")
	v.SetDefault("server.expose_index", false)
	v.SetDefault("ledger.dir", "data/ledger")
	v.SetDefault("ledger.index_file", "")
	v.SetDefault("ledger.reconcile_on_start", true)
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.pending_dir", "data/queue/pending")
	v.SetDefault("queue.committed_dir", "data/queue/committed")
	v.SetDefault("queue.failed_dir", "data/queue/failed")
	v.SetDefault("queue.poll_interval", "10s")
	v.SetDefault("queue.watch", false)
	v.SetDefault("verifier.public_key_file", "")
	v.SetDefault("verifier.allow_invalid_signature", false)
	v.SetDefault("verifier.allow_missing_public_key", false)
	v.SetDefault("audit.database_url", "")
	v.SetDefault("log.development", false)
	return v
}

// Load reads the config file if present and returns the typed settings.
// file overrides the search path when non-empty. found reports whether a
// config file was read.
func Load(v *viper.Viper, file string) (cfg *Config, found bool, err error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
	} else {
		found = true
	}

	cfg = &Config{
		Server: Server{
			Port:            v.GetInt("server.port"),
			CORSOrigins:     v.GetStringSlice("server.cors_origins"),
			RateLimitRPS:    v.GetFloat64("server.rate_limit_rps"),
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
			ReadTokenSecret: v.GetString("server.read_token_secret"),
			ExposeIndex:     v.GetBool("server.expose_index"),
		},
		Ledger: Ledger{
			Dir:              v.GetString("ledger.dir"),
			IndexFile:        v.GetString("ledger.index_file"),
			ReconcileOnStart: v.GetBool("ledger.reconcile_on_start"),
		},
		Queue: Queue{
			Enabled:      v.GetBool("queue.enabled"),
			PendingDir:   v.GetString("queue.pending_dir"),
			CommittedDir: v.GetString("queue.committed_dir"),
			FailedDir:    v.GetString("queue.failed_dir"),
			PollInterval: v.GetDuration("queue.poll_interval"),
			Watch:        v.GetBool("queue.watch"),
		},
		Verifier: Verifier{
			PublicKeyFile:         v.GetString("verifier.public_key_file"),
			AllowInvalidSignature: v.GetBool("verifier.allow_invalid_signature"),
			AllowMissingPublicKey: v.GetBool("verifier.allow_missing_public_key"),
		},
		Audit: Audit{DatabaseURL: v.GetString("audit.database_url")},
		Log:   Log{Development: v.GetBool("log.development")},
	}
	if err := cfg.Validate(); err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Ledger.Dir == "" {
		errs = append(errs, errors.New("ledger.dir is required"))
	}
	if c.Server.ReadTokenSecret != "" && len(c.Server.ReadTokenSecret) < 32 {
		errs = append(errs, errors.New("server.read_token_secret must be at least 32 bytes"))
	}
	if c.Queue.Enabled {
		if c.Queue.PollInterval <= 0 {
			errs = append(errs, errors.New("queue.poll_interval must be positive"))
		}
		dirs := map[string]string{}
		for key, d := range map[string]string{
			"queue.pending_dir":   c.Queue.PendingDir,
			"queue.committed_dir": c.Queue.CommittedDir,
			"queue.failed_dir":    c.Queue.FailedDir,
		} {
			if d == "" {
				errs = append(errs, fmt.Errorf("%s is required", key))
				continue
			}
			clean := filepath.Clean(d)
			if other, dup := dirs[clean]; dup {
				errs = append(errs, fmt.Errorf("%s and %s must differ", other, key))
			}
			dirs[clean] = key
		}
	}
	return errors.Join(errs...)
}
