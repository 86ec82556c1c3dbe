// Package config holds the server configuration and its loading rules.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kralicky/supercut/pkg/hub"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
)

const (
	DefaultListenAddress     = ":5000"
	DefaultDataDir           = "data"
	DefaultWorkers           = 1
	DefaultLogLevel          = "info"
	DefaultKeepaliveInterval = 15 * time.Second
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreOptions struct {
	// One of memory, sqlite, postgres. Defaults to sqlite.
	Driver string `yaml:"driver"`
	// File path for sqlite (default <dataDir>/jobs.db), connection string for
	// postgres.
	DSN string `yaml:"dsn"`
}

type TLSOptions struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// When set, clients are asked for a certificate signed by this CA and
	// authenticated by its common name.
	CaCertFile string `yaml:"caCertFile"`
}

func (t TLSOptions) Enabled() bool {
	return t.CertFile != ""
}

type Options struct {
	ListenAddress string `yaml:"listenAddress"`
	// Address of the gRPC health endpoint. Empty disables it.
	HealthAddress string `yaml:"healthAddress"`
	DataDir       string `yaml:"dataDir"`
	UploadDir     string `yaml:"uploadDir"`
	ExportDir     string `yaml:"exportDir"`
	// Python interpreter that has videogrep installed.
	Python string `yaml:"python"`
	// Working directory of engine processes.
	EngineDir string `yaml:"engineDir"`

	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"pollInterval"`
	JobPolicy    jobs.Policy   `yaml:"jobPolicy"`
	// Time a process gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"gracePeriod"`
	Store       StoreOptions  `yaml:"store"`

	ObserverBuffer    int           `yaml:"observerBuffer"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`

	TLS TLSOptions `yaml:"tls"`
	// Bearer tokens by user name. Authentication is enabled when this is
	// non-empty or when TLS client certificates are requested.
	Tokens map[string]string `yaml:"tokens"`

	LogLevel string `yaml:"logLevel"`
}

// AuthEnabled reports whether requests must be authenticated.
func (o *Options) AuthEnabled() bool {
	return len(o.Tokens) > 0 || o.TLS.CaCertFile != ""
}

// Validate applies defaults, checks required fields, and rejects out-of-range
// values. It is safe to call more than once.
func (o *Options) Validate() error {
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultListenAddress
	}
	if o.DataDir == "" {
		o.DataDir = DefaultDataDir
	}
	if o.UploadDir == "" {
		o.UploadDir = filepath.Join(o.DataDir, "uploads")
	}
	if o.ExportDir == "" {
		o.ExportDir = filepath.Join(o.DataDir, "exports")
	}
	if o.Python == "" {
		o.Python = scripts.DefaultPython
	}
	if o.LogLevel == "" {
		o.LogLevel = DefaultLogLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return fmt.Errorf("config: invalid log level %q", o.LogLevel)
	}

	switch {
	case o.Workers < 0:
		return fmt.Errorf("config: workers must be >= 1, got %d", o.Workers)
	case o.Workers == 0:
		o.Workers = DefaultWorkers
	}
	if o.PollInterval < 0 {
		return fmt.Errorf("config: pollInterval must not be negative")
	}
	if o.PollInterval == 0 {
		o.PollInterval = jobs.DefaultPollInterval
	}
	if o.GracePeriod < 0 {
		return fmt.Errorf("config: gracePeriod must not be negative")
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = runner.DefaultGracePeriod
	}
	if o.ObserverBuffer < 0 {
		return fmt.Errorf("config: observerBuffer must not be negative")
	}
	if o.ObserverBuffer == 0 {
		o.ObserverBuffer = hub.DefaultBufferSize
	}
	if o.KeepaliveInterval < 0 {
		return fmt.Errorf("config: keepaliveInterval must not be negative")
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}

	p := o.JobPolicy
	if p.MaxAttempts < 0 {
		return fmt.Errorf("config: jobPolicy.maxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Backoff.InitialDelay < 0 || p.Timeout < 0 {
		return fmt.Errorf("config: jobPolicy durations must not be negative")
	}
	if p.Backoff.Multiplier != 0 && p.Backoff.Multiplier < 1 {
		return fmt.Errorf("config: jobPolicy.backoff.multiplier must be >= 1, got %v", p.Backoff.Multiplier)
	}
	o.JobPolicy = p.WithDefaults(jobs.DefaultPolicy)

	switch o.Store.Driver {
	case "":
		o.Store.Driver = DriverSQLite
		fallthrough
	case DriverSQLite:
		if o.Store.DSN == "" {
			o.Store.DSN = filepath.Join(o.DataDir, "jobs.db")
		}
	case DriverPostgres:
		if o.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q (expecting memory, sqlite or postgres)", o.Store.Driver)
	}

	if (o.TLS.CertFile == "") != (o.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls.certFile and tls.keyFile must be set together")
	}
	if o.TLS.CaCertFile != "" && !o.TLS.Enabled() {
		return fmt.Errorf("config: tls.caCertFile requires tls.certFile and tls.keyFile")
	}
	for user, token := range o.Tokens {
		if user == "" || token == "" {
			return fmt.Errorf("config: tokens must have a non-empty user and token")
		}
	}
	return nil
}
