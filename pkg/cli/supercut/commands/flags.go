package commands

import (
	"path/filepath"

	"github.com/kralicky/supercut/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// configFlags are command-line overrides applied on top of the configuration
// file and environment.
type configFlags struct {
	configFile string
	overrides  config.Options
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configFile, "config", "c", "", "path to a YAML configuration file (default $SUPERCUT_CONFIG)")
	fs.StringVarP(&f.overrides.ListenAddress, "listen-address", "a", config.DefaultListenAddress, "address to listen on")
	fs.StringVar(&f.overrides.HealthAddress, "health-address", "", "address of the gRPC health endpoint (disabled if empty)")
	fs.StringVar(&f.overrides.DataDir, "data-dir", config.DefaultDataDir, "directory holding uploads, exports and the job database")
	fs.StringVar(&f.overrides.Python, "python", "", "python interpreter with videogrep installed (default python3)")
	fs.IntVarP(&f.overrides.Workers, "workers", "w", config.DefaultWorkers, "number of concurrent transcription jobs")
	fs.StringVar(&f.overrides.Store.Driver, "store", "", "job store driver (memory, sqlite, postgres; default sqlite)")
	fs.StringVar(&f.overrides.Store.DSN, "store-dsn", "", "job store location (sqlite file or postgres connection string)")
	fs.StringVar(&f.overrides.TLS.CertFile, "cert", "", "path to the server certificate")
	fs.StringVar(&f.overrides.TLS.KeyFile, "key", "", "path to the server key")
	fs.StringVar(&f.overrides.TLS.CaCertFile, "cacert", "", "path to the CA certificate used to verify client certificates")
}

// load reads the configuration and applies every flag that was set
// explicitly.
func (f *configFlags) load(cmd *cobra.Command) (config.Options, error) {
	opts, err := config.Loader{}.Load(f.configFile)
	if err != nil {
		return config.Options{}, err
	}
	changed := cmd.Flags().Changed
	set := func(flag string, dst *string, src string) {
		if changed(flag) {
			*dst = src
		}
	}
	set("listen-address", &opts.ListenAddress, f.overrides.ListenAddress)
	set("health-address", &opts.HealthAddress, f.overrides.HealthAddress)
	set("python", &opts.Python, f.overrides.Python)
	set("store", &opts.Store.Driver, f.overrides.Store.Driver)
	set("store-dsn", &opts.Store.DSN, f.overrides.Store.DSN)
	set("cert", &opts.TLS.CertFile, f.overrides.TLS.CertFile)
	set("key", &opts.TLS.KeyFile, f.overrides.TLS.KeyFile)
	set("cacert", &opts.TLS.CaCertFile, f.overrides.TLS.CaCertFile)
	if changed("data-dir") {
		// directories derived from the previous data dir follow the new one
		prev := opts.DataDir
		opts.DataDir = f.overrides.DataDir
		if opts.UploadDir == filepath.Join(prev, "uploads") {
			opts.UploadDir = ""
		}
		if opts.ExportDir == filepath.Join(prev, "exports") {
			opts.ExportDir = ""
		}
		if opts.Store.Driver == config.DriverSQLite && !changed("store-dsn") &&
			opts.Store.DSN == filepath.Join(prev, "jobs.db") {
			opts.Store.DSN = ""
		}
	}
	if changed("workers") {
		opts.Workers = f.overrides.Workers
	}
	if err := opts.Validate(); err != nil {
		return config.Options{}, err
	}
	return opts, nil
}
