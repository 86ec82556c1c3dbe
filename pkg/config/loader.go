package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from an optional YAML file and SUPERCUT_*
// environment variables. Tests can override Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load reads the YAML file at path (or at $SUPERCUT_CONFIG when path is
// empty), applies environment overrides on top, and validates the result.
func (l Loader) Load(path string) (Options, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	var opts Options
	if path == "" {
		if p, ok := l.Lookup("SUPERCUT_CONFIG"); ok {
			path = strings.TrimSpace(p)
		}
	}
	if path != "" {
		data, err := l.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("config: %w", err)
		}
		if err := decodeYAML(data, &opts); err != nil {
			return Options{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	overrideString(l.Lookup, "SUPERCUT_LISTEN_ADDRESS", &opts.ListenAddress)
	overrideString(l.Lookup, "SUPERCUT_HEALTH_ADDRESS", &opts.HealthAddress)
	overrideString(l.Lookup, "SUPERCUT_DATA_DIR", &opts.DataDir)
	overrideString(l.Lookup, "SUPERCUT_UPLOAD_DIR", &opts.UploadDir)
	overrideString(l.Lookup, "SUPERCUT_EXPORT_DIR", &opts.ExportDir)
	overrideString(l.Lookup, "SUPERCUT_PYTHON", &opts.Python)
	overrideString(l.Lookup, "SUPERCUT_STORE_DRIVER", &opts.Store.Driver)
	overrideString(l.Lookup, "SUPERCUT_STORE_DSN", &opts.Store.DSN)
	overrideString(l.Lookup, "SUPERCUT_LOG_LEVEL", &opts.LogLevel)
	overrideString(l.Lookup, "SUPERCUT_TLS_CERT_FILE", &opts.TLS.CertFile)
	overrideString(l.Lookup, "SUPERCUT_TLS_KEY_FILE", &opts.TLS.KeyFile)
	overrideString(l.Lookup, "SUPERCUT_TLS_CA_CERT_FILE", &opts.TLS.CaCertFile)
	if err := overrideInt(l.Lookup, "SUPERCUT_WORKERS", &opts.Workers); err != nil {
		return Options{}, err
	}
	if err := overrideTokens(l.Lookup, "SUPERCUT_TOKENS", &opts.Tokens); err != nil {
		return Options{}, err
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func decodeYAML(data []byte, opts *Options) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

// overrideTokens parses a comma separated list of user=token pairs.
func overrideTokens(lookup func(string) (string, bool), key string, target *map[string]string) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		user, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || user == "" || token == "" {
			return fmt.Errorf("config: %s: expected user=token pairs", key)
		}
		tokens[user] = token
	}
	*target = tokens
	return nil
}
