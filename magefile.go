//go:build mage

package main

import (
	"fmt"
	"os"

	_ "github.com/kralicky/supercut/pkg/logger"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

// Builds all main packages under ./cmd/...
func Build() error {
	// go-sqlite3 is a cgo package
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"},
		mg.GoCmd(), "build", fmt.Sprintf("-v=%t", mg.Verbose()), "-o", "bin/", "./cmd/...")
}

// Runs all tests. Set SUPERCUT_TEST_POSTGRES_DSN to include the postgres
// store tests.
func Test() error {
	return sh.RunV(mg.GoCmd(), "test", "-v", "-race", "./...")
}

type Example mg.Namespace

// Generates a set of sample certificates for testing.
func (Example) Certs() error {
	os.RemoveAll("examples/certs")
	if err := os.MkdirAll("examples/certs", 0755); err != nil {
		return err
	}
	commonArgs := []string{
		"-f", "--kty=OKP", "--curve=Ed25519", "--no-password", "--insecure",
	}
	certs := [][]string{
		{"Example CA", "examples/certs/ca.crt", "examples/certs/ca.key", "--profile=root-ca"},
		{"Supercut Server", "examples/certs/server.crt", "examples/certs/server.key", "--san=localhost", "--san=127.0.0.1", "--profile=leaf", "--ca=examples/certs/ca.crt", "--ca-key=examples/certs/ca.key"},
		{"alice", "examples/certs/alice.crt", "examples/certs/alice.key", "--profile=leaf", "--ca=examples/certs/ca.crt", "--ca-key=examples/certs/ca.key"},
		{"bob", "examples/certs/bob.crt", "examples/certs/bob.key", "--profile=leaf", "--ca=examples/certs/ca.crt", "--ca-key=examples/certs/ca.key"},
	}

	for _, certArgs := range certs {
		args := []string{"certificate", "create"}
		args = append(args, certArgs...)
		args = append(args, commonArgs...)
		if err := sh.RunV("step", args...); err != nil {
			return err
		}
	}
	return nil
}

// Writes an example configuration file to examples/supercut.yaml.
func (Example) Config() error {
	if err := os.MkdirAll("examples", 0755); err != nil {
		return err
	}
	return os.WriteFile("examples/supercut.yaml", []byte(exampleConfig), 0644)
}

const exampleConfig = `listenAddress: 127.0.0.1:5000
healthAddress: 127.0.0.1:5001
dataDir: data
python: python3
workers: 2
store:
  driver: sqlite
jobPolicy:
  maxAttempts: 3
  backoff:
    initialDelay: 1s
    multiplier: 2
  timeout: 30m
tls:
  certFile: examples/certs/server.crt
  keyFile: examples/certs/server.key
  caCertFile: examples/certs/ca.crt
tokens:
  ci: change-me
`
