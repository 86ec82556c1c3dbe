package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/kralicky/supercut/pkg/auth"
	"github.com/kralicky/supercut/pkg/hub"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/media"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
)

const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

type Options struct {
	ListenAddress string
	// Address of the gRPC health endpoint; empty disables it.
	HealthAddress string
	CaCertFile    string
	CertFile      string
	KeyFile       string
	// When non-empty, every request must be accepted by one of these.
	Authenticators []auth.Authenticator
	// Interval of SSE keepalive comments.
	KeepaliveInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Dependencies are the components a Server dispatches requests to.
type Dependencies struct {
	Queue  *jobs.Queue
	Runner *runner.Runner
	Engine scripts.Engine
	Hub    *hub.Hub
	Media  *media.Store
}

type Server struct {
	Options
	Dependencies

	// Lifetime of engine processes started for synchronous requests. These
	// outlive the request that started them, but not the server.
	baseCtx context.Context
	handler http.Handler
}

func NewServer(deps Dependencies, options Options) *Server {
	if options.KeepaliveInterval <= 0 {
		options.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		Options:      options,
		Dependencies: deps,
		baseCtx:      context.Background(),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/transcribe", s.handleTranscribe).Methods(http.MethodPost)
	router.HandleFunc("/transcription-status/{jobId}", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobId}/output", s.handleJobOutput).Methods(http.MethodGet)
	router.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	router.HandleFunc("/ngrams", s.handleNgrams).Methods(http.MethodPost)
	router.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	router.HandleFunc("/test-video", s.handleTestVideo).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	if len(s.Authenticators) > 0 {
		router.Use(auth.NewMiddleware(s.Authenticators...))
	}
	return logging(cors(router))
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.CaCertFile != "" {
		cacertData, err := os.ReadFile(s.CaCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(cacertData) {
			return nil, fmt.Errorf("no certificates found in %s", s.CaCertFile)
		}
		tlsConfig.ClientCAs = certPool
		// bearer-token clients may not have a certificate
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}

// ListenAndServe serves HTTP (and the health endpoint, if configured) until
// ctx is canceled, then shuts down gracefully. Open log streams are closed
// when ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return err
	}
	defer listener.Close()
	if s.CertFile != "" {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return err
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	var health *healthServer
	if s.HealthAddress != "" {
		health, err = newHealthServer(s.HealthAddress)
		if err != nil {
			return err
		}
		go health.Serve()
		defer health.Stop()
	}

	s.baseCtx = ctx
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.With(
		"address", listener.Addr().String(),
		"tls", s.CertFile != "",
	).Info("server starting")

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(listener)
	}()
	health.SetServing(true)

	select {
	case <-ctx.Done():
		slog.Info("server shutting down")
		health.SetServing(false)
		if s.Hub != nil {
			s.Hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.With("error", err).Warn("graceful shutdown timed out")
			server.Close()
		}
		<-errC
		slog.Info("server stopped")
		return nil
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.With("error", err).Error("server exited with error")
		return err
	}
}
