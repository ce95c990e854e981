// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yral-dapp/postcache/log"
)

const (
	moduleName = "metrics"

	shutdownTimeout = 5 * time.Second
)

// PullService is a service that supports the Prometheus pull method.
type PullService struct {
	server *http.Server
	logger *log.Logger
}

// Run serves metrics until ctx is done.
func (s *PullService) Run(ctx context.Context) error {
	s.logger.Info("starting pull metrics service", "endpoint", s.server.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.logger.Error("pull metrics service stopped", "err", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// StartInstrumentation runs the service in the background for the lifetime
// of the process.
func (s *PullService) StartInstrumentation() {
	go func() {
		_ = s.Run(context.Background())
	}()
}

// NewPullService creates a new Prometheus pull service.
func NewPullService(pullEndpoint string, logger *log.Logger) (*PullService, error) {
	if pullEndpoint == "" {
		return nil, errors.New("metrics: empty pull endpoint")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &PullService{
		server: &http.Server{
			Addr:           pullEndpoint,
			Handler:        mux,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger: logger.WithModule(moduleName),
	}, nil
}
