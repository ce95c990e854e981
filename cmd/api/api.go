// Package api implements the `serve` sub-command.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yral-dapp/postcache/api"
	"github.com/yral-dapp/postcache/cmd/common"
	"github.com/yral-dapp/postcache/config"
	"github.com/yral-dapp/postcache/log"
)

const (
	moduleName = "api"

	shutdownTimeout = 10 * time.Second
)

var (
	// Path to the configuration file.
	configFile string

	apiCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the post cache gateway",
		Run:   runServer,
	}
)

func runServer(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.Logger()

	if cfg.Server == nil {
		logger.Error("server config not provided")
		os.Exit(1)
	}

	service, err := Init(cfg)
	if err != nil {
		os.Exit(1)
	}
	defer service.Shutdown()

	service.Start()
}

// Init initializes the API service.
func Init(cfg *config.Config) (*Service, error) {
	logger := common.Logger()

	service, err := NewService(cfg)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

// Service is the gateway service.
type Service struct {
	server *http.Server
	source *common.Canister
	logger *log.Logger
}

// NewService creates a new API service.
func NewService(cfg *config.Config) (*Service, error) {
	logger := common.Logger().WithModule(moduleName)

	source, err := common.NewCanister(context.Background(), cfg.Agent, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	opts := api.Options{
		AllowUpdates:       cfg.Server.AllowUpdates,
		MaxLimit:           cfg.Server.MaxLimit,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}
	if cfg.Server.RequestTimeout != nil {
		opts.RequestTimeout = *cfg.Server.RequestTimeout
	}
	gateway := api.NewGatewayAPI(source, opts, logger)

	return &Service{
		server: &http.Server{
			Addr:              cfg.Server.Endpoint,
			Handler:           gateway.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		source: source,
		logger: logger,
	}, nil
}

// Start serves the gateway until interrupted.
func (s *Service) Start() {
	s.logger.Info("starting api service at " + s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	// Trap Ctrl+C and SIGTERM; the latter is issued by Kubernetes to request a shutdown.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case err := <-errCh:
		s.logger.Error("shutting down",
			"error", err,
		)
	case <-signalChan:
		s.logger.Info("received interrupt, shutting down")
		signal.Stop(signalChan)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shut down gracefully", "error", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
		}
	}
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown() {
	s.source.Close()
}

// Register registers the serve sub-command.
func Register(parentCmd *cobra.Command) {
	apiCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(apiCmd)
}
