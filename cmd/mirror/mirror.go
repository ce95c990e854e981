// Package mirror implements the `mirror` sub-command.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate
	"github.com/spf13/cobra"

	"github.com/yral-dapp/postcache/analyzer/feedmirror"
	cmdCommon "github.com/yral-dapp/postcache/cmd/common"
	"github.com/yral-dapp/postcache/config"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/storage"
)

const (
	moduleName = "mirror_service"
)

var (
	// Path to the configuration file.
	configFile string

	// Run a single mirror pass and exit.
	once bool

	mirrorCmd = &cobra.Command{
		Use:   "mirror",
		Short: "Mirror the canister's feeds into PostgreSQL",
		Run:   runMirror,
	}
)

func runMirror(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.Logger()

	if cfg.Mirror == nil {
		logger.Error("mirror config not provided")
		os.Exit(1)
	}

	service, err := Init(cfg)
	if err != nil {
		os.Exit(1)
	}
	if once {
		if err := service.RunOnce(); err != nil {
			os.Exit(1)
		}
		return
	}
	service.Start()
}

// Init initializes the mirror service, migrating the target storage first.
func Init(cfg *config.Config) (*Service, error) {
	logger := cmdCommon.Logger().WithModule(moduleName)

	if cfg.Mirror.Storage.WipeStorage {
		logger.Warn("wiping storage")
		if err := wipeStorage(cfg.Mirror.Storage); err != nil {
			return nil, err
		}
		logger.Info("storage wiped")
	}

	if err := RunMigrations(cfg.Mirror.Storage.Migrations, cfg.Mirror.Storage.Endpoint); err != nil {
		logger.Error("migrations failed",
			"error", err,
		)
		return nil, err
	}

	service, err := NewService(cfg)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

// RunMigrations applies the schema migrations found at source to the
// database at endpoint.
func RunMigrations(source, endpoint string) error {
	logger := cmdCommon.Logger().WithModule(moduleName)

	m, err := migrate.New(source, endpoint)
	if err != nil {
		return fmt.Errorf("migrator failed to start: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("failed to close migrator", "source_err", srcErr, "db_err", dbErr)
		}
	}()

	switch err = m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no migrations needed to be applied")
	case err != nil:
		return err
	default:
		logger.Info("migrations completed")
	}
	return nil
}

func wipeStorage(cfg *config.StorageConfig) error {
	logger := cmdCommon.Logger().WithModule(moduleName)

	// Initialize target storage.
	storage, err := cmdCommon.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	return storage.Wipe(ctx)
}

// Service is the feed mirror service.
type Service struct {
	mirror feedmirror.Mirror

	source *cmdCommon.Canister
	target storage.TargetStorage
	logger *log.Logger
}

// NewService creates new Service.
func NewService(cfg *config.Config) (*Service, error) {
	ctx := context.Background()
	logger := cmdCommon.Logger().WithModule(moduleName)
	logger.Info("initializing mirror service", "config", cfg.Mirror)

	mirrorCfg, err := mirrorConfig(cfg.Mirror)
	if err != nil {
		return nil, err
	}

	// Mirrored feeds must be fresh; skip the reply cache.
	source, err := cmdCommon.NewCanister(ctx, cfg.Agent, nil, logger)
	if err != nil {
		return nil, err
	}

	target, err := cmdCommon.NewClient(cfg.Mirror.Storage, logger)
	if err != nil {
		source.Close()
		return nil, err
	}

	mirror, err := feedmirror.NewMirror(mirrorCfg, source, target, logger)
	if err != nil {
		source.Close()
		target.Close()
		return nil, err
	}

	return &Service{
		mirror: mirror,
		source: source,
		target: target,
		logger: logger,
	}, nil
}

func mirrorConfig(cfg *config.MirrorConfig) (feedmirror.Config, error) {
	out := feedmirror.Config{
		Interval: cfg.Interval,
		PageSize: cfg.PageSize,
		MaxPosts: cfg.MaxPosts,
		IsNsfw:   cfg.IsNsfw,
	}
	for _, f := range cfg.Feeds {
		feed, err := postcache.ParseFeedKind(f)
		if err != nil {
			return out, err
		}
		out.Feeds = append(out.Feeds, feed)
	}
	if cfg.Status != "" {
		status, err := postcache.ParsePostStatus(cfg.Status)
		if err != nil {
			return out, err
		}
		out.Status = &status
	}
	if cfg.NsfwFilter != "" {
		filter, err := postcache.ParseNsfwFilter(cfg.NsfwFilter)
		if err != nil {
			return out, err
		}
		out.NsfwFilter = &filter
	}
	return out, nil
}

// RunOnce performs a single mirror pass.
func (s *Service) RunOnce() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counts, err := s.mirror.RunOnce(ctx)
	if err != nil {
		s.logger.Error("mirror run failed", "err", err)
		return err
	}
	s.logger.Info("mirror run completed", "post_counts", counts)
	return nil
}

// Start runs the mirror until interrupted.
func (s *Service) Start() {
	defer s.cleanup()
	s.logger.Info("starting mirror service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mirror.Start(ctx)
	}()

	// Trap Ctrl+C and SIGTERM; the latter is issued by Kubernetes to request a shutdown.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-done:
		s.logger.Info("mirror has stopped")
	case <-signalChan:
		s.logger.Info("received interrupt, shutting down")
		cancel()
		// Let the default handler handle ctrl+C so people can kill the process in a hurry.
		signal.Stop(signalChan)
		<-done
		s.logger.Info("mirror has exited cleanly")
	}
}

// cleanup cleans up resources used by the service.
func (s *Service) cleanup() {
	s.source.Close()
	s.target.Close()
	s.logger.Info("db connection closed cleanly")
}

// Register registers the mirror sub-command.
func Register(parentCmd *cobra.Command) {
	mirrorCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	mirrorCmd.Flags().BoolVar(&once, "once", false, "run a single mirror pass and exit")
	parentCmd.AddCommand(mirrorCmd)
}
