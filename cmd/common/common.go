// Package common implements common postcache command options.
package common

import (
	"context"
	"fmt"
	"io"
	stdLog "log"
	"net/http"
	"os"

	"github.com/akrylysov/pogreb"

	"github.com/yral-dapp/postcache/agent"
	"github.com/yral-dapp/postcache/cache"
	"github.com/yral-dapp/postcache/cache/kvstore"
	"github.com/yral-dapp/postcache/config"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/storage"
	"github.com/yral-dapp/postcache/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("postcache")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	// Initialize postcache logging.
	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("postcache", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogrebLogger := Logger().WithModule("pogreb").WithCallerUnwind(7)
	pogreb.SetLogger(stdLog.New(log.WriterIntoLogger(*pogrebLogger), "", 0))

	// Initialize Prometheus service.
	if cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(cfg.Metrics.PullEndpoint, rootLogger)
		if err != nil {
			rootLogger.Error("failed to initialize metrics", "err", err)
			return err
		}
		promServer.StartInstrumentation()

		if cfg.Metrics.PprofEndpoint != "" {
			startPprof(cfg.Metrics.PprofEndpoint)
		}
	}
	return nil
}

// Logger returns the logger defined by logging flags.
func Logger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewClient creates a new client to target storage.
func NewClient(cfg *config.StorageConfig, logger *log.Logger) (storage.TargetStorage, error) {
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	var client storage.TargetStorage
	var err error
	switch backend {
	case config.BackendPostgres:
		m := metrics.NewDefaultStorageMetrics("postgres")
		client, err = postgres.NewClient(cfg.Endpoint, logger, &m)
	default:
		panic(fmt.Sprintf("unsupported storage backend: %v", backend))
	}
	if err != nil {
		return nil, err
	}

	return client, nil
}

// Canister is a post cache client together with the resources backing it.
type Canister struct {
	*postcache.Service

	agent  *cache.CachingAgent
	logger *log.Logger
}

// Close releases the reply cache, if any.
func (c *Canister) Close() {
	if c.agent == nil {
		return
	}
	if err := c.agent.Close(); err != nil {
		c.logger.Error("failed to close reply cache", "err", err)
	}
}

// NewCanister connects to the post cache canister. Replies are cached when
// cacheCfg is set.
func NewCanister(ctx context.Context, agentCfg *config.AgentConfig, cacheCfg *config.CacheConfig, logger *log.Logger) (*Canister, error) {
	if agentCfg == nil {
		return nil, fmt.Errorf("agent config not provided")
	}
	identity, err := agent.LoadIdentity(agentCfg.Identity.Kind, agentCfg.Identity.PEMFile, agentCfg.Identity.Seed)
	if err != nil {
		return nil, err
	}
	var httpClient *http.Client
	if agentCfg.RequestTimeout != 0 {
		httpClient = &http.Client{Timeout: agentCfg.RequestTimeout}
	}
	client, err := agent.NewClient(ctx, agent.Config{
		URL:              agentCfg.URL,
		Identity:         identity,
		IngressExpiry:    agentCfg.IngressExpiry,
		RootKey:          agentCfg.RootKeyBytes(),
		FetchRootKey:     agentCfg.FetchRootKey,
		SkipVerification: agentCfg.SkipVerification,
		PollInitial:      agentCfg.PollInitial,
		PollMax:          agentCfg.PollMax,
		HTTPClient:       httpClient,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	logger.Info("connected to replica",
		"url", agentCfg.URL,
		"canister_id", agentCfg.CanisterID,
		"sender", client.Sender().String(),
	)

	var a postcache.Agent = agent.NewInstrumentedAgent(client, metrics.NewDefaultAgentMetrics("agent"))
	c := &Canister{logger: logger}
	if cacheCfg != nil {
		store, err := newStore(cacheCfg, logger)
		if err != nil {
			return nil, err
		}
		c.agent = cache.NewCachingAgent(a, store, cache.Config{
			DefaultTTL: cacheCfg.DefaultTTL,
			MethodTTLs: cacheCfg.MethodTTLs,
			Volatile:   cacheCfg.VolatileMethods(),
		}, logger)
		a = c.agent
	}
	c.Service = postcache.NewService(agentCfg.Canister(), a)
	return c, nil
}

func newStore(cfg *config.CacheConfig, logger *log.Logger) (cache.Store, error) {
	var backend config.CacheBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	m := metrics.NewDefaultStorageMetrics("query_cache")
	switch backend {
	case config.CacheBackendMemory:
		maxBytes := cfg.MaxBytes
		if maxBytes == 0 {
			maxBytes = config.DefaultMaxBytes
		}
		return cache.NewMemoryStore(maxBytes, &m)
	case config.CacheBackendPogreb:
		kv, err := kvstore.OpenKVStore(logger, cfg.CacheDir, &m)
		if err != nil {
			return nil, fmt.Errorf("opening reply cache: %w", err)
		}
		return cache.NewPersistentStore(kv, logger), nil
	default:
		panic(fmt.Sprintf("unsupported cache backend: %v", backend.String()))
	}
}
