// Package config enables config file parsing.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/principal"
)

// Config contains the CLI configuration.
type Config struct {
	Agent   *AgentConfig   `koanf:"agent"`
	Cache   *CacheConfig   `koanf:"cache"`
	Server  *ServerConfig  `koanf:"server"`
	Mirror  *MirrorConfig  `koanf:"mirror"`
	Log     *LogConfig     `koanf:"log"`
	Metrics *MetricsConfig `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Agent != nil {
		if err := cfg.Agent.Validate(); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if cfg.Cache != nil {
		if err := cfg.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Mirror != nil {
		if err := cfg.Mirror.Validate(); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// AgentConfig configures access to the post cache canister.
type AgentConfig struct {
	// URL of a replica or boundary node, e.g. https://icp-api.io.
	URL string `koanf:"url"`

	// CanisterID is the textual id of the post cache canister.
	CanisterID string `koanf:"canister_id"`

	Identity IdentityConfig `koanf:"identity"`

	// IngressExpiry bounds how long a request stays valid. Default 4m.
	IngressExpiry time.Duration `koanf:"ingress_expiry"`

	// RootKey is the hex-encoded DER root public key. Defaults to mainnet.
	RootKey string `koanf:"root_key"`

	// FetchRootKey reads the root key from the replica. Local replicas only.
	FetchRootKey bool `koanf:"fetch_root_key"`

	// If true, certificates of update call results are not verified.
	// NOT RECOMMENDED outside local development.
	SkipVerification bool `koanf:"DANGER__SKIP_CERTIFICATE_VERIFICATION"`

	// Bounds of the request status polling interval.
	PollInitial time.Duration `koanf:"poll_initial"`
	PollMax     time.Duration `koanf:"poll_max"`

	// RequestTimeout bounds each HTTP request to the replica.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Validate validates the agent configuration.
func (cfg *AgentConfig) Validate() error {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed replica url '%s'", cfg.URL)
	}
	if _, err := principal.Decode(cfg.CanisterID); err != nil {
		return fmt.Errorf("canister_id: %w", err)
	}
	if err := cfg.Identity.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if cfg.RootKey != "" {
		if _, err := hex.DecodeString(cfg.RootKey); err != nil {
			return fmt.Errorf("root_key: %w", err)
		}
		if cfg.FetchRootKey {
			return fmt.Errorf("root_key and fetch_root_key are mutually exclusive")
		}
	}
	if cfg.IngressExpiry < 0 || cfg.PollInitial < 0 || cfg.PollMax < 0 || cfg.RequestTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if cfg.PollMax != 0 && cfg.PollInitial > cfg.PollMax {
		return fmt.Errorf("poll_initial %s exceeds poll_max %s", cfg.PollInitial, cfg.PollMax)
	}
	if cfg.IngressExpiry > 5*time.Minute {
		return fmt.Errorf("ingress_expiry %s exceeds the replica's limit of 5m", cfg.IngressExpiry)
	}
	return nil
}

// Canister returns the parsed canister id. Only valid after Validate.
func (cfg *AgentConfig) Canister() principal.Principal {
	return principal.MustDecode(cfg.CanisterID)
}

// RootKeyBytes returns the decoded root key, or nil for the default.
func (cfg *AgentConfig) RootKeyBytes() []byte {
	if cfg.RootKey == "" {
		return nil
	}
	b, _ := hex.DecodeString(cfg.RootKey)
	return b
}

// IdentityConfig selects the identity requests are signed with.
type IdentityConfig struct {
	// Kind is one of anonymous (default), ed25519 and secp256k1.
	Kind string `koanf:"kind"`
	// PEMFile is a dfx-style identity file.
	PEMFile string `koanf:"pem_file"`
	// Seed is a hex-encoded secret key, used in place of PEMFile.
	Seed string `koanf:"seed"`
}

// Validate validates the identity configuration.
func (cfg *IdentityConfig) Validate() error {
	switch strings.ToLower(cfg.Kind) {
	case "", "anonymous":
		return nil
	case "ed25519", "secp256k1":
		if cfg.PEMFile == "" && cfg.Seed == "" {
			return fmt.Errorf("%s identity needs pem_file or seed", cfg.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown identity kind '%s'", cfg.Kind)
	}
}

// CacheBackend is a query reply cache backend.
type CacheBackend uint

const (
	// CacheBackendMemory keeps replies in memory.
	CacheBackendMemory CacheBackend = iota
	// CacheBackendPogreb keeps replies in a pogreb database on disk.
	CacheBackendPogreb
)

// String returns the string representation of a CacheBackend.
func (cb *CacheBackend) String() string {
	switch *cb {
	case CacheBackendMemory:
		return "memory"
	case CacheBackendPogreb:
		return "pogreb"
	default:
		panic("config: unsupported cache backend")
	}
}

// Set sets the CacheBackend to the value specified by the provided string.
func (cb *CacheBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "", "memory":
		*cb = CacheBackendMemory
	case "pogreb":
		*cb = CacheBackendPogreb
	default:
		return fmt.Errorf("config: invalid cache backend: '%s'", s)
	}
	return nil
}

// Type returns the list of supported CacheBackends.
func (cb *CacheBackend) Type() string {
	return "[memory,pogreb]"
}

// CacheConfig configures caching of query replies.
type CacheConfig struct {
	Backend string `koanf:"backend"`

	// CacheDir is where the pogreb backend keeps its data.
	CacheDir string `koanf:"cache_dir"`

	// MaxBytes bounds the memory backend. Default 64 MiB.
	MaxBytes int64 `koanf:"max_bytes"`

	// DefaultTTL applies to query methods without an entry in MethodTTLs.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// MethodTTLs overrides the TTL per Candid method name. Zero disables
	// caching of the method.
	MethodTTLs map[string]time.Duration `koanf:"method_ttls"`

	// Volatile methods are never cached. Defaults to get_cycle_balance.
	Volatile []string `koanf:"volatile"`
}

// DefaultMaxBytes is the default size bound of the memory cache.
const DefaultMaxBytes = 64 << 20

// Validate validates the cache configuration.
func (cfg *CacheConfig) Validate() error {
	var backend CacheBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return err
	}
	if backend == CacheBackendPogreb && cfg.CacheDir == "" {
		return fmt.Errorf("invalid cache filepath")
	}
	if cfg.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must not be negative")
	}
	if cfg.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl must not be negative")
	}
	for method, ttl := range cfg.MethodTTLs {
		if _, ok := postcache.Methods[method]; !ok {
			return fmt.Errorf("method_ttls: unknown method '%s'", method)
		}
		if ttl < 0 {
			return fmt.Errorf("method_ttls[%s] must not be negative", method)
		}
	}
	return nil
}

// VolatileMethods returns the methods that are never cached.
func (cfg *CacheConfig) VolatileMethods() []string {
	if cfg.Volatile == nil {
		return []string{postcache.MethodGetCycleBalance}
	}
	return cfg.Volatile
}

// ServerConfig contains the gateway configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`

	// AllowUpdates enables the routes that make update calls.
	AllowUpdates bool `koanf:"allow_updates"`

	// RequestTimeout bounds the handling of each request. Default 30s.
	RequestTimeout *time.Duration `koanf:"request_timeout"`

	// CORSAllowedOrigins defaults to all origins.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// MaxLimit caps the page size of post listings. Default 100.
	MaxLimit uint64 `koanf:"max_limit"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	if cfg.RequestTimeout != nil && *cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// MirrorConfig configures the feed mirror.
type MirrorConfig struct {
	// Interval between mirror runs.
	Interval time.Duration `koanf:"interval"`

	// Feeds to mirror; defaults to all.
	Feeds []string `koanf:"feeds"`

	// PageSize is the number of posts requested per call. Default 100.
	PageSize uint64 `koanf:"page_size"`

	// MaxPosts bounds the posts mirrored per feed and run. Default 10000.
	MaxPosts uint64 `koanf:"max_posts"`

	// Optional filters passed to the canister.
	IsNsfw     *bool  `koanf:"is_nsfw"`
	Status     string `koanf:"status"`
	NsfwFilter string `koanf:"nsfw_filter"`

	Storage *StorageConfig `koanf:"storage"`
}

// Validate validates the mirror configuration.
func (cfg *MirrorConfig) Validate() error {
	if cfg.Interval < time.Second {
		return fmt.Errorf("mirror interval must be at least 1 second")
	}
	for _, f := range cfg.Feeds {
		if _, err := postcache.ParseFeedKind(f); err != nil {
			return err
		}
	}
	if cfg.Status != "" {
		if _, err := postcache.ParsePostStatus(cfg.Status); err != nil {
			return err
		}
	}
	if cfg.NsfwFilter != "" {
		if _, err := postcache.ParseNsfwFilter(cfg.NsfwFilter); err != nil {
			return err
		}
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	return cfg.Storage.Validate(true /* requireMigrations */)
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}
	return nil
}

// Type returns the list of supported StorageBackends.
func (sb *StorageBackend) Type() string {
	return "[postgres]"
}

// StorageConfig contains the storage layer configuration.
type StorageConfig struct {
	// Endpoint is the storage endpoint to write mirrored feeds to.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is the golang-migrate source URL of the schema migrations.
	Migrations string `koanf:"migrations"`

	// If true, all mirrored data is deleted on startup.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate(requireMigrations bool) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
	}
	if cfg.Migrations == "" && requireMigrations {
		return fmt.Errorf("invalid path to migrations '%s'", cfg.Migrations)
	}
	var sb StorageBackend
	return sb.Set(cfg.Backend)
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, serves the Go profiler.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file. An empty path reads the
// configuration from the environment only.
func InitConfig(f string) (*Config, error) {
	if f == "" {
		return initConfig(nil)
	}
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if p != nil {
		if err := k.Load(p, yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("POSTCACHE__", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		s = strings.TrimPrefix(s, "POSTCACHE__")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
