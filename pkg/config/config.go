package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avfoundry/tams/pkg/observability"
)

// Config carries every tunable of the tamsd daemon, grouped by the
// subsystem that consumes it. All values come from TAMS_* environment
// variables.
type Config struct {
	// Ops HTTP server (health probes + metrics)
	Server ServerConfig

	// Metadata store endpoints and pool tuning
	Metastore MetastoreConfig

	// Query result cache
	Cache CacheConfig

	// Query planner thresholds
	Planner PlannerConfig

	// Media object store
	ObjectStore ObjectStoreConfig

	// Upload allocation workflow
	Allocator AllocatorConfig

	// Delete coordination
	Integrity IntegrityConfig

	// Logging, metrics and tracing
	Observability ObservabilityConfig
}

// ServerConfig tunes the ops HTTP listener. Only health probes and
// metrics are served there; metadata traffic never passes through it.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// MetastoreConfig holds endpoint addresses and pool health tuning.
// EndpointsFile, when set, supersedes DSNs and is hot-reloaded on
// change.
type MetastoreConfig struct {
	DSNs          []string
	EndpointsFile string

	// AutoMigrate applies embedded schema migrations to every SQL
	// endpoint at startup.
	AutoMigrate bool

	FailureThreshold  int
	RecoverySuccesses int
	MinLatencySamples int
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	QueryTimeout      time.Duration
	MaxConns          int
	MinConns          int
}

// CacheConfig holds result cache tuning
type CacheConfig struct {
	TTL           time.Duration
	MaxEntries    int
	RefreshFactor float64
}

// PlannerConfig holds query planner thresholds
type PlannerConfig struct {
	SmallTableRows int64
	MaxSplits      int
	EstimateTTL    time.Duration
}

// ObjectStoreConfig holds the media object store settings
type ObjectStoreConfig struct {
	Type string // "s3" or "memory"

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Presigned grant lifetime bounds. Requested TTLs clamp to
	// [MinGrantTTL, MaxGrantTTL]; zero requests get DefaultGrantTTL.
	DefaultGrantTTL time.Duration
	MinGrantTTL     time.Duration
	MaxGrantTTL     time.Duration
}

// AllocatorConfig holds allocation workflow settings
type AllocatorConfig struct {
	// SweepSchedule is a cron expression for the expired-allocation
	// sweeper.
	SweepSchedule string

	// AllowExternalRegistration enables registering segments whose
	// objects were uploaded outside the allocation workflow. Every use
	// is logged at warn.
	AllowExternalRegistration bool
}

// IntegrityConfig holds delete coordination settings
type IntegrityConfig struct {
	// LockMode selects the advisory locker: "local" (in-process) or
	// "redis" (multi-process deployments).
	LockMode      string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
}

// ObservabilityConfig selects log verbosity and telemetry exports.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // plaintext gRPC to the collector
	OTelSampleRatio    float64
}

// Load builds the configuration from the environment. A variable that
// is set but does not parse is an error, not a silent default, so a
// typo in a duration or count cannot go unnoticed.
func Load() (*Config, error) {
	var env envReader

	cfg := &Config{
		Server:        env.server(),
		Metastore:     env.metastore(),
		Cache:         env.cache(),
		Planner:       env.planner(),
		ObjectStore:   env.objectStore(),
		Allocator:     env.allocator(),
		Integrity:     env.integrity(),
		Observability: env.observability(),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("malformed environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("ops server port must not be empty")
	}

	if len(c.Metastore.DSNs) == 0 && c.Metastore.EndpointsFile == "" {
		return fmt.Errorf("metastore requires TAMS_METASTORE_DSNS or TAMS_ENDPOINTS_FILE")
	}

	if c.Cache.RefreshFactor <= 0 || c.Cache.RefreshFactor >= 1 {
		return fmt.Errorf("cache refresh factor must be in (0, 1), got %v", c.Cache.RefreshFactor)
	}

	switch c.ObjectStore.Type {
	case "memory":
	case "s3":
		if c.ObjectStore.S3Bucket == "" {
			return fmt.Errorf("s3 object store needs TAMS_S3_BUCKET")
		}
	default:
		return fmt.Errorf("object store type must be s3 or memory, got %q", c.ObjectStore.Type)
	}

	if c.ObjectStore.MinGrantTTL > c.ObjectStore.MaxGrantTTL {
		return fmt.Errorf("minimum grant TTL %v exceeds maximum %v",
			c.ObjectStore.MinGrantTTL, c.ObjectStore.MaxGrantTTL)
	}

	switch c.Integrity.LockMode {
	case "local":
	case "redis":
		if c.Integrity.RedisURL == "" {
			return fmt.Errorf("redis lock mode needs TAMS_REDIS_URL")
		}
	default:
		return fmt.Errorf("lock mode must be local or redis, got %q", c.Integrity.LockMode)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" || c.Observability.OTelServiceName == "" {
			return fmt.Errorf("enabling OTel needs TAMS_OTEL_ENDPOINT and TAMS_OTEL_SERVICE_NAME")
		}
	}

	return nil
}

func (r *envReader) server() ServerConfig {
	return ServerConfig{
		Host:            r.str("TAMS_HOST", "0.0.0.0"),
		Port:            r.str("TAMS_PORT", "9090"),
		ReadTimeout:     r.duration("TAMS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    r.duration("TAMS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     r.duration("TAMS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: r.duration("TAMS_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func (r *envReader) metastore() MetastoreConfig {
	return MetastoreConfig{
		DSNs:              r.list("TAMS_METASTORE_DSNS"),
		EndpointsFile:     r.str("TAMS_ENDPOINTS_FILE", ""),
		AutoMigrate:       r.boolean("TAMS_AUTO_MIGRATE", true),
		FailureThreshold:  r.count("TAMS_FAILURE_THRESHOLD", 3),
		RecoverySuccesses: r.count("TAMS_RECOVERY_SUCCESSES", 1),
		MinLatencySamples: r.count("TAMS_MIN_LATENCY_SAMPLES", 5),
		ProbeInterval:     r.duration("TAMS_PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:      r.duration("TAMS_PROBE_TIMEOUT", 5*time.Second),
		QueryTimeout:      r.duration("TAMS_QUERY_TIMEOUT", 10*time.Second),
		MaxConns:          r.count("TAMS_POSTGRES_MAX_CONNS", 25),
		MinConns:          r.count("TAMS_POSTGRES_MIN_CONNS", 2),
	}
}

func (r *envReader) cache() CacheConfig {
	return CacheConfig{
		TTL:           r.duration("TAMS_CACHE_TTL", 30*time.Second),
		MaxEntries:    r.count("TAMS_CACHE_MAX_ENTRIES", 1024),
		RefreshFactor: r.fraction("TAMS_CACHE_REFRESH_FACTOR", 0.8),
	}
}

func (r *envReader) planner() PlannerConfig {
	return PlannerConfig{
		SmallTableRows: r.count64("TAMS_SMALL_TABLE_ROWS", 10000),
		MaxSplits:      r.count("TAMS_MAX_SPLITS", 8),
		EstimateTTL:    r.duration("TAMS_ESTIMATE_TTL", 5*time.Minute),
	}
}

func (r *envReader) objectStore() ObjectStoreConfig {
	return ObjectStoreConfig{
		Type:            r.str("TAMS_OBJECT_STORE", "memory"),
		S3Endpoint:      r.str("TAMS_S3_ENDPOINT", ""),
		S3Region:        r.str("TAMS_S3_REGION", "us-east-1"),
		S3Bucket:        r.str("TAMS_S3_BUCKET", ""),
		S3AccessKey:     r.str("TAMS_S3_ACCESS_KEY", ""),
		S3SecretKey:     r.str("TAMS_S3_SECRET_KEY", ""),
		S3UsePathStyle:  r.boolean("TAMS_S3_USE_PATH_STYLE", false),
		DefaultGrantTTL: r.duration("TAMS_GRANT_TTL", 15*time.Minute),
		MinGrantTTL:     r.duration("TAMS_GRANT_TTL_MIN", time.Minute),
		MaxGrantTTL:     r.duration("TAMS_GRANT_TTL_MAX", time.Hour),
	}
}

func (r *envReader) allocator() AllocatorConfig {
	return AllocatorConfig{
		SweepSchedule:             r.str("TAMS_SWEEP_SCHEDULE", "* * * * *"),
		AllowExternalRegistration: r.boolean("TAMS_ALLOW_EXTERNAL_REGISTRATION", false),
	}
}

func (r *envReader) integrity() IntegrityConfig {
	return IntegrityConfig{
		LockMode:      r.str("TAMS_LOCK_MODE", "local"),
		RedisURL:      r.str("TAMS_REDIS_URL", "localhost:6379"),
		RedisPassword: r.str("TAMS_REDIS_PASSWORD", ""),
		RedisDB:       r.count("TAMS_REDIS_DB", 0),
		LockTTL:       r.duration("TAMS_LOCK_TTL", 30*time.Second),
	}
}

func (r *envReader) observability() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           r.logLevel("TAMS_LOG_LEVEL", observability.InfoLevel),
		MetricsEnabled:     r.boolean("TAMS_METRICS_ENABLED", true),
		OTelEnabled:        r.boolean("TAMS_OTEL_ENABLED", false),
		OTelEndpoint:       r.str("TAMS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    r.str("TAMS_OTEL_SERVICE_NAME", "tams-metadata"),
		OTelServiceVersion: r.str("TAMS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       r.boolean("TAMS_OTEL_INSECURE", true),
		OTelSampleRatio:    r.fraction("TAMS_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// envReader reads environment variables and remembers every value that
// failed to parse. An empty variable counts as unset and yields the
// fallback without an error.
type envReader struct {
	errs []error
}

func (r *envReader) bad(key, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%s: %q is not %s", key, value, want))
}

func (r *envReader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// list splits a comma-separated variable, trimming whitespace and
// dropping empty elements.
func (r *envReader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.bad(key, v, "a boolean")
		return fallback
	}
	return b
}

func (r *envReader) count(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.bad(key, v, "an integer")
		return fallback
	}
	return n
}

func (r *envReader) count64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.bad(key, v, "an integer")
		return fallback
	}
	return n
}

func (r *envReader) fraction(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.bad(key, v, "a number")
		return fallback
	}
	return f
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.bad(key, v, "a duration")
		return fallback
	}
	return d
}

func (r *envReader) logLevel(key string, fallback observability.LogLevel) observability.LogLevel {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		r.bad(key, v, "a log level (debug, info, warn, error)")
		return fallback
	}
}
