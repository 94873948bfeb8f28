// Package config loads the tamsd configuration from TAMS_* environment
// variables. Every setting has a default; a variable that is set but
// does not parse fails Load rather than silently falling back, and
// Validate rejects combinations the daemon cannot run with.
//
// Ops server:
//
//	TAMS_HOST="0.0.0.0"
//	TAMS_PORT="9090"
//	TAMS_READ_TIMEOUT="15s"
//	TAMS_SHUTDOWN_TIMEOUT="30s"
//
// Metadata store:
//
//	TAMS_METASTORE_DSNS="postgres://db-a/tams,postgres://db-b/tams"
//	TAMS_ENDPOINTS_FILE="/etc/tams/endpoints.yaml"  # supersedes DSNS, hot-reloaded
//	TAMS_AUTO_MIGRATE="true"
//	TAMS_FAILURE_THRESHOLD="3"
//	TAMS_PROBE_INTERVAL="30s"
//	TAMS_QUERY_TIMEOUT="10s"
//
// Result cache and query planner:
//
//	TAMS_CACHE_TTL="30s"
//	TAMS_CACHE_MAX_ENTRIES="1024"
//	TAMS_CACHE_REFRESH_FACTOR="0.8"
//	TAMS_SMALL_TABLE_ROWS="10000"
//	TAMS_MAX_SPLITS="8"
//
// Object store and upload allocation:
//
//	TAMS_OBJECT_STORE="s3"  # s3, memory
//	TAMS_S3_BUCKET="tams-media"
//	TAMS_S3_REGION="us-east-1"
//	TAMS_GRANT_TTL="15m"
//	TAMS_SWEEP_SCHEDULE="* * * * *"
//	TAMS_ALLOW_EXTERNAL_REGISTRATION="false"
//
// Delete coordination:
//
//	TAMS_LOCK_MODE="local"  # local, redis
//	TAMS_REDIS_URL="localhost:6379"
//
// Logging and telemetry:
//
//	TAMS_LOG_LEVEL="info"  # debug, info, warn, error
//	TAMS_METRICS_ENABLED="true"
//	TAMS_OTEL_ENABLED="true"
//	TAMS_OTEL_ENDPOINT="otel-collector:4317"
//	TAMS_OTEL_SAMPLE_RATIO="0.25"
//
// Typical use:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
package config
