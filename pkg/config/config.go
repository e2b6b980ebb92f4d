package config

import "os"

// Config holds process configuration.
type Config struct {
	LogLevel        string
	Mode            string // SIMULATION | LIVE
	SnapshotPath    string // SQLite snapshot database path
	AuditDSN        string // Optional Postgres audit mirror DSN
	RedisAddr       string // Optional Redis limiter backend
	ProfilePath     string // Optional execution profile YAML
	BundleDir       string // Optional invariant bundle directory
	OTLPEndpoint    string
	TelemetryOn     bool
	ArchiveBucket   string // Optional S3 receipt archive bucket
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	mode := os.Getenv("TXGATE_MODE")
	if mode == "" {
		// Default to the read-only mode; going live is an operator decision.
		mode = "SIMULATION"
	}

	snapshot := os.Getenv("TXGATE_SNAPSHOT_PATH")
	if snapshot == "" {
		snapshot = "txgate.db"
	}

	return &Config{
		LogLevel:        logLevel,
		Mode:            mode,
		SnapshotPath:    snapshot,
		AuditDSN:        os.Getenv("TXGATE_AUDIT_DSN"),
		RedisAddr:       os.Getenv("TXGATE_REDIS_ADDR"),
		ProfilePath:     os.Getenv("TXGATE_PROFILE"),
		BundleDir:       os.Getenv("TXGATE_INVARIANT_BUNDLES"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		TelemetryOn:     os.Getenv("TXGATE_TELEMETRY") == "true",
		ArchiveBucket:   os.Getenv("TXGATE_ARCHIVE_BUCKET"),
		ArchiveRegion:   os.Getenv("TXGATE_ARCHIVE_REGION"),
		ArchiveEndpoint: os.Getenv("TXGATE_ARCHIVE_ENDPOINT"),
	}
}
