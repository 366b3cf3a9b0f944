// Package config centralizes how syncbox reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DirectoryMapping binds a local root to the remote folder prefix its files
// are uploaded under.
type DirectoryMapping struct {
	LocalPath    string
	RemotePrefix string
}

// TransportKind selects the preferred upload transport.
type TransportKind string

const (
	TransportFTP  TransportKind = "ftp"
	TransportHTTP TransportKind = "http"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address     string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Directories      []DirectoryMapping
	MinSizeMegaBytes int64

	RemoteBaseURL string
	RemoteToken   string

	// Multipart transport endpoint plus the session credential it expects as
	// a query parameter.
	MultipartURL       string
	MultipartSessionID string

	FTPHost     string
	FTPUser     string
	FTPPassword string
	FTPTimeout  time.Duration

	PreferredTransport TransportKind

	ConcurrencyLimit int
	// PoolSize caps how many tasks may be admitted ahead of execution; it
	// must be at least ConcurrencyLimit.
	PoolSize int

	// Push transport post-upload confirmation polling.
	WaitTimeout               time.Duration
	WaitBetweenUploadAndCheck time.Duration

	ReconcileCron      string
	ReconcileBatchSize int
	ReconcileBackoff   time.Duration
	ReconcileRetries   int
	ReconcilePacing    time.Duration
}

const (
	defaultAddress          = ":6686"
	defaultDatabaseURL      = "postgres://localhost:5432/syncbox"
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultMinSizeMB        = 2
	defaultConcurrency      = 6
	defaultPoolSize         = 10
	defaultFTPTimeout       = 30 * time.Second
	defaultWaitTimeout      = 5 * time.Minute
	defaultWaitBetween      = 10 * time.Second
	defaultReconcileCron    = "0 4 * * *"
	defaultReconcileBatch   = 100
	defaultReconcileBackoff = 40 * time.Second
	defaultReconcileRetries = 5
	defaultReconcilePacing  = 2 * time.Second
)

// Load reads configuration from environment variables falling back to
// defaults. The directory list is the only setting that fails hard when
// malformed; everything else degrades to its default.
func Load() (*Config, error) {
	dirs, err := parseDirectories(readEnv("SYNCBOX_DIRECTORIES", ""))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Address:     readEnv("SYNCBOX_ADDRESS", defaultAddress),
		LogLevel:    readEnv("SYNCBOX_LOG_LEVEL", "info"),
		DatabaseURL: readEnv("SYNCBOX_DATABASE_URL", defaultDatabaseURL),

		RedisAddr:     readEnv("SYNCBOX_REDIS_ADDR", defaultRedisAddr),
		RedisPassword: readEnv("SYNCBOX_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("SYNCBOX_REDIS_DB", 0),

		Directories:      dirs,
		MinSizeMegaBytes: parseInt64("SYNCBOX_MIN_SIZE_MB", defaultMinSizeMB),

		RemoteBaseURL: readEnv("SYNCBOX_REMOTE_URL", "https://api.syncbox.example/v1"),
		RemoteToken:   readEnv("SYNCBOX_REMOTE_TOKEN", ""),

		MultipartURL:       readEnv("SYNCBOX_MULTIPART_URL", ""),
		MultipartSessionID: readEnv("SYNCBOX_MULTIPART_SESSION_ID", ""),

		FTPHost:     readEnv("SYNCBOX_FTP_HOST", ""),
		FTPUser:     readEnv("SYNCBOX_FTP_USER", ""),
		FTPPassword: readEnv("SYNCBOX_FTP_PASSWORD", ""),
		FTPTimeout:  parseDuration("SYNCBOX_FTP_TIMEOUT", defaultFTPTimeout),

		PreferredTransport: TransportKind(readEnv("SYNCBOX_PREFERRED_TRANSPORT", string(TransportFTP))),

		ConcurrencyLimit: parseInt("SYNCBOX_CONCURRENCY_LIMIT", defaultConcurrency),
		PoolSize:         parseInt("SYNCBOX_POOL_SIZE", defaultPoolSize),

		WaitTimeout:               parseDuration("SYNCBOX_WAIT_TIMEOUT", defaultWaitTimeout),
		WaitBetweenUploadAndCheck: parseDuration("SYNCBOX_WAIT_BETWEEN_CHECKS", defaultWaitBetween),

		ReconcileCron:      readEnv("SYNCBOX_RECONCILE_CRON", defaultReconcileCron),
		ReconcileBatchSize: parseInt("SYNCBOX_RECONCILE_BATCH", defaultReconcileBatch),
		ReconcileBackoff:   parseDuration("SYNCBOX_RECONCILE_BACKOFF", defaultReconcileBackoff),
		ReconcileRetries:   parseInt("SYNCBOX_RECONCILE_RETRIES", defaultReconcileRetries),
		ReconcilePacing:    parseDuration("SYNCBOX_RECONCILE_PACING", defaultReconcilePacing),
	}
	if cfg.PreferredTransport != TransportFTP && cfg.PreferredTransport != TransportHTTP {
		return nil, fmt.Errorf("unknown preferred transport %q", cfg.PreferredTransport)
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = defaultConcurrency
	}
	if cfg.PoolSize < cfg.ConcurrencyLimit {
		cfg.PoolSize = cfg.ConcurrencyLimit
	}
	if cfg.MinSizeMegaBytes < 0 {
		cfg.MinSizeMegaBytes = defaultMinSizeMB
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = defaultReconcileBatch
	}
	return cfg, nil
}

// MinSizeBytes converts the configured megabyte threshold to bytes.
func (c *Config) MinSizeBytes() int64 {
	return c.MinSizeMegaBytes << 20
}

// MappingFor returns the directory mapping whose LocalPath equals basePath.
// The match is an exact string comparison: records scanned under a root that
// has since been removed from configuration simply find no mapping.
func (c *Config) MappingFor(basePath string) (DirectoryMapping, bool) {
	for _, d := range c.Directories {
		if d.LocalPath == basePath {
			return d, true
		}
	}
	return DirectoryMapping{}, false
}

// parseDirectories understands "local=remotePrefix" pairs separated by
// commas, e.g. "/mnt/media=/media,/home/u/iso=/archives/iso".
func parseDirectories(raw string) ([]DirectoryMapping, error) {
	if raw == "" {
		return nil, nil
	}
	var out []DirectoryMapping
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		local, remote, ok := strings.Cut(pair, "=")
		if !ok || local == "" || remote == "" {
			return nil, fmt.Errorf("invalid directory mapping %q (want local=remotePrefix)", pair)
		}
		out = append(out, DirectoryMapping{
			LocalPath:    strings.TrimSpace(local),
			RemotePrefix: strings.TrimSpace(remote),
		})
	}
	return out, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
