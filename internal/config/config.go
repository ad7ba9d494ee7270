package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the full runtime configuration. Values come from an
// optional TOML file (CONTENTD_CONFIG) overridden by CONTENTD_* environment
// variables; defaults fill the rest.
type Config struct {
	DatabaseURL string // CONTENTD_DATABASE_URL (required)
	NATSURL     string // CONTENTD_NATS_URL (optional, empty = no bus, outbox still fills)

	// Projection settings
	ProjectionInterval time.Duration // CONTENTD_PROJECTION_INTERVAL (default 2s)

	// Scheduler settings
	ScheduleInterval time.Duration // CONTENTD_SCHEDULE_INTERVAL (default 5s)
	FlowInterval     time.Duration // CONTENTD_FLOW_INTERVAL (default 5s)
	CronInterval     time.Duration // CONTENTD_CRON_INTERVAL (default 30s)
	RelayInterval    time.Duration // CONTENTD_RELAY_INTERVAL (default 1s)

	// Partition slice of this replica: flows with
	// schedule_partition % Partitions == Partition are claimed here.
	Partition  int // CONTENTD_PARTITION (default 0)
	Partitions int // CONTENTD_PARTITIONS (default 1)

	// Flow retry policy
	RetryBaseDelay time.Duration // CONTENTD_RETRY_BASE_DELAY (default 10s)
	RetryMaxDelay  time.Duration // CONTENTD_RETRY_MAX_DELAY (default 10m)
	RetryMaxCalls  int           // CONTENTD_RETRY_MAX_CALLS (default 12; 0 = unbounded)

	// Archive settings
	ArchiveInterval   time.Duration // CONTENTD_ARCHIVE_INTERVAL (default 5m; 0 = disabled)
	ArchiveS3Bucket   string        // CONTENTD_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // CONTENTD_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // CONTENTD_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // CONTENTD_ARCHIVE_S3_PREFIX (default "contentd/events")
	ArchiveBatchSize  int           // CONTENTD_ARCHIVE_BATCH (default 500)
}

// fileConfig is the TOML shape; durations are strings like "30s".
type fileConfig struct {
	DatabaseURL string `toml:"database_url"`
	NATSURL     string `toml:"nats_url"`

	ProjectionInterval string `toml:"projection_interval"`
	ScheduleInterval   string `toml:"schedule_interval"`
	FlowInterval       string `toml:"flow_interval"`
	CronInterval       string `toml:"cron_interval"`
	RelayInterval      string `toml:"relay_interval"`

	Partition  *int `toml:"partition"`
	Partitions *int `toml:"partitions"`

	RetryBaseDelay string `toml:"retry_base_delay"`
	RetryMaxDelay  string `toml:"retry_max_delay"`
	RetryMaxCalls  *int   `toml:"retry_max_calls"`

	Archive struct {
		Interval   string `toml:"interval"`
		S3Bucket   string `toml:"s3_bucket"`
		S3Endpoint string `toml:"s3_endpoint"`
		S3Region   string `toml:"s3_region"`
		S3Prefix   string `toml:"s3_prefix"`
		BatchSize  *int   `toml:"batch_size"`
	} `toml:"archive"`
}

// Load builds the configuration from the TOML file named by CONTENTD_CONFIG
// (if set) and the CONTENTD_* environment, environment winning.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("CONTENTD_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	c := &Config{
		DatabaseURL: envOr("CONTENTD_DATABASE_URL", fc.DatabaseURL),
		NATSURL:     envOr("CONTENTD_NATS_URL", fc.NATSURL),

		ArchiveS3Bucket:   envOr("CONTENTD_ARCHIVE_S3_BUCKET", fc.Archive.S3Bucket),
		ArchiveS3Endpoint: envOr("CONTENTD_ARCHIVE_S3_ENDPOINT", fc.Archive.S3Endpoint),
		ArchiveS3Region:   envOr("CONTENTD_ARCHIVE_S3_REGION", orDefault(fc.Archive.S3Region, "us-east-1")),
		ArchiveS3Prefix:   envOr("CONTENTD_ARCHIVE_S3_PREFIX", orDefault(fc.Archive.S3Prefix, "contentd/events")),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("CONTENTD_DATABASE_URL is required")
	}

	var err error
	if c.ProjectionInterval, err = duration("CONTENTD_PROJECTION_INTERVAL", fc.ProjectionInterval, 2*time.Second); err != nil {
		return nil, err
	}
	if c.ScheduleInterval, err = duration("CONTENTD_SCHEDULE_INTERVAL", fc.ScheduleInterval, 5*time.Second); err != nil {
		return nil, err
	}
	if c.FlowInterval, err = duration("CONTENTD_FLOW_INTERVAL", fc.FlowInterval, 5*time.Second); err != nil {
		return nil, err
	}
	if c.CronInterval, err = duration("CONTENTD_CRON_INTERVAL", fc.CronInterval, 30*time.Second); err != nil {
		return nil, err
	}
	if c.RelayInterval, err = duration("CONTENTD_RELAY_INTERVAL", fc.RelayInterval, time.Second); err != nil {
		return nil, err
	}
	if c.RetryBaseDelay, err = duration("CONTENTD_RETRY_BASE_DELAY", fc.RetryBaseDelay, 10*time.Second); err != nil {
		return nil, err
	}
	if c.RetryMaxDelay, err = duration("CONTENTD_RETRY_MAX_DELAY", fc.RetryMaxDelay, 10*time.Minute); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = duration("CONTENTD_ARCHIVE_INTERVAL", fc.Archive.Interval, 5*time.Minute); err != nil {
		return nil, err
	}

	if c.Partition, err = integer("CONTENTD_PARTITION", fc.Partition, 0); err != nil {
		return nil, err
	}
	if c.Partitions, err = integer("CONTENTD_PARTITIONS", fc.Partitions, 1); err != nil {
		return nil, err
	}
	if c.RetryMaxCalls, err = integer("CONTENTD_RETRY_MAX_CALLS", fc.RetryMaxCalls, 12); err != nil {
		return nil, err
	}
	if c.ArchiveBatchSize, err = integer("CONTENTD_ARCHIVE_BATCH", fc.Archive.BatchSize, 500); err != nil {
		return nil, err
	}

	if c.Partitions < 1 {
		return nil, fmt.Errorf("CONTENTD_PARTITIONS must be >= 1")
	}
	if c.Partition < 0 || c.Partition >= c.Partitions {
		return nil, fmt.Errorf("CONTENTD_PARTITION must be in [0, %d)", c.Partitions)
	}

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func duration(key, fileValue string, fallback time.Duration) (time.Duration, error) {
	s := envOr(key, fileValue)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func integer(key string, fileValue *int, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	if fileValue != nil {
		return *fileValue, nil
	}
	return fallback, nil
}
