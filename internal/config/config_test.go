package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv unsets every CONTENTD_* variable touched by these tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONTENTD_CONFIG",
		"CONTENTD_DATABASE_URL",
		"CONTENTD_NATS_URL",
		"CONTENTD_PROJECTION_INTERVAL",
		"CONTENTD_SCHEDULE_INTERVAL",
		"CONTENTD_FLOW_INTERVAL",
		"CONTENTD_CRON_INTERVAL",
		"CONTENTD_RELAY_INTERVAL",
		"CONTENTD_PARTITION",
		"CONTENTD_PARTITIONS",
		"CONTENTD_RETRY_BASE_DELAY",
		"CONTENTD_RETRY_MAX_DELAY",
		"CONTENTD_RETRY_MAX_CALLS",
		"CONTENTD_ARCHIVE_INTERVAL",
		"CONTENTD_ARCHIVE_S3_BUCKET",
		"CONTENTD_ARCHIVE_S3_ENDPOINT",
		"CONTENTD_ARCHIVE_S3_REGION",
		"CONTENTD_ARCHIVE_S3_PREFIX",
		"CONTENTD_ARCHIVE_BATCH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTENTD_DATABASE_URL", "postgres://localhost/contentd")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.ProjectionInterval != 2*time.Second {
		t.Errorf("ProjectionInterval = %s, want 2s", c.ProjectionInterval)
	}
	if c.ScheduleInterval != 5*time.Second || c.FlowInterval != 5*time.Second {
		t.Errorf("schedule/flow intervals = %s/%s, want 5s", c.ScheduleInterval, c.FlowInterval)
	}
	if c.CronInterval != 30*time.Second || c.RelayInterval != time.Second {
		t.Errorf("cron/relay intervals = %s/%s", c.CronInterval, c.RelayInterval)
	}
	if c.Partition != 0 || c.Partitions != 1 {
		t.Errorf("partition = %d/%d, want 0/1", c.Partition, c.Partitions)
	}
	if c.RetryBaseDelay != 10*time.Second || c.RetryMaxDelay != 10*time.Minute || c.RetryMaxCalls != 12 {
		t.Errorf("retry policy = %s/%s/%d", c.RetryBaseDelay, c.RetryMaxDelay, c.RetryMaxCalls)
	}
	if c.ArchiveS3Region != "us-east-1" || c.ArchiveS3Prefix != "contentd/events" || c.ArchiveBatchSize != 500 {
		t.Errorf("archive defaults = %q/%q/%d", c.ArchiveS3Region, c.ArchiveS3Prefix, c.ArchiveBatchSize)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error without a database URL")
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "contentd.toml")
	data := `
database_url = "postgres://file/contentd"
nats_url = "nats://file:4222"
projection_interval = "250ms"
partitions = 4
partition = 2

[archive]
interval = "1m"
s3_bucket = "cold-events"
batch_size = 100
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONTENTD_CONFIG", path)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DatabaseURL != "postgres://file/contentd" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.ProjectionInterval != 250*time.Millisecond {
		t.Errorf("ProjectionInterval = %s, want 250ms", c.ProjectionInterval)
	}
	if c.Partition != 2 || c.Partitions != 4 {
		t.Errorf("partition = %d/%d, want 2/4", c.Partition, c.Partitions)
	}
	if c.ArchiveInterval != time.Minute || c.ArchiveS3Bucket != "cold-events" || c.ArchiveBatchSize != 100 {
		t.Errorf("archive = %s/%q/%d", c.ArchiveInterval, c.ArchiveS3Bucket, c.ArchiveBatchSize)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "contentd.toml")
	data := `
database_url = "postgres://file/contentd"
schedule_interval = "1m"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONTENTD_CONFIG", path)
	t.Setenv("CONTENTD_DATABASE_URL", "postgres://env/contentd")
	t.Setenv("CONTENTD_SCHEDULE_INTERVAL", "15s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DatabaseURL != "postgres://env/contentd" {
		t.Errorf("DatabaseURL = %q, want env value", c.DatabaseURL)
	}
	if c.ScheduleInterval != 15*time.Second {
		t.Errorf("ScheduleInterval = %s, want 15s", c.ScheduleInterval)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTENTD_DATABASE_URL", "postgres://localhost/contentd")
	t.Setenv("CONTENTD_FLOW_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for an unparsable duration")
	}
}

func TestLoad_PartitionOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTENTD_DATABASE_URL", "postgres://localhost/contentd")
	t.Setenv("CONTENTD_PARTITIONS", "4")
	t.Setenv("CONTENTD_PARTITION", "4")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for partition outside [0, partitions)")
	}
}
