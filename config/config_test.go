package config_test

import (
	"strings"
	"testing"

	"github.com/s3refgc/s3refgc/config"
	"github.com/s3refgc/s3refgc/errtag"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	c, err := config.New("my-bucket")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if c.Mode != config.DryRun {
		t.Errorf("Mode = %q, want dry_run", c.Mode)
	}

	if c.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", c.RetentionDays)
	}

	if c.MaxConcurrentOps != 10 {
		t.Errorf("MaxConcurrentOps = %d, want 10", c.MaxConcurrentOps)
	}

	if c.S3ListBatchSize != 1000 {
		t.Errorf("S3ListBatchSize = %d, want 1000", c.S3ListBatchSize)
	}
}

func TestNewAggregatesAllViolations(t *testing.T) {
	t.Parallel()

	_, err := config.New("AB", // too short and uppercase
		config.WithMode("bogus"),
		config.WithRetentionDays(-1),
		config.WithMaxConcurrentOps(0),
		config.WithS3ListBatchSize(5000),
		config.WithScheduleCron("25:99"),
	)
	if err == nil {
		t.Fatal("expected validation error")
	}

	if !errtag.Is(err, errtag.Configuration) {
		t.Fatalf("expected a ConfigurationError, got %v", err)
	}

	msg := err.Error()

	for _, want := range []string{"bucket name", "mode must be", "retention_days", "max_concurrent_ops", "s3_list_batch_size", "schedule_cron"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing substring %q — expected all violations to be reported together", msg, want)
		}
	}
}

func TestBucketNameValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"my-bucket":      true,
		"my.bucket.name": true,
		"ab":             false, // too short
		"My-Bucket":      false, // uppercase
		"my..bucket":     false, // double dot
		"192.168.1.1":    false, // IP-shaped
		"-leading-dash":  false,
	}

	for name, wantOK := range cases {
		name, wantOK := name, wantOK

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := config.New(name)
			if wantOK && err != nil {
				t.Errorf("New(%q) = %v, want success", name, err)
			}

			if !wantOK && err == nil {
				t.Errorf("New(%q) = nil, want a validation error", name)
			}
		})
	}
}

func TestCDCRequiresConnectionURL(t *testing.T) {
	t.Parallel()

	_, err := config.New("my-bucket", config.WithCDC(config.CDCOutbox, ""))
	if err == nil || !strings.Contains(err.Error(), "cdc_connection_url") {
		t.Fatalf("expected a cdc_connection_url error, got %v", err)
	}

	_, err = config.New("my-bucket", config.WithCDC(config.CDCFeed, ""))
	if err != nil {
		t.Fatalf("external feed backend must not require a connection url: %v", err)
	}
}

func TestScheduleHourMinute(t *testing.T) {
	t.Parallel()

	c, err := config.New("my-bucket", config.WithScheduleCron("03:45"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hour, minute, ok := c.ScheduleHourMinute()
	if !ok || hour != 3 || minute != 45 {
		t.Fatalf("ScheduleHourMinute() = (%d, %d, %v), want (3, 45, true)", hour, minute, ok)
	}
}

func TestReplicationRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := config.New("my-bucket", config.WithReplication(true, "", "backups"))
	if err == nil || !strings.Contains(err.Error(), "replication_url") {
		t.Fatalf("expected a replication_url error, got %v", err)
	}
}
