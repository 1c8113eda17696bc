// Package config builds the immutable configuration product type for
// s3refgc. Construction validates everything at once and returns every
// violation together; there is no partial or mutable configuration state
// afterward. Callers that need a different configuration build a new one.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/s3refgc/s3refgc/errtag"
)

// Mode selects how a GC cycle dispatches verified orphans.
type Mode string

const (
	DryRun    Mode = "dry_run"
	AuditOnly Mode = "audit_only"
	Execute   Mode = "execute"
)

// CDCBackend names a supported change-data-capture transport.
type CDCBackend string

const (
	CDCNone    CDCBackend = ""
	CDCOutbox  CDCBackend = "outbox"
	CDCLogical CDCBackend = "logical"
	CDCFeed    CDCBackend = "external_feed"
)

// Config is the single immutable product type every component reads from.
// Build it with New or Load; never mutate a value after construction.
type Config struct {
	Bucket   string
	Region   string
	Tables   map[string][]string
	Mode     Mode
	VaultPath string

	RetentionDays     int
	ExcludePrefixes   []string
	BackupBeforeDelete bool
	CompressBackups   bool
	VerifyBeforeDelete bool

	CDCBackend       CDCBackend
	CDCConnectionURL string

	ScheduleCron string

	MaxConcurrentOps int
	S3ListBatchSize  int

	ReplicationEnabled bool
	ReplicationURL     string
	BackupRemoteBucket string

	CallTimeout time.Duration
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

var cronRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

// Option mutates a Config under construction. Options apply in order; New
// validates the result once, after all options have run.
type Option func(*Config)

func WithRegion(region string) Option { return func(c *Config) { c.Region = region } }

func WithTables(tables map[string][]string) Option {
	return func(c *Config) { c.Tables = tables }
}

func WithMode(mode Mode) Option { return func(c *Config) { c.Mode = mode } }

func WithVaultPath(path string) Option { return func(c *Config) { c.VaultPath = path } }

func WithRetentionDays(days int) Option { return func(c *Config) { c.RetentionDays = days } }

func WithExcludePrefixes(prefixes []string) Option {
	return func(c *Config) { c.ExcludePrefixes = prefixes }
}

func WithBackupBeforeDelete(v bool) Option {
	return func(c *Config) { c.BackupBeforeDelete = v }
}

func WithCompressBackups(v bool) Option { return func(c *Config) { c.CompressBackups = v } }

func WithVerifyBeforeDelete(v bool) Option {
	return func(c *Config) { c.VerifyBeforeDelete = v }
}

func WithCDC(backend CDCBackend, connectionURL string) Option {
	return func(c *Config) {
		c.CDCBackend = backend
		c.CDCConnectionURL = connectionURL
	}
}

func WithScheduleCron(cron string) Option { return func(c *Config) { c.ScheduleCron = cron } }

func WithMaxConcurrentOps(n int) Option { return func(c *Config) { c.MaxConcurrentOps = n } }

func WithS3ListBatchSize(n int) Option { return func(c *Config) { c.S3ListBatchSize = n } }

func WithReplication(enabled bool, url, backupBucket string) Option {
	return func(c *Config) {
		c.ReplicationEnabled = enabled
		c.ReplicationURL = url
		c.BackupRemoteBucket = backupBucket
	}
}

func WithCallTimeout(d time.Duration) Option { return func(c *Config) { c.CallTimeout = d } }

// New builds and validates a Config for the given bucket, applying defaults
// before opts run (opts can override any default).
func New(bucket string, opts ...Option) (*Config, error) {
	c := &Config{
		Bucket:             bucket,
		Region:             "us-east-1",
		Tables:             map[string][]string{},
		Mode:               DryRun,
		VaultPath:          "./s3refgc_vault",
		RetentionDays:      7,
		ExcludePrefixes:    nil,
		BackupBeforeDelete: true,
		CompressBackups:    true,
		VerifyBeforeDelete: true,
		MaxConcurrentOps:   10,
		S3ListBatchSize:    1000,
		CallTimeout:        30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	if c.Mode == Execute {
		fmt.Println("s3refgc: WARNING running in execute mode — orphaned objects will be permanently removed from object storage after backup")
	}

	return c, nil
}

func (c *Config) validate() error {
	var errs []error

	if err := validateBucketName(c.Bucket); err != nil {
		errs = append(errs, err)
	}

	switch c.Mode {
	case DryRun, AuditOnly, Execute:
	default:
		errs = append(errs, fmt.Errorf("mode must be one of dry_run, audit_only, execute, got %q", c.Mode))
	}

	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days must be >= 0, got %d", c.RetentionDays))
	}

	if c.MaxConcurrentOps < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_ops must be >= 1, got %d", c.MaxConcurrentOps))
	}

	if c.S3ListBatchSize < 1 || c.S3ListBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("s3_list_batch_size must be in [1,1000], got %d", c.S3ListBatchSize))
	}

	if c.VaultPath == "" {
		errs = append(errs, fmt.Errorf("vault_path must not be empty"))
	}

	if c.ScheduleCron != "" && !cronRe.MatchString(c.ScheduleCron) {
		errs = append(errs, fmt.Errorf("schedule_cron must be HH:MM 24-hour UTC, got %q", c.ScheduleCron))
	}

	if c.CDCBackend != CDCNone && c.CDCBackend != CDCFeed && c.CDCConnectionURL == "" {
		errs = append(errs, fmt.Errorf("cdc_connection_url is required when cdc_backend=%q", c.CDCBackend))
	}

	switch c.CDCBackend {
	case CDCNone, CDCOutbox, CDCLogical, CDCFeed:
	default:
		errs = append(errs, fmt.Errorf("unsupported cdc_backend %q", c.CDCBackend))
	}

	if c.ReplicationEnabled && c.ReplicationURL == "" {
		errs = append(errs, fmt.Errorf("replication_url is required when replication is enabled"))
	}

	for table, cols := range c.Tables {
		if table == "" {
			errs = append(errs, fmt.Errorf("tables contains an empty table name"))
		}

		if len(cols) == 0 {
			errs = append(errs, fmt.Errorf("table %q lists no columns", table))
		}
	}

	if len(errs) > 0 {
		details := map[string]any{"violations": len(errs)}

		joined := errs[0]
		for _, e := range errs[1:] {
			joined = fmt.Errorf("%w; %s", joined, e.Error())
		}

		return errtag.Configurationf("validate", joined, details)
	}

	return nil
}

func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("bucket name must be 3-63 characters, got %d", len(name))
	}

	if !bucketNameRe.MatchString(name) {
		return fmt.Errorf("bucket name %q must be lowercase alphanumeric, '.', or '-', starting/ending alphanumeric", name)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("bucket name %q must not contain '..'", name)
	}

	if net.ParseIP(name) != nil {
		return fmt.Errorf("bucket name %q must not be formatted as an IP address", name)
	}

	return nil
}

// ScheduleHourMinute parses a validated ScheduleCron into hour/minute.
func (c *Config) ScheduleHourMinute() (hour, minute int, ok bool) {
	m := cronRe.FindStringSubmatch(c.ScheduleCron)
	if m == nil {
		return 0, 0, false
	}

	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])

	return hour, minute, true
}
