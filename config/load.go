package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/s3refgc/s3refgc/errtag"
)

// fileConfig mirrors the on-disk YAML shape; it is intentionally a plain,
// mutable struct distinct from Config, which stays immutable once built.
type fileConfig struct {
	Bucket             string              `yaml:"bucket"`
	Region             string              `yaml:"region"`
	Tables             map[string][]string `yaml:"tables"`
	Mode               string              `yaml:"mode"`
	VaultPath          string              `yaml:"vault_path"`
	RetentionDays      *int                `yaml:"retention_days"`
	ExcludePrefixes    []string            `yaml:"exclude_prefixes"`
	BackupBeforeDelete *bool               `yaml:"backup_before_delete"`
	CompressBackups    *bool               `yaml:"compress_backups"`
	VerifyBeforeDelete *bool               `yaml:"verify_before_delete"`
	CDCBackend         string              `yaml:"cdc_backend"`
	CDCConnectionURL   string              `yaml:"cdc_connection_url"`
	ScheduleCron       string              `yaml:"schedule_cron"`
	MaxConcurrentOps   int                 `yaml:"max_concurrent_ops"`
	S3ListBatchSize    int                 `yaml:"s3_list_batch_size"`
	ReplicationEnabled bool                `yaml:"replication_enabled"`
	ReplicationURL     string              `yaml:"replication_url"`
	BackupRemoteBucket string              `yaml:"backup_remote_bucket"`
	CallTimeoutSeconds int                 `yaml:"call_timeout_seconds"`
}

// Load reads a YAML configuration file from path and builds a validated
// Config. Fields absent from the file fall back to New's defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Configurationf("load", err, map[string]any{"path": path})
	}

	var fc fileConfig

	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, errtag.Configurationf("parse_yaml", err, map[string]any{"path": path})
	}

	opts := []Option{}

	if fc.Region != "" {
		opts = append(opts, WithRegion(fc.Region))
	}

	if fc.Tables != nil {
		opts = append(opts, WithTables(fc.Tables))
	}

	if fc.Mode != "" {
		opts = append(opts, WithMode(Mode(fc.Mode)))
	}

	if fc.VaultPath != "" {
		opts = append(opts, WithVaultPath(fc.VaultPath))
	}

	if fc.RetentionDays != nil {
		opts = append(opts, WithRetentionDays(*fc.RetentionDays))
	}

	if fc.ExcludePrefixes != nil {
		opts = append(opts, WithExcludePrefixes(fc.ExcludePrefixes))
	}

	if fc.BackupBeforeDelete != nil {
		opts = append(opts, WithBackupBeforeDelete(*fc.BackupBeforeDelete))
	}

	if fc.CompressBackups != nil {
		opts = append(opts, WithCompressBackups(*fc.CompressBackups))
	}

	if fc.VerifyBeforeDelete != nil {
		opts = append(opts, WithVerifyBeforeDelete(*fc.VerifyBeforeDelete))
	}

	if fc.CDCBackend != "" {
		opts = append(opts, WithCDC(CDCBackend(fc.CDCBackend), fc.CDCConnectionURL))
	}

	if fc.ScheduleCron != "" {
		opts = append(opts, WithScheduleCron(fc.ScheduleCron))
	}

	if fc.MaxConcurrentOps != 0 {
		opts = append(opts, WithMaxConcurrentOps(fc.MaxConcurrentOps))
	}

	if fc.S3ListBatchSize != 0 {
		opts = append(opts, WithS3ListBatchSize(fc.S3ListBatchSize))
	}

	if fc.ReplicationEnabled {
		opts = append(opts, WithReplication(true, fc.ReplicationURL, fc.BackupRemoteBucket))
	}

	if fc.CallTimeoutSeconds != 0 {
		opts = append(opts, WithCallTimeout(time.Duration(fc.CallTimeoutSeconds)*time.Second))
	}

	return New(fc.Bucket, opts...)
}
