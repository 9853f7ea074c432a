package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ImportConfig holds the catalog importer configuration parsed from flags.
type ImportConfig struct {
	TableName       string        // Target courses table
	Sources         []string      // S3 URIs of JSON-lines course files
	Region          string        // AWS region for the operation
	ResumeKey       string        // s3:// or file:// URI for the checkpoint
	MaxWorkers      int           // Maximum number of concurrent workers
	BatchSize       int           // Batch size for DynamoDB writes (≤25)
	ReportS3URI     string        // S3 URI for the final report
	PrincipalARN    string        // When set, IAM permissions are simulated first
	DryRun          bool          // If true, validate lines without writing
	ShutdownTimeout time.Duration // Graceful shutdown timeout
}

// SplitSources parses a comma separated list of source URIs, dropping blanks.
func SplitSources(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate ensures all required fields are present and have valid values.
func (c *ImportConfig) Validate() error {
	if c.TableName == "" {
		return fmt.Errorf("table name is required")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source S3 URI is required")
	}
	for _, src := range c.Sources {
		if _, _, err := ParseS3URI(src); err != nil {
			return fmt.Errorf("invalid source %q: %w", src, err)
		}
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}

	if c.BatchSize < 1 || c.BatchSize > 25 {
		return fmt.Errorf("batch size must be between 1 and 25")
	}

	if c.ResumeKey != "" && !strings.HasPrefix(c.ResumeKey, "s3://") && !strings.HasPrefix(c.ResumeKey, "file://") {
		return fmt.Errorf("resume key must start with s3:// or file://")
	}

	if c.ReportS3URI != "" && !strings.HasPrefix(c.ReportS3URI, "s3://") {
		return fmt.Errorf("report S3 URI must start with s3://")
	}

	if c.PrincipalARN != "" && !strings.HasPrefix(c.PrincipalARN, "arn:") {
		return fmt.Errorf("principal must be an ARN")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}

// ParseS3URI splits s3://bucket/key into its bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("URI must use s3 scheme")
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("URI has no bucket")
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("URI has no key")
	}
	return u.Host, key, nil
}
