// Package metrics counts catalog import progress and renders the final
// report for stdout and S3.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/config"
)

// Metrics is safe for concurrent use by import workers.
type Metrics struct {
	imported       atomic.Int64
	rejected       atomic.Int64
	batches        atomic.Int64
	errors         atomic.Int64
	filesCompleted atomic.Int64
	filesSkipped   atomic.Int64

	start time.Time
	now   func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{start: time.Now(), now: time.Now}
}

// RecordImported counts n courses written to the table.
func (m *Metrics) RecordImported(n int) {
	m.imported.Add(int64(n))
}

// RecordRejected counts a line that failed to decode or validate.
func (m *Metrics) RecordRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) RecordBatchWritten() {
	m.batches.Add(1)
}

func (m *Metrics) RecordError() {
	m.errors.Add(1)
}

// RecordFileCompleted counts a source read to the end.
func (m *Metrics) RecordFileCompleted() {
	m.filesCompleted.Add(1)
}

// RecordFileSkipped counts a source the checkpoint marked as done.
func (m *Metrics) RecordFileSkipped() {
	m.filesSkipped.Add(1)
}

// Report is the summary printed and uploaded after an import.
type Report struct {
	Table          string        `json:"table"`
	DryRun         bool          `json:"dryRun"`
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	Imported       int64         `json:"imported"`
	Rejected       int64         `json:"rejected"`
	Batches        int64         `json:"batches"`
	Errors         int64         `json:"errors"`
	FilesCompleted int64         `json:"filesCompleted"`
	FilesSkipped   int64         `json:"filesSkipped"`
	Duration       time.Duration `json:"duration"`
	Throughput     float64       `json:"throughput"`
}

// GenerateReport snapshots the counters.
func (m *Metrics) GenerateReport(table string, dryRun bool) Report {
	end := m.now()
	duration := end.Sub(m.start)
	imported := m.imported.Load()

	var throughput float64
	if duration > 0 {
		throughput = float64(imported) / duration.Seconds()
	}
	return Report{
		Table:          table,
		DryRun:         dryRun,
		StartTime:      m.start,
		EndTime:        end,
		Imported:       imported,
		Rejected:       m.rejected.Load(),
		Batches:        m.batches.Load(),
		Errors:         m.errors.Load(),
		FilesCompleted: m.filesCompleted.Load(),
		FilesSkipped:   m.filesSkipped.Load(),
		Duration:       duration,
		Throughput:     throughput,
	}
}

// MarshalJSON renders Duration as a Go duration string.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(&struct {
		alias
		Duration string `json:"duration"`
	}{
		alias:    alias(r),
		Duration: r.Duration.String(),
	})
}

func (r Report) String() string {
	mode := "Import"
	if r.DryRun {
		mode = "Dry run"
	}
	return fmt.Sprintf(
		"%s into %s completed in %s\n"+
			"Courses imported: %d (rejected %d)\n"+
			"Files: %d completed, %d skipped\n"+
			"Throughput: %.2f courses/sec",
		mode, r.Table, r.Duration,
		r.Imported, r.Rejected,
		r.FilesCompleted, r.FilesSkipped,
		r.Throughput,
	)
}

// Upload writes the report as JSON to an s3:// URI.
func Upload(ctx context.Context, client aws.S3Client, uri string, r Report) error {
	bucket, key, err := config.ParseS3URI(uri)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	contentType := "application/json"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload report to %s: %w", uri, err)
	}
	return nil
}
