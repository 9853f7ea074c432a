// Package catalogimport bulk loads courses from JSON-lines files in S3 into
// the courses table. A pool of workers streams the files, validates every
// line as a course, writes in batches and checkpoints a byte offset per file
// so an interrupted import resumes where it stopped.
package catalogimport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/checkpoint"
	"github.com/gurre/courseshop/config"
	"github.com/gurre/courseshop/metrics"
	"github.com/gurre/courseshop/writer"
	"github.com/gurre/s3streamer"
)

// ErrPermissionDenied is returned by Preflight when the principal lacks an
// action the import needs.
var ErrPermissionDenied = errors.New("permission denied")

// checkpointInterval controls how often progress is saved (every N batches).
const checkpointInterval = 10

// maxStreamAttempts bounds how often a file is re-streamed after a failure.
const maxStreamAttempts = 3

const maxIDLength = 128

// lineNamespace derives stable ids for lines that carry none, so a resumed
// import overwrites instead of duplicating.
var lineNamespace = uuid.MustParse("5b0c7a52-8a4e-4d0e-9d6f-1f3c2b7e9a41")

// record is one line of an import file.
type record struct {
	ID string `json:"id"`
	catalog.Input
}

// Importer runs one catalog import.
type Importer struct {
	cfg      *config.ImportConfig
	streamer s3streamer.Streamer
	writer   writer.Writer
	store    checkpoint.Store
	iam      aws.IAMClient
	reports  aws.S3Client
	metrics  *metrics.Metrics
	out      io.Writer
	now      func() time.Time
	wait     func(ctx context.Context, attempt int) bool

	mu      sync.Mutex
	state   checkpoint.State
	batches map[string]int
}

// Option configures optional collaborators.
type Option func(*Importer)

// WithIAM enables the permission preflight for cfg.PrincipalARN.
func WithIAM(client aws.IAMClient) Option {
	return func(im *Importer) { im.iam = client }
}

// WithReportClient sets the client used to upload the report to
// cfg.ReportS3URI.
func WithReportClient(client aws.S3Client) Option {
	return func(im *Importer) { im.reports = client }
}

// WithOutput redirects progress and the report, stdout by default.
func WithOutput(w io.Writer) Option {
	return func(im *Importer) { im.out = w }
}

// NewImporter creates an Importer writing through w and saving progress to
// store.
func NewImporter(cfg *config.ImportConfig, streamer s3streamer.Streamer, w writer.Writer, store checkpoint.Store, opts ...Option) *Importer {
	im := &Importer{
		cfg:      cfg,
		streamer: streamer,
		writer:   w,
		store:    store,
		metrics:  metrics.NewMetrics(),
		out:      os.Stdout,
		now:      time.Now,
		wait:     sleepBackoff,
		batches:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		return true
	case <-ctx.Done():
		return false
	}
}

// requiredActions lists the IAM actions the configured import performs.
func (im *Importer) requiredActions() []string {
	actions := []string{"s3:GetObject"}
	if !im.cfg.DryRun {
		actions = append(actions, "dynamodb:BatchWriteItem")
	}
	if strings.HasPrefix(im.cfg.ResumeKey, "s3://") || im.cfg.ReportS3URI != "" {
		actions = append(actions, "s3:PutObject")
	}
	return actions
}

// Preflight simulates the principal's policies for every action the import
// needs and fails with ErrPermissionDenied naming the denied ones.
func (im *Importer) Preflight(ctx context.Context) error {
	if im.iam == nil || im.cfg.PrincipalARN == "" {
		return nil
	}
	out, err := im.iam.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &im.cfg.PrincipalARN,
		ActionNames:     im.requiredActions(),
	})
	if err != nil {
		return fmt.Errorf("failed to simulate principal policy: %w", err)
	}

	var denied []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
			name := ""
			if result.EvalActionName != nil {
				name = *result.EvalActionName
			}
			denied = append(denied, fmt.Sprintf("%s (%s)", name, result.EvalDecision))
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("%w for %s: %s", ErrPermissionDenied, im.cfg.PrincipalARN, strings.Join(denied, ", "))
	}
	return nil
}

// Run imports every source not already marked done in the checkpoint and
// returns the final report. Cancelling ctx stops the workers after their
// current line; progress saved so far is kept.
func (im *Importer) Run(ctx context.Context) (metrics.Report, error) {
	if err := im.Preflight(ctx); err != nil {
		return metrics.Report{}, err
	}

	state, err := im.store.Load(ctx)
	if err != nil {
		return metrics.Report{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state.Table != "" && state.Table != im.cfg.TableName {
		return metrics.Report{}, fmt.Errorf("checkpoint belongs to table %s, not %s", state.Table, im.cfg.TableName)
	}
	state.Table = im.cfg.TableName
	if state.Files == nil {
		state.Files = map[string]int64{}
	}
	im.state = state

	tasks := make(chan string)
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for i := 0; i < im.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for source := range tasks {
				if err := im.importFile(ctx, source); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("worker %d: %w", workerID, err))
					errMu.Unlock()
				}
			}
		}(i)
	}

dispatch:
	for _, source := range im.cfg.Sources {
		if state.Done(source) {
			im.metrics.RecordFileSkipped()
			fmt.Fprintf(im.out, "Skipping %s (already imported)\n", source)
			continue
		}
		select {
		case tasks <- source:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return im.metrics.GenerateReport(im.cfg.TableName, im.cfg.DryRun), fmt.Errorf("import failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return im.metrics.GenerateReport(im.cfg.TableName, im.cfg.DryRun), err
	}
	report := im.metrics.GenerateReport(im.cfg.TableName, im.cfg.DryRun)
	fmt.Fprintln(im.out, report)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Fprintln(im.out, string(data))

	if im.cfg.ReportS3URI != "" && im.reports != nil {
		if err := metrics.Upload(ctx, im.reports, im.cfg.ReportS3URI, report); err != nil {
			return report, err
		}
		fmt.Fprintf(im.out, "Report uploaded to %s\n", im.cfg.ReportS3URI)
	}
	return report, nil
}

// importFile streams one source from its checkpointed offset, retrying the
// stream from the last written offset on failure.
func (im *Importer) importFile(ctx context.Context, source string) error {
	bucket, key, err := config.ParseS3URI(source)
	if err != nil {
		return err
	}

	im.mu.Lock()
	offset := im.state.Offset(source)
	im.mu.Unlock()
	if offset > 0 {
		fmt.Fprintf(im.out, "Resuming %s at byte %d\n", source, offset)
	}

	var streamErr error
	for attempt := 0; attempt < maxStreamAttempts; attempt++ {
		if attempt > 0 && !im.wait(ctx, attempt) {
			return ctx.Err()
		}
		streamErr = im.stream(ctx, source, bucket, key, &offset)
		if streamErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Keep what was written before the interrupt.
			if offset > 0 {
				_ = im.checkpoint(ctx, source, offset)
			}
			return ctx.Err()
		}
		im.metrics.RecordError()
	}
	if streamErr != nil {
		return fmt.Errorf("failed to import %s after %d attempts: %w", source, maxStreamAttempts, streamErr)
	}

	if err := im.checkpoint(ctx, source, checkpoint.Completed); err != nil {
		return err
	}
	im.metrics.RecordFileCompleted()
	fmt.Fprintf(im.out, "Completed %s\n", source)
	return nil
}

// stream reads source from *offset. *offset advances past every line whose
// course has been written.
func (im *Importer) stream(ctx context.Context, source, bucket, key string, offset *int64) error {
	b := newBatch(im.cfg.BatchSize)
	lineStart := *offset

	err := im.streamer.Stream(ctx, bucket, key, *offset, func(line []byte, end int64) error {
		begin := lineStart
		lineStart = end

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil
		}
		id, item, err := im.decode(line, source, begin)
		if err != nil {
			im.metrics.RecordRejected()
			fmt.Fprintf(im.out, "Rejected %s at byte %d: %v\n", source, begin, err)
			return nil
		}
		b.add(id, item)

		if b.full() {
			if err := im.flush(ctx, source, b.take(), end); err != nil {
				return err
			}
			*offset = end
		}
		return nil
	})
	if err != nil {
		return err
	}

	if items := b.take(); len(items) > 0 {
		if err := im.flush(ctx, source, items, lineStart); err != nil {
			return err
		}
	}
	*offset = lineStart
	return nil
}

// decode turns one line into a course item. Lines without an id get one
// derived from the source and the line's byte position.
func (im *Importer) decode(line []byte, source string, begin int64) (string, writer.Item, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := catalog.Validate(rec.Input); err != nil {
		return "", nil, err
	}

	id := strings.TrimSpace(rec.ID)
	if len(id) > maxIDLength {
		return "", nil, fmt.Errorf("id longer than %d characters", maxIDLength)
	}
	if id == "" {
		id = uuid.NewSHA1(lineNamespace, []byte(fmt.Sprintf("%s#%d", source, begin))).String()
	}

	item, err := attributevalue.MarshalMap(catalog.Build(id, rec.Input, im.now()))
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode course: %w", err)
	}
	return id, item, nil
}

// flush writes items, unless this is a dry run, and checkpoints offset every
// checkpointInterval batches.
func (im *Importer) flush(ctx context.Context, source string, items []writer.Item, offset int64) error {
	if !im.cfg.DryRun {
		if err := im.writer.WriteBatch(ctx, items); err != nil {
			im.metrics.RecordError()
			return fmt.Errorf("failed to write batch: %w", err)
		}
	}
	im.metrics.RecordImported(len(items))
	im.metrics.RecordBatchWritten()

	im.mu.Lock()
	im.batches[source]++
	due := im.batches[source]%checkpointInterval == 0
	im.mu.Unlock()
	if due {
		return im.checkpoint(ctx, source, offset)
	}
	return nil
}

// checkpoint records offset for source and saves a snapshot of the state.
// The save outlives cancellation of ctx by up to cfg.ShutdownTimeout so an
// interrupted import keeps its progress. Dry runs never save.
func (im *Importer) checkpoint(ctx context.Context, source string, offset int64) error {
	im.mu.Lock()
	im.state.Files[source] = offset
	im.state.UpdatedAt = im.now().UTC()
	snapshot := im.state.Clone()
	im.mu.Unlock()

	if im.cfg.DryRun {
		return nil
	}
	saveCtx := context.WithoutCancel(ctx)
	if im.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(saveCtx, im.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := im.store.Save(saveCtx, snapshot); err != nil {
		im.metrics.RecordError()
		return fmt.Errorf("failed to save checkpoint for %s: %w", source, err)
	}
	return nil
}

// batch collects items for one BatchWriteItem call. A request may not hold
// two puts for the same key, so a repeated id replaces the earlier item.
type batch struct {
	size  int
	items []writer.Item
	index map[string]int
}

func newBatch(size int) *batch {
	return &batch{size: size, index: make(map[string]int, size)}
}

func (b *batch) add(id string, item writer.Item) {
	if i, ok := b.index[id]; ok {
		b.items[i] = item
		return
	}
	b.index[id] = len(b.items)
	b.items = append(b.items, item)
}

func (b *batch) full() bool {
	return len(b.items) >= b.size
}

func (b *batch) take() []writer.Item {
	items := b.items
	b.items = nil
	clear(b.index)
	return items
}
