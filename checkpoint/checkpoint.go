// Package checkpoint persists catalog import progress so an interrupted
// import resumes where it stopped. Progress is a byte offset per source file.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/aws"
)

// Completed marks a source file that was imported to the end.
const Completed int64 = -1

// State maps each source URI to the byte offset just past the last line
// whose item was written.
type State struct {
	Table     string           `json:"table"`
	Files     map[string]int64 `json:"files"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Offset returns where to resume source, 0 when it was never started.
func (s State) Offset(source string) int64 {
	return s.Files[source]
}

// Done reports whether source was imported completely.
func (s State) Done(source string) bool {
	return s.Files[source] == Completed
}

// Clone returns a deep copy, safe to hand to a Store while the original
// keeps changing.
func (s State) Clone() State {
	files := make(map[string]int64, len(s.Files))
	for k, v := range s.Files {
		files[k] = v
	}
	s.Files = files
	return s
}

// Store loads and saves import progress.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// New picks a Store by URI scheme: s3://bucket/key, file:///abs/path, or
// memory:// for dry runs.
func New(uri string, client aws.S3Client) (Store, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		return NewS3Store(client, uri)
	case strings.HasPrefix(uri, "file://"):
		return NewFileStore(uri)
	case uri == "" || strings.HasPrefix(uri, "memory://"):
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint URI: %s", uri)
	}
}

func decodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if state.Files == nil {
		state.Files = map[string]int64{}
	}
	return state, nil
}

func emptyState() State {
	return State{Files: map[string]int64{}}
}

// S3Store keeps the checkpoint as one JSON object.
type S3Store struct {
	client aws.S3Client
	bucket string
	key    string
}

func NewS3Store(client aws.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("invalid S3 URI: %s", uri)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		key:    strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// Load returns an empty state when no checkpoint was written yet.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return emptyState(), nil
		}
		return State{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeState(buf.Bytes())
}

func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &s.key,
		Body:        bytes.NewReader(data),
		ContentType: &jsonContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

var jsonContentType = "application/json"

// FileStore keeps the checkpoint on the local filesystem. Saves go through
// a temporary file and a rename so a crash never leaves a torn checkpoint.
type FileStore struct {
	path string
}

// NewFileStore requires an absolute path and creates its directory.
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	// file://relative/path parses "relative" as the host.
	if u.Host != "" || u.Opaque != "" {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", uri)
	}
	path := filepath.Clean(u.Path)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return decodeState(data)
}

func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
