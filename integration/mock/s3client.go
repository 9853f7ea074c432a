// Package mock provides in-memory stand-ins for the AWS services the module
// talks to, for use in package and integration tests.
package mock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is an in-memory implementation of aws.S3Client, aws.S3Presigner
// and the s3streamer line streaming contract.
type S3Client struct {
	mu       sync.Mutex
	files    map[string][]byte
	metadata map[string]map[string]string

	// Presigned records every PresignPutObject call with its resolved expiry.
	Presigned []PresignCall
}

// PresignCall captures one pre-signing request.
type PresignCall struct {
	Bucket      string
	Key         string
	ContentType string
	Expires     time.Duration
}

// NewS3Client creates a new mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{
		files:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func bucketKey(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}

// AddFile stores an object directly.
func (m *S3Client) AddFile(bucket, key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[bucketKey(bucket, key)] = content
	m.metadata[bucketKey(bucket, key)] = map[string]string{}
}

// File returns a stored object and whether it exists.
func (m *S3Client) File(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[bucketKey(bucket, key)]
	return b, ok
}

func noSuchKey(key string) error {
	return &types.NoSuchKey{Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", key))}
}

// GetObject implements the S3Client interface for reading objects
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.files[bk]
	if !ok {
		return nil, noSuchKey(aws.ToString(params.Key))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		Metadata:      m.metadata[bk],
		ETag:          aws.String(fmt.Sprintf("\"%x\"", len(content))),
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	m.files[bk] = data
	m.metadata[bk] = params.Metadata

	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("\"%x\"", len(data)))}, nil
}

// HeadObject implements the S3Client interface for retrieving object metadata.
// Missing objects return types.NotFound, as the real service does for HEAD.
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.files[bk]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(content))),
		Metadata:      m.metadata[bk],
		ETag:          aws.String(fmt.Sprintf("\"%x\"", len(content))),
	}, nil
}

// PresignPutObject implements aws.S3Presigner. The returned URL embeds the
// expiry in seconds the way SigV4 query signing does.
func (m *S3Client) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	call := PresignCall{
		Bucket:      aws.ToString(params.Bucket),
		Key:         aws.ToString(params.Key),
		ContentType: aws.ToString(params.ContentType),
		Expires:     opts.Expires,
	}
	m.Presigned = append(m.Presigned, call)

	header := http.Header{}
	if call.ContentType != "" {
		header.Set("Content-Type", call.ContentType)
	}
	return &v4.PresignedHTTPRequest{
		URL: fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Expires=%d&X-Amz-Signature=mock",
			call.Bucket, call.Key, int(call.Expires.Seconds())),
		Method:       http.MethodPut,
		SignedHeader: header,
	}, nil
}

// Stream delivers an object line by line starting at byte offset. The
// offset passed to fn is the position just past the delivered line, so it
// can be used directly to resume.
func (m *S3Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	content, ok := m.File(bucket, key)
	if !ok {
		return noSuchKey(key)
	}
	if offset > int64(len(content)) {
		return fmt.Errorf("mock S3: offset %d beyond object size %d", offset, len(content))
	}

	reader := bufio.NewReader(bytes.NewReader(content[offset:]))
	pos := offset
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			if cbErr := fn(bytes.TrimRight(line, "\r\n"), pos); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error scanning lines: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
