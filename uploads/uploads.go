// Package uploads issues pre-signed S3 PUT URLs for course content and
// attaches finished uploads to their course.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/validation"
)

const maxNameLength = 128

var (
	// ErrObjectNotFound is returned by Attach when nothing was uploaded
	// under the key.
	ErrObjectNotFound = errors.New("uploaded object not found")
	// ErrTooLarge is returned by Attach when the stored object exceeds the
	// configured size limit.
	ErrTooLarge = errors.New("uploaded object exceeds the size limit")
)

// Courses is the part of the catalog the broker needs.
type Courses interface {
	Get(ctx context.Context, id string) (catalog.Course, error)
	AddContent(ctx context.Context, id, objectKey string) (catalog.Course, error)
}

// PresignInput is the admin upload request body.
type PresignInput struct {
	CourseID    string `json:"courseId" validate:"required"`
	FileName    string `json:"fileName" validate:"required,max=512"`
	ContentType string `json:"contentType" validate:"max=255"`
}

// Presigned is a time-limited upload grant. The client must send the
// returned headers with its PUT.
type Presigned struct {
	URL       string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Broker hands out upload URLs for one bucket.
type Broker struct {
	presigner aws.S3Presigner
	s3        aws.S3Client
	courses   Courses
	bucket    string
	expiry    time.Duration
	maxBytes  int64
	now       func() time.Time
	newID     func() string
}

// NewBroker creates a Broker. URLs are valid for expiry; Attach refuses
// objects larger than maxBytes.
func NewBroker(presigner aws.S3Presigner, client aws.S3Client, courses Courses, bucket string, expiry time.Duration, maxBytes int64) *Broker {
	return &Broker{
		presigner: presigner,
		s3:        client,
		courses:   courses,
		bucket:    bucket,
		expiry:    expiry,
		maxBytes:  maxBytes,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SanitizeName reduces a client file name to a safe object key segment.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".-")
	if len(out) > maxNameLength {
		out = out[len(out)-maxNameLength:]
	}
	if out == "" {
		return "upload"
	}
	return out
}

func coursePrefix(courseID string) string {
	return "courses/" + courseID + "/"
}

// Presign returns a PUT URL for a new object under the course's prefix. The
// course must exist. The content itself is not inspected.
func (b *Broker) Presign(ctx context.Context, in PresignInput) (Presigned, error) {
	if err := validation.Struct(in); err != nil {
		return Presigned{}, err
	}
	if _, err := b.courses.Get(ctx, in.CourseID); err != nil {
		return Presigned{}, err
	}

	key := coursePrefix(in.CourseID) + b.newID() + "-" + SanitizeName(in.FileName)
	input := &s3.PutObjectInput{
		Bucket: awssdk.String(b.bucket),
		Key:    awssdk.String(key),
	}
	if in.ContentType != "" {
		input.ContentType = awssdk.String(in.ContentType)
	}

	issued := b.now()
	req, err := b.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return Presigned{}, fmt.Errorf("failed to presign upload for %s: %w", key, err)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for name := range req.SignedHeader {
		if strings.EqualFold(name, "Host") {
			continue
		}
		headers[name] = req.SignedHeader.Get(name)
	}
	return Presigned{
		URL:       req.URL,
		Method:    req.Method,
		Key:       key,
		Headers:   headers,
		ExpiresAt: issued.Add(b.expiry).UTC(),
	}, nil
}

// Attach verifies that key was uploaded under the course's prefix within the
// size limit and appends it to the course contents.
func (b *Broker) Attach(ctx context.Context, courseID, key string) (catalog.Course, error) {
	if courseID == "" || !strings.HasPrefix(key, coursePrefix(courseID)) || strings.Contains(key, "..") {
		return catalog.Course{}, fmt.Errorf("%w: key must be under %s", validation.ErrInvalid, coursePrefix(courseID))
	}

	head, err := b.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awssdk.String(b.bucket),
		Key:    awssdk.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return catalog.Course{}, ErrObjectNotFound
		}
		return catalog.Course{}, fmt.Errorf("failed to head %s: %w", key, err)
	}
	if size := awssdk.ToInt64(head.ContentLength); b.maxBytes > 0 && size > b.maxBytes {
		return catalog.Course{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, b.maxBytes)
	}

	return b.courses.AddContent(ctx, courseID, key)
}
