package uploads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/integration/mock"
	"github.com/gurre/courseshop/validation"
)

type fakeCourses struct {
	courses  map[string]catalog.Course
	appended []string
}

func (f *fakeCourses) Get(ctx context.Context, id string) (catalog.Course, error) {
	c, ok := f.courses[id]
	if !ok {
		return catalog.Course{}, catalog.ErrNotFound
	}
	return c, nil
}

func (f *fakeCourses) AddContent(ctx context.Context, id, objectKey string) (catalog.Course, error) {
	c, ok := f.courses[id]
	if !ok {
		return catalog.Course{}, catalog.ErrNotFound
	}
	c.Contents = append(c.Contents, objectKey)
	f.courses[id] = c
	f.appended = append(f.appended, objectKey)
	return c, nil
}

func newTestBroker(expiry time.Duration, maxBytes int64) (*Broker, *mock.S3Client, *fakeCourses) {
	s3c := mock.NewS3Client()
	courses := &fakeCourses{courses: map[string]catalog.Course{"c1": {ID: "c1", Title: "Go"}}}
	b := NewBroker(s3c, s3c, courses, "content-bucket", expiry, maxBytes)
	b.newID = func() string { return "0000" }
	b.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return b, s3c, courses
}

func TestPresignUsesConfiguredExpiry(t *testing.T) {
	b, s3c, _ := newTestBroker(10*time.Minute, 0)

	got, err := b.Presign(context.Background(), PresignInput{CourseID: "c1", FileName: "intro.mp4", ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("Presign failed: %v", err)
	}
	if got.Key != "courses/c1/0000-intro.mp4" {
		t.Errorf("unexpected key %s", got.Key)
	}
	if len(s3c.Presigned) != 1 {
		t.Fatalf("expected one presign call, got %d", len(s3c.Presigned))
	}
	call := s3c.Presigned[0]
	if call.Expires != 10*time.Minute {
		t.Errorf("expected 10m expiry, got %v", call.Expires)
	}
	if call.Bucket != "content-bucket" || call.ContentType != "video/mp4" {
		t.Errorf("unexpected presign call %+v", call)
	}
	if !strings.Contains(got.URL, "X-Amz-Expires=600") {
		t.Errorf("URL does not carry the expiry: %s", got.URL)
	}
	if want := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC); !got.ExpiresAt.Equal(want) {
		t.Errorf("expected expiresAt %v, got %v", want, got.ExpiresAt)
	}
	if got.Headers["Content-Type"] != "video/mp4" {
		t.Errorf("expected signed content type header, got %v", got.Headers)
	}
}

func TestPresignErrors(t *testing.T) {
	b, s3c, _ := newTestBroker(time.Minute, 0)
	ctx := context.Background()

	if _, err := b.Presign(ctx, PresignInput{CourseID: "missing", FileName: "a.pdf"}); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown course, got %v", err)
	}
	if _, err := b.Presign(ctx, PresignInput{CourseID: "c1"}); !errors.Is(err, validation.ErrInvalid) {
		t.Errorf("expected validation error for missing file name, got %v", err)
	}
	if len(s3c.Presigned) != 0 {
		t.Errorf("no URL should be issued on error, got %d", len(s3c.Presigned))
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"intro.mp4", "intro.mp4"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\ada\My Slides.pdf`, "My-Slides.pdf"},
		{"ünïcode name.txt", "n-code-name.txt"},
		{"...", "upload"},
		{"", "upload"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SanitizeName(strings.Repeat("a", 300) + ".pdf"); len(got) != maxNameLength || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("long names must be truncated keeping the extension, got %d chars", len(got))
	}
}

func TestAttach(t *testing.T) {
	b, s3c, courses := newTestBroker(time.Minute, 10)
	ctx := context.Background()

	s3c.AddFile("content-bucket", "courses/c1/0000-intro.mp4", []byte("0123456789"))
	s3c.AddFile("content-bucket", "courses/c1/0001-big.mp4", []byte("0123456789X"))

	c, err := b.Attach(ctx, "c1", "courses/c1/0000-intro.mp4")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(c.Contents) != 1 || c.Contents[0] != "courses/c1/0000-intro.mp4" {
		t.Errorf("unexpected contents %v", c.Contents)
	}

	tests := []struct {
		name     string
		courseID string
		key      string
		want     error
	}{
		{"too large", "c1", "courses/c1/0001-big.mp4", ErrTooLarge},
		{"not uploaded", "c1", "courses/c1/never.mp4", ErrObjectNotFound},
		{"foreign prefix", "c1", "courses/c2/0000-intro.mp4", validation.ErrInvalid},
		{"traversal", "c1", "courses/c1/../c2/x", validation.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Attach(ctx, tt.courseID, tt.key); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(courses.appended) != 1 {
		t.Errorf("only the valid upload should be attached, got %v", courses.appended)
	}
}
