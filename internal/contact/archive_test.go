package contact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keystone-comms/keystone-web/internal/log"
)

type putCall struct {
	bucket, key, contentType string
	sse                      s3types.ServerSideEncryption
	body                     []byte
}

type fakeS3 struct {
	mu    sync.Mutex
	puts  []putCall
	err   error
	delay time.Duration
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		sse:         in.ServerSideEncryption,
		body:        b,
	})
	return &s3.PutObjectOutput{}, nil
}

type recordingMetrics struct {
	mu   sync.Mutex
	errs []error
}

func (m *recordingMetrics) ObserveArchive(_ float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func archivedSubmission() Submission {
	s := validSubmission()
	s.ID = "20260309T143000Z-a1b2c3d4e5f6"
	s.ReceivedAt = testNow
	s.ClientID = "203.0.113.1"
	s.Website = "should never be stored"
	return s
}

func TestNewS3Archiver_Required(t *testing.T) {
	if _, err := NewS3Archiver(S3ArchiverOptions{Bucket: "b"}); err == nil {
		t.Fatal("nil client should fail")
	}
	if _, err := NewS3Archiver(S3ArchiverOptions{Client: &fakeS3{}}); err == nil {
		t.Fatal("empty bucket should fail")
	}
}

func TestS3Archiver_Key(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "2026/03/09/20260309T143000Z-a1b2c3d4e5f6.json"},
		{"contact", "contact/2026/03/09/20260309T143000Z-a1b2c3d4e5f6.json"},
		{"site/contact/", "site/contact/2026/03/09/20260309T143000Z-a1b2c3d4e5f6.json"},
	}
	for _, tt := range tests {
		a, _ := NewS3Archiver(S3ArchiverOptions{Client: &fakeS3{}, Bucket: "b", Prefix: tt.prefix})
		if got := a.Key(archivedSubmission()); got != tt.want {
			t.Errorf("prefix %q: key = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestS3Archiver_Archive(t *testing.T) {
	fake := &fakeS3{}
	m := &recordingMetrics{}
	a, err := NewS3Archiver(S3ArchiverOptions{
		Logger:  log.Nop(),
		Client:  fake,
		Bucket:  "ksweb-contact",
		Prefix:  "submissions",
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("NewS3Archiver: %v", err)
	}

	if err := a.Archive(t.Context(), archivedSubmission()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(fake.puts))
	}
	put := fake.puts[0]
	if put.bucket != "ksweb-contact" || put.key != "submissions/2026/03/09/20260309T143000Z-a1b2c3d4e5f6.json" {
		t.Fatalf("wrote s3://%s/%s", put.bucket, put.key)
	}
	if put.contentType != "application/json" || put.sse != s3types.ServerSideEncryptionAes256 {
		t.Fatalf("content type %q sse %q", put.contentType, put.sse)
	}
	if strings.Contains(string(put.body), "should never be stored") {
		t.Fatal("honeypot value must not be archived")
	}

	var got Submission
	if err := json.Unmarshal(put.body, &got); err != nil {
		t.Fatalf("archived body is not JSON: %v", err)
	}
	if got.Email != "dana@example.com" || got.ClientID != "203.0.113.1" {
		t.Fatalf("archived %+v", got)
	}
	if len(m.errs) != 1 || m.errs[0] != nil {
		t.Fatalf("metrics = %v", m.errs)
	}
}

func TestS3Archiver_PutError(t *testing.T) {
	boom := errors.New("AccessDenied")
	m := &recordingMetrics{}
	a, _ := NewS3Archiver(S3ArchiverOptions{Client: &fakeS3{err: boom}, Bucket: "b", Metrics: m})

	err := a.Archive(t.Context(), archivedSubmission())
	if !errors.Is(err, ErrArchive) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrArchive wrapping %v", err, boom)
	}
	if len(m.errs) != 1 || m.errs[0] == nil {
		t.Fatalf("failure should be observed: %v", m.errs)
	}
}

func TestS3Archiver_ThrottleHonorsContext(t *testing.T) {
	fake := &fakeS3{}
	a, _ := NewS3Archiver(S3ArchiverOptions{Client: fake, Bucket: "b", RPS: 0.001, Burst: 1})

	if err := a.Archive(t.Context(), archivedSubmission()); err != nil {
		t.Fatalf("first archive should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := a.Archive(ctx, archivedSubmission())
	if !errors.Is(err, ErrArchive) {
		t.Fatalf("err = %v, want ErrArchive", err)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("throttled call must not reach S3, puts = %d", len(fake.puts))
	}
}

func TestNopArchiver(t *testing.T) {
	if err := (NopArchiver{Logger: log.Nop()}).Archive(t.Context(), archivedSubmission()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := (NopArchiver{}).Archive(t.Context(), archivedSubmission()); err != nil {
		t.Fatalf("nil logger: %v", err)
	}
}
