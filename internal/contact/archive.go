package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/otelx"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// ErrArchive marks a submission that could not be stored.
var ErrArchive = errors.New("contact: archive failed")

const (
	DefaultArchiveRPS   = 5
	DefaultArchiveBurst = 10
)

// Archiver persists accepted submissions.
type Archiver interface {
	Archive(ctx context.Context, s Submission) error
}

// ArchiveMetrics observes archive writes.
type ArchiveMetrics interface {
	ObserveArchive(seconds float64, err error)
}

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3ArchiverOptions struct {
	Logger log.Logger
	Client PutObjectAPI

	// Objects land at s3://{Bucket}/{Prefix}/YYYY/MM/DD/{id}.json
	Bucket string
	Prefix string

	// RPS and Burst throttle outbound PutObject calls. Zero uses the defaults.
	RPS   float64
	Burst int

	Metrics ArchiveMetrics
}

// S3Archiver writes one JSON object per submission.
type S3Archiver struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	limiter *rate.Limiter
	logger  log.Logger
	metrics ArchiveMetrics
}

func NewS3Archiver(opts S3ArchiverOptions) (*S3Archiver, error) {
	if opts.Client == nil {
		return nil, xerrors.New("S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.RPS <= 0 {
		opts.RPS = DefaultArchiveRPS
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultArchiveBurst
	}
	return &S3Archiver{
		client:  opts.Client,
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Key returns the object key for s.
func (a *S3Archiver) Key(s Submission) string {
	return path.Join(a.prefix, s.ReceivedAt.UTC().Format("2006/01/02"), s.ID+".json")
}

// Archive waits for an outbound slot, then writes s. Errors wrap ErrArchive.
func (a *S3Archiver) Archive(ctx context.Context, s Submission) (err error) {
	ctx, span := otelx.Start(ctx, "contact.archive",
		attribute.String("contact.submission_id", s.ID),
		attribute.String("s3.bucket", a.bucket),
	)
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ObserveArchive(time.Since(start).Seconds(), err)
		}
		otelx.End(span, err)
	}()

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: throttled: %w", ErrArchive, err)
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrArchive, err)
	}

	key := a.Key(s)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(body))),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, xerrors.Wrapf(err, "put s3://%s/%s", a.bucket, key))
	}

	a.logger.Info(ctx, "contact submission archived",
		"submission_id", s.ID,
		"bucket", a.bucket,
		"key", key,
	)
	return nil
}

// NopArchiver only logs. Used when no archive bucket is configured.
type NopArchiver struct {
	Logger log.Logger
}

func (n NopArchiver) Archive(ctx context.Context, s Submission) error {
	if n.Logger != nil {
		n.Logger.Warn(ctx, "contact submission not archived, no bucket configured",
			"submission_id", s.ID,
			"service", s.Service,
		)
	}
	return nil
}
