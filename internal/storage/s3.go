package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/poem-engine/internal/config"
)

// staleLockAge is how old an update lock must be before another writer may
// break it. Metadata updates take milliseconds; anything older is a crashed
// writer.
const staleLockAge = 2 * time.Minute

// S3Store keeps objects in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Store creates an S3 object store for bucket.
func NewS3Store(cfg config.S3Config, bucket string, log zerolog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log.With().Str("component", "s3-store").Str("bucket", bucket).Logger(),
	}, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *S3Store) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.bucket,
	})
	return err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	objPrefix := s.objectKey(prefix)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &objPrefix,
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := s.stripPrefix(aws.ToString(obj.Key))
			if strings.HasSuffix(key, lockSuffix) || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}

	// ListObjectsV2 does not return user metadata.
	out := make([]Object, 0, len(keys))
	for _, key := range keys {
		obj, err := s.Head(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Object, error) {
	objKey := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("head %s: %w", key, err)
	}
	return Object{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    cloneMeta(out.Metadata),
	}, nil
}

func (s *S3Store) Read(ctx context.Context, key string) ([]byte, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// UpdateMetadata holds <key>.lock, created with If-None-Match: *, for the
// duration of the read-modify-write. S3 metadata can only be replaced by
// copying the object onto itself, and a metadata-only copy keeps the ETag, so
// ETag preconditions alone cannot detect a concurrent flag flip.
func (s *S3Store) UpdateMetadata(ctx context.Context, key string, fn UpdateFunc) error {
	release, err := s.acquireLock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	obj, err := s.Head(ctx, key)
	if err != nil {
		return err
	}
	meta := cloneMeta(obj.Metadata)
	if err := fn(meta); err != nil {
		return err
	}

	objKey := s.objectKey(key)
	source := copySource(s.bucket, objKey)
	input := &s3.CopyObjectInput{
		Bucket:            &s.bucket,
		Key:               &objKey,
		CopySource:        &source,
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          meta,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.client.CopyObject(ctx, input); err != nil {
		return fmt.Errorf("replace metadata %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, key, localPath, contentType string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	objKey := s.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket:   &s.bucket,
		Key:      &objKey,
		Body:     f,
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Type() string { return "s3" }

func (s *S3Store) acquireLock(ctx context.Context, key string) (func(), error) {
	lockKey := s.objectKey(key + lockSuffix)
	owner := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &lockKey,
			Body:        strings.NewReader(owner),
			IfNoneMatch: aws.String("*"),
		})
		if err == nil {
			return func() {
				// Use a fresh context so a cancelled job still drops its lock.
				dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if _, err := s.client.DeleteObject(dctx, &s3.DeleteObjectInput{
					Bucket: &s.bucket,
					Key:    &lockKey,
				}); err != nil {
					s.log.Warn().Err(err).Str("key", key).Msg("failed to release metadata lock")
				}
			}, nil
		}
		if !isPreconditionFailed(err) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if attempt == 0 && s.breakStaleLock(ctx, lockKey) {
			continue
		}
		break
	}
	return nil, fmt.Errorf("%s: %w", key, ErrConflict)
}

func (s *S3Store) breakStaleLock(ctx context.Context, lockKey string) bool {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &lockKey,
	})
	if err != nil || out.LastModified == nil || time.Since(*out.LastModified) < staleLockAge {
		return false
	}
	s.log.Warn().Str("lock", lockKey).Time("since", *out.LastModified).Msg("breaking stale metadata lock")
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &lockKey,
	})
	return err == nil
}

func (s *S3Store) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

func (s *S3Store) stripPrefix(objKey string) string {
	if s.prefix != "" {
		return strings.TrimPrefix(objKey, s.prefix+"/")
	}
	return objKey
}

// copySource URL-encodes bucket/key for CopyObject, keeping the separators.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
