package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ragvault/internal/config"
)

// S3Store implements BlobStore using AWS SDK Go v2, supporting S3 and S3-compatible
// services, following the teacher's objectstore.S3Store.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3Store from configuration.
func NewS3Store(ctx context.Context, cfg config.BlobStoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.TrimSuffix(cfg.Prefix, "/")}, nil
}

func (s *S3Store) fullKey(orgID, path string) string {
	k := orgID + "/" + path
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

// Fetch downloads an object's bytes. Every org's documents live under an org-id prefix, so
// a path cannot reach another tenant's objects even if the caller mis-scopes it.
func (s *S3Store) Fetch(ctx context.Context, orgID, path string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(orgID, path)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("blobstore: s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, fmt.Errorf("blobstore: read s3 body: %w", err)
	}
	return Object{Bytes: data, MIMEType: aws.ToString(out.ContentType)}, nil
}

func isNotFoundError(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &notFound) ||
		errors.As(err, &noSuchKey) ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "NoSuchKey")
}
