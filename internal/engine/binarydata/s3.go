package binarydata

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/logger"
)

// S3Store keeps payloads in an S3 bucket. Works against MinIO and other
// S3-compatible services through the endpoint override.
type S3Store struct {
	client *s3.S3
	bucket string
	prefix string
	logger logger.Logger
}

func NewS3Store(cfg config.StorageConfig, log logger.Logger) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.S3Region)}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	return &S3Store{
		client: s3.New(sess),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		logger: log,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, data []byte, meta Meta) (*workflow.BinaryRef, error) {
	key := digestKey(data)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]*string{
			"filename": aws.String(meta.FileName),
			"mimetype": aws.String(meta.MimeType),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload payload: %w", err)
	}

	s.logger.Debug("Stored binary payload", "key", key, "size", len(data))
	return newRef(key, len(data), meta), nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

func (s *S3Store) objectKey(key string) string {
	if len(key) < 3 {
		return path.Join(s.prefix, key)
	}
	return path.Join(s.prefix, key[:2], key+".gz")
}
