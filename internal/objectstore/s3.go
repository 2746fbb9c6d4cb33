package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 — хранилище в S3 или совместимом сервисе (MinIO при заданном endpoint).
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewS3(ctx context.Context, region, bucket, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("objectstore.NewS3: bucket required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("objectstore.NewS3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, uploader: manager.NewUploader(client), bucket: bucket}, nil
}

func (s *S3) Bucket() string { return s.bucket }

func (s *S3) Put(ctx context.Context, p string, r io.Reader, attrs Attrs) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     r,
		Metadata: attrs.Metadata,
	}
	if attrs.ContentType != "" {
		in.ContentType = aws.String(attrs.ContentType)
	}
	if attrs.CacheControl != "" {
		in.CacheControl = aws.String(attrs.CacheControl)
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("objectstore.S3.Put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, *Attrs, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, nil, s3Error("Open", key, err)
	}
	return out.Body, &Attrs{
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		Metadata:     out.Metadata,
		Size:         aws.ToInt64(out.ContentLength),
		Updated:      aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) Stat(ctx context.Context, p string) (*Attrs, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s3Error("Stat", key, err)
	}
	return &Attrs{
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		Metadata:     out.Metadata,
		Size:         aws.ToInt64(out.ContentLength),
		Updated:      aws.ToTime(out.LastModified),
	}, nil
}

// UpdateMetadata: S3 не меняет метаданные на месте, объект копируется сам в себя с REPLACE.
func (s *S3) UpdateMetadata(ctx context.Context, p string, md map[string]string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	cur, err := s.Stat(ctx, key)
	if err != nil {
		return err
	}
	in := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + escapeKey(key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          mergeMetadata(cur.Metadata, md),
	}
	if cur.ContentType != "" {
		in.ContentType = aws.String(cur.ContentType)
	}
	if cur.CacheControl != "" {
		in.CacheControl = aws.String(cur.CacheControl)
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return fmt.Errorf("objectstore.S3.UpdateMetadata %s: %w", key, err)
	}
	return nil
}

func s3Error(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrNotExist
	}
	return fmt.Errorf("objectstore.S3.%s %s: %w", op, key, err)
}

// escapeKey кодирует каждый сегмент ключа, сохраняя разделители.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
