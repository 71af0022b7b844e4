package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

// S3 keeps blobs in one bucket under <digest>.blob keys.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds the client from the ambient AWS credential chain. A custom
// endpoint switches to path-style addressing for MinIO and LocalStack.
func NewS3(ctx context.Context, cfg config.ArchiveConfig) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive: s3 backend requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3) key(digest string) string { return digest + ".blob" }

func (s *S3) Store(ctx context.Context, data []byte) (string, error) {
	addr := Address(data)
	digest, _ := parseAddr(addr)

	// HeadObject first keeps the write idempotent and cheap for repeats.
	if ok, _ := s.Exists(ctx, addr); ok {
		return addr, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(digest)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put: %w", err)
	}
	return addr, nil
}

func (s *S3) Get(ctx context.Context, addr string) ([]byte, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("archive: s3 read: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *S3) Exists(ctx context.Context, addr string) (bool, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	return err == nil, nil
}

func (s *S3) Delete(ctx context.Context, addr string) error {
	digest, err := parseAddr(addr)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 delete: %w", err)
	}
	return nil
}
