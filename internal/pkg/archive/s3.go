// Package archive copies rows to S3 before log retention deletes them.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/internal/pkg/config"
)

// ObjectAPI is the part of the S3 client the archiver uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver writes one gzipped JSON lines object per batch.
type S3Archiver struct {
	api    ObjectAPI
	bucket string
	runID  string
}

// NewS3Archiver connects to the configured bucket.
func NewS3Archiver(ctx context.Context, cfg config.Archive) (*S3Archiver, error) {
	if !cfg.Enabled {
		return nil, errors.New("S3 archive is disabled")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			// S3-compatible services such as MinIO or B2
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	a := NewWithAPI(client, cfg.BucketName)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}
	log.Infof("[Archive] Archiving to bucket: %s", cfg.BucketName)
	return a, nil
}

// NewWithAPI builds an archiver on an existing client.
func NewWithAPI(api ObjectAPI, bucket string) *S3Archiver {
	return &S3Archiver{
		api:    api,
		bucket: bucket,
		runID:  time.Now().UTC().Format("20060102T150405Z"),
	}
}

// Key returns the object key of batch seq of kind.
func (a *S3Archiver) Key(kind string, seq int) string {
	return fmt.Sprintf("%s/%s/%s-%04d.jsonl.gz", kind, a.runID[:8], a.runID, seq)
}

// Archive uploads rows, which must be a slice, and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, kind string, seq int, rows any) (string, error) {
	body, count, err := encode(rows)
	if err != nil {
		return "", err
	}

	key := a.Key(kind, seq)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		ContentLength:   aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", a.bucket, key, err)
	}
	log.Infof("[Archive] Uploaded %d %s rows to s3://%s/%s", count, kind, a.bucket, key)
	return key, nil
}

func encode(rows any) ([]byte, int, error) {
	v := reflect.ValueOf(rows)
	if v.Kind() != reflect.Slice {
		return nil, 0, fmt.Errorf("archive: expected a slice, got %T", rows)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := 0; i < v.Len(); i++ {
		if err := enc.Encode(v.Index(i).Interface()); err != nil {
			return nil, 0, fmt.Errorf("archive: encode row %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), v.Len(), nil
}
