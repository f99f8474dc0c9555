// Package archive implements the Response Body Archive (SPEC_FULL §3
// supplement): response bodies over a configurable size are off-loaded to
// S3-compatible object storage, and the relational record keeps a pointer
// instead of the raw bytes. Grounded on the teacher's
// internal/objectstore/s3.go.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"convoy/internal/config"
)

// ErrNotFound is returned when a pointer does not resolve to a stored object.
var ErrNotFound = errors.New("archive: object not found")

// Archive offloads large response bodies to S3-compatible storage.
type Archive struct {
	client       *s3.Client
	bucket       string
	prefix       string
	minBodyBytes int64
}

// New constructs an Archive from ArchiveConfig. A disabled config yields a
// nil *Archive; callers must treat nil as "archival off" (Offload always
// reports offloaded=false).
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required when enabled")
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	minBytes := cfg.MinBodyBytes
	if minBytes <= 0 {
		minBytes = 32 * 1024
	}

	return &Archive{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.TrimSuffix(cfg.Prefix, "/"),
		minBodyBytes: minBytes,
	}, nil
}

func (a *Archive) key(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	shard := hex.EncodeToString(sum[:])[:2]
	key := fmt.Sprintf("%s/%s.json", shard, requestID)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Offload stores body under a key derived from requestID when body is at
// least minBodyBytes, returning the storage key as a pointer. Bodies smaller
// than the threshold are left in place (offloaded=false).
func (a *Archive) Offload(ctx context.Context, requestID string, body []byte) (string, bool, error) {
	if a == nil || int64(len(body)) < a.minBodyBytes {
		return "", false, nil
	}

	key := a.key(requestID)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", false, fmt.Errorf("archive put %s: %w", key, err)
	}
	return key, true, nil
}

// Fetch retrieves a previously-offloaded body by its pointer key.
func (a *Archive) Fetch(ctx context.Context, pointer string) ([]byte, error) {
	if a == nil || pointer == "" {
		return nil, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(pointer),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) || strings.Contains(err.Error(), "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive get %s: %w", pointer, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
