// Package remote replicates completed backup sets to S3-compatible
// storage. Offsite copies are an optional extra; the local set stays the
// restore source of record.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"zhb/internal/backupset"
	"zhb/internal/config"
	"zhb/internal/crypto"
)

// Backend is the replication interface; S3 is the only implementation
// but tests fake it.
type Backend interface {
	UploadSet(ctx context.Context, dir, pool, token string) error
	DownloadSet(ctx context.Context, pool, token, dir string) error
	ListTokens(ctx context.Context, pool string) ([]string, error)
	VerifyCredentials(ctx context.Context) error
}

type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Backend = (*S3)(nil)

func New(ctx context.Context, c config.S3) (*S3, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
		awsconfig.WithRetryMaxAttempts(c.RetryAttempts()),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if c.Endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if c.Endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		})
		slog.Info("S3 client initialized with custom endpoint", "endpoint", c.Endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	return &S3{
		client:   client,
		uploader: uploader,
		bucket:   c.Bucket,
		prefix:   c.Prefix,
	}, nil
}

func (s *S3) key(parts ...string) string {
	return filepath.ToSlash(filepath.Join(append([]string{s.prefix}, parts...)...))
}

// UploadSet pushes every file of the set (artifacts, instructions,
// manifest) under <prefix>/<pool>/<token>/, tagging artifacts with their
// BLAKE3 hash.
func (s *S3) UploadSet(ctx context.Context, dir, pool, token string) error {
	sets, err := backupset.Discover(dir)
	if err != nil {
		return err
	}
	var set *backupset.Set
	for i := range sets {
		if sets[i].Token == token {
			set = &sets[i]
			break
		}
	}
	if set == nil {
		return fmt.Errorf("set %s not found in %s", token, dir)
	}
	if !set.Complete() {
		return fmt.Errorf("refusing to replicate incomplete set %s", token)
	}

	names := []string{set.BootArtifact, set.ZFSArtifact, set.Instructions, set.Manifest}
	for _, name := range names {
		if name == "" {
			continue
		}
		localPath := filepath.Join(dir, name)
		if err := s.uploadFile(ctx, localPath, s.key(pool, token, name)); err != nil {
			return err
		}
	}
	slog.Info("Set replicated", "pool", pool, "token", token, "bucket", s.bucket)
	return nil
}

func (s *S3) uploadFile(ctx context.Context, localPath, key string) error {
	hash, err := crypto.BLAKE3File(localPath)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", localPath, err)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: map[string]string{"blake3": hash},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	slog.Info("Uploaded to S3", "bucket", s.bucket, "key", key)
	return nil
}

// DownloadSet fetches every object of a replicated set into dir, so the
// local discovery and restore paths work on it unchanged.
func (s *S3) DownloadSet(ctx context.Context, pool, token, dir string) error {
	prefix := s.key(pool, token) + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to list set %s: %w", token, err)
	}
	if len(out.Contents) == 0 {
		return fmt.Errorf("no replicated set %s under s3://%s/%s", token, s.bucket, prefix)
	}

	downloader := manager.NewDownloader(s.client)
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		localPath := filepath.Join(dir, filepath.Base(*obj.Key))
		file, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", localPath, err)
		}
		numBytes, err := downloader.Download(ctx, file, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    obj.Key,
		})
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", *obj.Key, err)
		}
		slog.Info("Downloaded from S3", "key", *obj.Key, "bytes", numBytes)
	}
	slog.Info("Set downloaded", "pool", pool, "token", token, "dir", dir)
	return nil
}

// ListTokens enumerates the replicated set tokens for a pool via the
// common-prefix listing.
func (s *S3) ListTokens(ctx context.Context, pool string) ([]string, error) {
	prefix := s.key(pool) + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sets for %s: %w", pool, err)
	}

	var tokens []string
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix == nil {
			continue
		}
		token := filepath.Base(filepath.Clean(*cp.Prefix))
		if _, err := backupset.ParseToken(token); err == nil {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}
	slog.Info("AWS credentials verified", "bucket", s.bucket)
	return nil
}
