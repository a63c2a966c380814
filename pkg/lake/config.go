package lake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultS3Region = "us-east-1"

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// LoadS3ConfigFromEnv reads S3 settings from the environment. Recognized
// variables, S3_ prefix winning over AWS_:
//
//	S3_ACCESS_KEY_ID / AWS_ACCESS_KEY_ID
//	S3_SECRET_ACCESS_KEY / AWS_SECRET_ACCESS_KEY
//	S3_ENDPOINT / AWS_ENDPOINT_URL   (set for MinIO)
//	S3_REGION / AWS_REGION           (defaults to us-east-1)
//	S3_USE_SSL, S3_URL_STYLE         (override the endpoint-derived defaults)
//
// Returns (nil, nil) when no credentials are set: the caller should rely on
// the default AWS credential chain (IRSA, instance profile). Setting only one
// half of the key pair is an error.
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := firstEnv("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretAccessKey := firstEnv("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	if accessKeyID == "" && secretAccessKey == "" {
		return nil, nil
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("S3 credentials must be set as a pair: got access key %t, secret %t (for the default credential chain, unset both)",
			accessKeyID != "", secretAccessKey != "")
	}

	endpoint := firstEnv("S3_ENDPOINT", "AWS_ENDPOINT_URL")
	region := firstEnv("S3_REGION", "AWS_REGION")
	if region == "" {
		region = defaultS3Region
	}

	useSSL := !isMinIOEndpoint(endpoint)
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		useSSL = v == "true" || v == "1"
	}
	urlStyle := "path"
	if v := os.Getenv("S3_URL_STYLE"); v != "" {
		urlStyle = v
	}

	return &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        endpoint,
		Region:          region,
		UseSSL:          useSSL,
		URLStyle:        urlStyle,
	}, nil
}

// PrepareS3ConfigForStorageURI resolves the S3 configuration for a storage
// URI. Returns nil for file:// storage. For s3:// storage it loads the
// environment configuration, falls back to a chain-only config when no
// explicit credentials exist, and auto-creates the bucket on localhost MinIO.
func PrepareS3ConfigForStorageURI(ctx context.Context, log *slog.Logger, storageURI string) (*S3Config, error) {
	if !strings.HasPrefix(storageURI, "s3://") {
		return nil, nil
	}

	cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	if cfg == nil {
		region := firstEnv("S3_REGION", "AWS_REGION")
		if region == "" {
			region = defaultS3Region
		}
		cfg = &S3Config{
			Region:   region,
			UseSSL:   true,
			URLStyle: "path",
		}
	}

	if isMinIOEndpoint(cfg.Endpoint) && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", cfg.Endpoint)
	}

	if err := EnsureMinIOBucket(ctx, log, storageURI, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
	}
	return cfg, nil
}

// EnsureMinIOBucket creates the storage bucket when the endpoint is a local
// MinIO. Real S3 buckets are provisioned out of band; only local dev and test
// environments get auto-creation.
func EnsureMinIOBucket(ctx context.Context, log *slog.Logger, storageURI string, cfg *S3Config) error {
	if !strings.HasPrefix(storageURI, "s3://") || cfg.Endpoint == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	if !strings.HasPrefix(host, "localhost") && !strings.HasPrefix(host, "127.0.0.1") && !strings.Contains(host, "host.docker.internal") {
		return nil
	}

	bucket, _, _ := strings.Cut(strings.TrimPrefix(storageURI, "s3://"), "/")
	if bucket == "" {
		return nil
	}

	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		endpointURL = "http://" + endpointURL
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpointURL
		o.UsePathStyle = true
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket}); err == nil {
		return nil
	}

	log.Info("creating MinIO bucket", "bucket", bucket, "endpoint", cfg.Endpoint)
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}
