package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"github.com/sensorlake/sensorlake/pkg/normalize"
)

const (
	defaultS3Region = "us-east-1"

	fetchMaxAttempts     = 4
	fetchInitialInterval = 500 * time.Millisecond
	fetchMaxInterval     = 10 * time.Second
)

type S3SourceConfig struct {
	Logger *slog.Logger
	Bucket string
	// Prefix sits above the per-source layout: <prefix>/<source>/dt=<date>/.
	Prefix string
	Region string
	// Endpoint overrides the AWS endpoint (MinIO); enables path-style
	// addressing.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Anonymous pins anonymous credentials for public buckets instead of
	// walking the SDK credential chain.
	Anonymous bool
}

func (cfg *S3SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return errors.New("S3 credentials must be set as a pair")
	}
	return nil
}

// S3Source reads batches from an object store laid out as
// <prefix>/<source>/dt=<YYYY-MM-DD>/*.csv[.gz|.zst]. All objects under the
// date partition concatenate into one batch, in key order.
type S3Source struct {
	log    *slog.Logger
	cfg    S3SourceConfig
	client *s3.Client
}

func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Source{
		log:    cfg.Logger,
		cfg:    cfg,
		client: client,
	}, nil
}

func newS3Client(ctx context.Context, cfg S3SourceConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	if cfg.Anonymous {
		return s3.New(s3.Options{Region: region, Credentials: aws.AnonymousCredentials{}}), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpointURL := cfg.Endpoint
			if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
				endpointURL = "http://" + endpointURL
			}
			o.BaseEndpoint = &endpointURL
			o.UsePathStyle = true
		}
	})
	return client, nil
}

func (s *S3Source) Fetch(ctx context.Context, source string, date time.Time) ([]normalize.Record, error) {
	prefix := s.datePrefix(source, date)
	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		s.log.Info("no objects for date", "source", source, "bucket", s.cfg.Bucket, "prefix", prefix)
		return nil, nil
	}

	var records []normalize.Record
	for _, key := range keys {
		recs, err := s.fetchObject(ctx, source, key)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	s.log.Debug("fetched batch objects", "source", source, "objects", len(keys), "records", len(records))
	return records, nil
}

func (s *S3Source) datePrefix(source string, date time.Time) string {
	prefix := fmt.Sprintf("%s/dt=%s/", source, date.UTC().Format("2006-01-02"))
	if s.cfg.Prefix != "" {
		prefix = strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + prefix
	}
	return prefix
}

func (s *S3Source) listKeys(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := retryFetch(ctx, func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.cfg.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && isCSVKey(*obj.Key) {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Source) fetchObject(ctx context.Context, source, key string) ([]normalize.Record, error) {
	return retryFetch(ctx, func() ([]normalize.Record, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", s.cfg.Bucket, key, err)
		}
		defer out.Body.Close()

		rc, err := openReader(out.Body, key)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		defer rc.Close()

		records, err := decodeCSV(rc, source)
		if err != nil {
			err = fmt.Errorf("failed to decode s3://%s/%s: %w", s.cfg.Bucket, key, err)
			// Malformed files do not fix themselves on retry; interrupted
			// streams might.
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return records, nil
	})
}

// retryFetch replays op with exponential backoff on transient object-store
// errors; backoff.Permanent short-circuits.
func retryFetch[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fetchInitialInterval
	bo.MaxInterval = fetchMaxInterval
	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(fetchMaxAttempts))
}

func isCSVKey(key string) bool {
	return strings.HasSuffix(key, ".csv") || strings.HasSuffix(key, ".csv.gz") || strings.HasSuffix(key, ".csv.zst")
}
