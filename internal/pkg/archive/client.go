package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
)

// ErrDisabled is returned by NewClient when the archive is switched off.
var ErrDisabled = errors.New("archive: disabled")

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads settlement snapshots to S3
type Client struct {
	s3      objectPutter
	config  *Config
	backOff func() backoff.BackOff
}

// NewClient creates a new archive client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true // S3-compatible stores want path-style URLs
		}
	})

	log.Infof("[Archive] Initialized S3 client for bucket: %s", cfg.BucketName)
	return newClient(s3Client, cfg), nil
}

func newClient(putter objectPutter, cfg *Config) *Client {
	return &Client{
		s3:     putter,
		config: cfg,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 4)
		},
	}
}

// Archive uploads body as application/json under key, retrying with
// exponential backoff.
func (c *Client) Archive(ctx context.Context, key string, body []byte) error {
	objectKey := c.config.ObjectKey(key)
	bucket := c.config.BucketName

	op := func() error {
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(objectKey),
			Body:          bytes.NewReader(body),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(body))),
			Metadata: map[string]string{
				"upload-source": "payfox-settlement",
			},
		})
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("[Archive] Upload of %s failed, retrying in %s: %v", objectKey, wait, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.backOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, objectKey, err)
	}
	log.Infof("[Archive] Uploaded s3://%s/%s (%d bytes)", bucket, objectKey, len(body))
	return nil
}
