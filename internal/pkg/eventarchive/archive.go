package eventarchive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/QuillonLabs/quillon/internal/pkg/env"
)

// putTimeout bounds one archival upload. The put runs detached from the
// webhook request so a slow bucket never delays the acknowledgement.
const putTimeout = 30 * time.Second

// Archiver copies raw webhook payloads to an S3 bucket. Uploads are
// best effort: failures are logged and never surface to the webhook
// handler.
type Archiver struct {
	s3Client *s3.Client
	cfg      *Config
}

// NewArchiver creates an archiver for the configured bucket.
func NewArchiver(cfg *Config) (*Archiver, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("webhook archival is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
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
			// S3-compatible services (MinIO, B2) need path-style URLs.
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	a := &Archiver{
		s3Client: s3Client,
		cfg:      cfg,
	}

	if err := a.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[EventArchive] Successfully initialized S3 client for bucket: %s", cfg.BucketName)
	return a, nil
}

// testConnection checks the bucket exists; outside prod a missing
// bucket is created so local MinIO setups work out of the box.
func (a *Archiver) testConnection() error {
	ctx := context.Background()

	_, err := a.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.cfg.BucketName),
	})
	if err != nil {
		if env.GetEnv("APP_ENV", "dev") != "prod" {
			log.Warnf("[EventArchive] Bucket %s not found, attempting to create it", a.cfg.BucketName)
			return a.createBucket(a.cfg.BucketName)
		}
		return fmt.Errorf("bucket %s not accessible: %w", a.cfg.BucketName, err)
	}

	return nil
}

func (a *Archiver) createBucket(bucketName string) error {
	ctx := context.Background()

	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}
	if a.cfg.EndpointURL == "" && a.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.cfg.Region),
		}
	}

	if _, err := a.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	log.Infof("[EventArchive] Successfully created bucket: %s", bucketName)
	return nil
}

// ObjectKey builds the bucket key for one webhook delivery.
// Format: webhooks/<provider>/<YYYY-MM-DD>/<event-id>.json
func ObjectKey(provider, eventID string, t time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s/%s.json", provider, t.UTC().Format("2006-01-02"), eventID)
}

// Archive uploads one raw payload in the background. The request
// context is deliberately not inherited: the ack to the provider must
// not wait for, or be able to cancel, the upload.
func (a *Archiver) Archive(_ context.Context, provider, eventID string, payload []byte) {
	if a == nil || a.s3Client == nil {
		return
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	key := ObjectKey(provider, eventID, time.Now())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
		defer cancel()

		_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.BucketName),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"provider": provider,
				"event-id": eventID,
			},
		})
		if err != nil {
			log.Errorf("[EventArchive] Failed to archive %s event %s: %v", provider, eventID, err)
			return
		}
		log.Debugf("[EventArchive] Archived s3://%s/%s", a.cfg.BucketName, key)
	}()
}
