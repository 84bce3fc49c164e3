package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"crm-worker/internal/models"
)

// S3Archiver writes purged terminal queue items to object storage as JSON
// before the cleanup job deletes them, so retention exports outlive the rows.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// New builds an archiver against the given bucket using default AWS config.
func New(ctx context.Context, bucket, region string) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
	}, nil
}

// StoreItems uploads one export object and returns its key.
func (a *S3Archiver) StoreItems(ctx context.Context, items []models.QueueItem) (string, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("exports/queue/%s/purge-%s.json", now.Format("2006/01/02"), uuid.New().String())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put export object: %w", err)
	}
	return key, nil
}
