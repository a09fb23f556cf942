package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gabcoyne/call-coach/internal/domain/events"
)

// Archive stores raw webhook payloads in object storage for audit.
// Rows in the database carry the outcome; the archive keeps the exact
// bytes as delivered, rejections included.
type Archive struct {
	client     *minio.Client
	bucketName string
	region     string
}

// New connects to MinIO and ensures the bucket exists
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Archive, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Archive{client: cli, bucketName: bucket, region: region}, nil
}

// Archive implements events.AuditArchive. Objects are keyed by receipt
// date and event id so deliveries stay queryable by day; unverified
// payloads have no event id and fall back to the receipt timestamp.
func (a *Archive) Archive(ctx context.Context, ev *events.IngestEvent, outcome string) error {
	name := string(ev.ID)
	if name == "" {
		name = fmt.Sprintf("unverified-%d", ev.ReceivedAt.UnixNano())
	}
	key := fmt.Sprintf("events/%s/%s.json", ev.ReceivedAt.UTC().Format("2006/01/02"), name)

	_, err := a.client.PutObject(ctx, a.bucketName, key,
		bytes.NewReader(ev.Payload), int64(len(ev.Payload)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"outcome": outcome,
				"call-id": ev.CallID,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("archiving event %s: %w", name, err)
	}
	return nil
}
