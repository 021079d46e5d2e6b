// Package archive stores resolved recall reports as immutable JSON objects.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrExists = errors.New("archive object already exists")

// Store writes create-only objects.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Store writes to a single bucket on AWS S3 or an S3-compatible endpoint
// such as MinIO.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket), nil
}

func NewS3StoreWithClient(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put refuses to overwrite: a Head that succeeds means the report for this
// key was already archived.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

type memoryObject struct {
	contentType string
	body        []byte
	createdAt   time.Time
}

// MemoryStore keeps objects in process. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.objects[key] = memoryObject{contentType: contentType, body: append([]byte(nil), body...), createdAt: time.Now().UTC()}
	return nil
}

// Get returns a copy of the stored body.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.body...), true
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// RecallReportKey is the object key for a recall's resolution report.
func RecallReportKey(facilityID, recallID string, resolvedAt time.Time) string {
	if facilityID == "" {
		facilityID = "default"
	}
	return fmt.Sprintf("recalls/%s/%s/%s.json", facilityID, resolvedAt.UTC().Format("2006/01/02"), recallID)
}
