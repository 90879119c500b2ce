package s3lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ObjectStore is the narrow slice of object storage the lease needs. Every
// write is conditional so two contenders racing the same key cannot both
// win.
type ObjectStore interface {
	// Get returns the object and the entity tag of the version it read.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// PutIfAbsent writes the object only when the key does not exist yet,
	// returning ErrAlreadyExists when it does.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	// PutIfMatch overwrites the object only while its entity tag still
	// matches etag, returning ErrPreconditionFailed otherwise.
	PutIfMatch(ctx context.Context, key string, data []byte, etag string) error
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by PutIfAbsent when the key exists.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrPreconditionFailed is returned by PutIfMatch when the object
	// changed since the tagged read.
	ErrPreconditionFailed = errors.New("object changed since read")
)

// MemoryObjectStore is an in-process ObjectStore for tests and local runs.
type MemoryObjectStore struct {
	mu      sync.Mutex
	seq     int
	objects map[string]memObject
}

type memObject struct {
	data []byte
	etag string
}

// NewMemoryObjectStore builds an empty in-memory store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]memObject)}
}

func (m *MemoryObjectStore) nextTag() string {
	m.seq++
	return fmt.Sprintf("v%d", m.seq)
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, obj.etag, nil
}

func (m *MemoryObjectStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return ErrAlreadyExists
	}
	m.objects[key] = memObject{data: append([]byte(nil), data...), etag: m.nextTag()}
	return nil
}

func (m *MemoryObjectStore) PutIfMatch(ctx context.Context, key string, data []byte, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok || obj.etag != etag {
		return ErrPreconditionFailed
	}
	m.objects[key] = memObject{data: append([]byte(nil), data...), etag: m.nextTag()}
	return nil
}

func (m *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// S3Config defines how we connect to S3 (or an S3-compatible endpoint).
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// s3ObjectStore adapts the AWS SDK client to ObjectStore.
type s3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore builds an ObjectStore over a real bucket.
func NewS3ObjectStore(ctx context.Context, cfg S3Config) (ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &s3ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *s3ObjectStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(out.ETag), nil
}

func (s *s3ObjectStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *s3ObjectStore) PutIfMatch(ctx context.Context, key string, data []byte, etag string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		Body:    bytes.NewReader(data),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return ErrPreconditionFailed
		}
		return err
	}
	return nil
}

func (s *s3ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}
