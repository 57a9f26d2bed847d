package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"southwinds.dev/heirloom/internal/debug"
	"southwinds.dev/heirloom/internal/misc"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store keeps namespace state in an S3 compatible bucket. Object ETags
// serve as versions and conditional puts enforce them.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	namespace  string
}

// S3Config holds the connection settings for S3Store.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return store, nil
}

func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	var s3Config S3Config
	if err := decodeConfig(config.Config, &s3Config); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}
	return NewS3Store(s3Config, namespace)
}

func (s3s *S3Store) ListNamespaces() ([]string, error) {
	basePrefix := strings.Trim(s3s.keyPrefix, "/")
	if basePrefix != "" {
		basePrefix += "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		debug.Print("ListNamespaces: found object '%s'\n", object.Key)

		parts := strings.SplitN(strings.TrimPrefix(object.Key, basePrefix), "/", 2)
		if len(parts) == 2 && parts[0] != "" {
			seen[parts[0]] = struct{}{}
		}
	}

	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (s3s *S3Store) SaveState(sealedState []byte, expectedVersion string) (string, error) {
	if len(sealedState) == 0 {
		return "", fmt.Errorf("state cannot be empty")
	}
	return s3s.putVersioned(s3s.objectName(stateObject), sealedState, expectedVersion, "SaveState", map[string]string{
		"data-type": "registry-state",
		"namespace": s3s.namespace,
	})
}

func (s3s *S3Store) LoadState() (*VersionedData, error) {
	return s3s.get(s3s.objectName(stateObject), "state")
}

func (s3s *S3Store) StateExists() (bool, error) {
	return s3s.exists(s3s.objectName(stateObject))
}

func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return s3s.putVersioned(s3s.objectName(saltObject), saltData, expectedVersion, "SaveSalt", saltMetadata(s3s.namespace))
}

func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	return s3s.get(s3s.objectName(saltObject), "salt")
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.exists(s3s.objectName(saltObject))
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) putVersioned(objectName string, data []byte, expectedVersion, operation string, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	userMetadata := map[string]string{"created-at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range metadata {
		userMetadata[k] = v
	}
	putOptions := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: userMetadata,
	}

	if expectedVersion != "" {
		current, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
		actual := ""
		if err == nil {
			actual = cleanETag(current.ETag)
		} else if !isNotFoundError(err) {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if actual != expectedVersion {
			return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: actual, Operation: operation}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if isPreconditionFailedError(err) {
			return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: "unknown", Operation: operation}
		}
		return "", fmt.Errorf("failed to put %s: %w", objectName, err)
	}
	return cleanETag(info.ETag), nil
}

func (s3s *S3Store) get(objectName, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	defer object.Close()

	// GetObject is lazy, a missing key only surfaces on Stat or Read
	info, err := object.Stat()
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	timestamp := info.LastModified
	if createdAt, ok := info.UserMetadata["Created-At"]; ok {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(info.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) exists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) objectName(name string) string {
	var parts []string
	if prefix := strings.Trim(s3s.keyPrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	return strings.Join(append(parts, s3s.namespace, name), "/")
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return misc.IsNotFoundError(err)
}
