package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loiht2/ml-platform-finetune/backend/k8s"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// MinIOClient wraps MinIO client with bucket management. It mirrors dataset
// workbooks into a single bucket.
type MinIOClient struct {
	client *minio.Client
	bucket string
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// DefaultRegion is used when MinIOConfig.Region is empty.
const DefaultRegion = "us-east-1"

// NewMinIOClientFromK8s creates a MinIO client using credentials from a
// Kubernetes secret with endpoint, accesskey and secretkey fields. The
// remaining settings come from base.
func NewMinIOClientFromK8s(ctx context.Context, k8sClient *k8s.Client, namespace, secretName string, base MinIOConfig) (*MinIOClient, error) {
	data, err := k8sClient.GetSecretData(ctx, namespace, secretName, "endpoint", "accesskey", "secretkey")
	if err != nil {
		return nil, err
	}

	log.Printf("MinIO credentials loaded from secret %s/%s (endpoint: %s)", namespace, secretName, data["endpoint"])

	base.Endpoint = data["endpoint"]
	base.AccessKey = data["accesskey"]
	base.SecretKey = data["secretkey"]
	return NewMinIOClient(base)
}

// NewMinIOClient creates a MinIO client with explicit configuration
func NewMinIOClient(config MinIOConfig) (*MinIOClient, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("MinIO endpoint and bucket are required")
	}

	region := config.Region
	if region == "" {
		region = DefaultRegion
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinIOClient{
		client: minioClient,
		bucket: config.Bucket,
	}, nil
}

// Bucket returns the mirror bucket name
func (m *MinIOClient) Bucket() string {
	return m.bucket
}

// EnsureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		log.Printf("Creating MinIO bucket: %s", m.bucket)
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created successfully", m.bucket)
	}

	return nil
}

// UploadFile uploads a file to the bucket
func (m *MinIOClient) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (minio.UploadInfo, error) {
	if err := m.EnsureBucket(ctx); err != nil {
		return minio.UploadInfo{}, err
	}

	uploadInfo, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to upload file: %w", err)
	}

	log.Printf("File uploaded successfully: %s/%s (size: %d bytes)", m.bucket, objectName, uploadInfo.Size)
	return uploadInfo, nil
}

// Put mirrors a dataset workbook
func (m *MinIOClient) Put(ctx context.Context, objectName string, data []byte) error {
	_, err := m.UploadFile(ctx, objectName, bytes.NewReader(data), int64(len(data)), xlsxContentType)
	return err
}
