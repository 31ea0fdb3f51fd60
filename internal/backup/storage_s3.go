package backup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3ArchiveStore implements ArchiveStore on Amazon S3.
type S3ArchiveStore struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// NewS3ArchiveStore creates a new S3-backed archive store.
func NewS3ArchiveStore(config *S3Config) (*S3ArchiveStore, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}
	if config.Bucket == "" {
		return nil, NewValidationError("S3 bucket name is required", nil)
	}
	if config.Region == "" {
		return nil, NewValidationError("S3 region is required", nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"", // token
		)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "archives/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3ArchiveStore{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     config.Bucket,
		prefix:     prefix,
	}, nil
}

// Upload implements ArchiveStore.
func (s3s *S3ArchiveStore) Upload(ctx context.Context, localPath string, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open archive %s", localPath), err)
	}
	defer f.Close()

	_, err = s3s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s3s.bucket),
		Key:         aws.String(s3s.prefix + key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload archive %s to S3", key), err)
	}

	return nil
}

// Download implements ArchiveStore.
func (s3s *S3ArchiveStore) Download(ctx context.Context, key string, localPath string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	_, err = s3s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s3s.bucket),
		Key:    aws.String(s3s.prefix + key),
	})
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download archive %s from S3", key), err)
	}

	return f.Close()
}

// Delete implements ArchiveStore.
func (s3s *S3ArchiveStore) Delete(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	_, err := s3s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3s.bucket),
		Key:    aws.String(s3s.prefix + key),
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete archive %s from S3", key), err)
	}

	return nil
}

// List implements ArchiveStore.
func (s3s *S3ArchiveStore) List(ctx context.Context) ([]string, error) {
	var keys []string

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s3s.bucket),
		Prefix: aws.String(s3s.prefix),
	}

	err := s3s.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				key := strings.TrimPrefix(aws.StringValue(obj.Key), s3s.prefix)
				if key == "" || strings.Contains(key, "/") {
					continue
				}
				keys = append(keys, key)
			}
			return true
		})
	if err != nil {
		return nil, NewStorageError("failed to list archives in S3", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// HealthCheck implements ArchiveStore.
func (s3s *S3ArchiveStore) HealthCheck(ctx context.Context) error {
	_, err := s3s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s3s.bucket),
	})
	if err != nil {
		return NewStorageError("S3 bucket is not accessible", err)
	}

	_, err = s3s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s3s.bucket),
		Prefix:  aws.String(s3s.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return NewStorageError("cannot list objects in S3 bucket", err)
	}

	return nil
}
