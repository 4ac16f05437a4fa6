package filestorage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/spf13/cast"
)

// AWSS3 stores files in an S3 bucket.
type AWSS3 struct {
	bucket   string
	uploader s3manageriface.UploaderAPI
	S3Client s3iface.S3API
}

// NewAWSS3 returns an AWSS3 storing files in bucket. Credentials are
// resolved the way the AWS SDK does by default.
func NewAWSS3(region string, bucket string) (*AWSS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket must be set")
	}

	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil, err
	}

	return &AWSS3{bucket: bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}, nil
}

// Store uploads r to the bucket under the key name.
func (b AWSS3) Store(ctx context.Context, name string, r io.Reader, metadata map[string]interface{}) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(name),
		Body:        r,
		ContentType: aws.String("application/json"),
		Metadata:    formatMetadata(metadata),
	})
	return err
}

// Delete deletes name from the AWS S3 bucket
func (b AWSS3) Delete(name string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	return err
}

// Exists returns true if the file exists, false otherwise
func (b AWSS3) Exists(name string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	return err == nil
}

// formatMetadata keeps the string and numeric values of rawMetadata.
// Numbers are truncated to integers.
func formatMetadata(rawMetadata map[string]interface{}) map[string]*string {
	metadata := make(map[string]*string)

	for k, v := range rawMetadata {
		switch v.(type) {
		case string:
			metadata[k] = aws.String(v.(string))
		case bool, nil:
			// Silently drop non-numeric/string fields
		default:
			n, err := cast.ToInt64E(v)
			if err != nil {
				continue
			}
			metadata[k] = aws.String(fmt.Sprintf("%d", n))
		}
	}

	return metadata
}
