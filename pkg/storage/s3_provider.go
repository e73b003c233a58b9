package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/fferr"
)

const S3ProviderName = "s3"

// s3MaxFileSize is the cap for a single PutObject; larger files would need
// multipart, which the accept pipeline doesn't produce.
const s3MaxFileSize = 5 * 1024 * 1024 * 1024

type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, R2). Empty means real AWS.
	Endpoint string
}

// s3API is the subset of the S3 client the provider uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Provider stores objects in an S3 bucket. It accepts every type
// category but has no native transform capability.
type S3Provider struct {
	client    s3API
	presigner *s3.PresignClient
	bucket    string
	region    string
}

// NewS3Client builds the SDK client from static credentials, honoring a
// custom endpoint for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	const op = "storage.NewS3Client"

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	if err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return client, nil
}

func NewS3Provider(client *s3.Client, cfg S3Config) *S3Provider {
	return &S3Provider{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		region:    cfg.Region,
	}
}

func (p *S3Provider) Name() string {
	return S3ProviderName
}

func (p *S3Provider) SupportedTypes() []string {
	return []string{
		ffmodel.TypeCategoryImage,
		ffmodel.TypeCategoryVideo,
		ffmodel.TypeCategoryAudio,
		ffmodel.TypeCategoryDocument,
		ffmodel.TypeCategoryArchive,
		ffmodel.TypeCategoryOther,
	}
}

func (p *S3Provider) MaxFileSize() int64 {
	return s3MaxFileSize
}

func (p *S3Provider) Upload(ctx context.Context, data []byte, params UploadParams) (*UploadResult, error) {
	const op = "storage.S3Provider.Upload"

	key := objectKey(params.Folder, params.Filename)

	input := &s3.PutObjectInput{
		Bucket:               aws.String(p.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(params.MimeType),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}

	if params.IsPublic {
		input.ACL = types.ObjectCannedACLPublicRead
	} else {
		input.ACL = types.ObjectCannedACLPrivate
	}

	if len(params.Metadata) != 0 {
		input.Metadata = params.Metadata
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	return &UploadResult{
		URL:      p.objectURL(key),
		ObjectID: key,
		Size:     int64(len(data)),
		Format:   formatFromFilename(params.Filename),
		Metadata: map[string]string{"bucket": p.bucket},
	}, nil
}

// Process returns the original untouched; the object store has no
// transform capability.
func (p *S3Provider) Process(_ context.Context, existingURL string, _ Transform) (*ProcessResult, error) {
	return &ProcessResult{
		URL:         existingURL,
		ProcessedBy: ProcessedByNone,
	}, nil
}

func (p *S3Provider) Delete(ctx context.Context, objectID string, force bool) (bool, error) {
	const op = "storage.S3Provider.Delete"

	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectID),
	})

	switch {
	case err != nil && force:
		return true, nil
	case err != nil:
		return false, fferr.E(fferr.ProviderFailure, op, err)
	default:
		return true, nil
	}
}

func (p *S3Provider) GetInfo(ctx context.Context, objectID string) (map[string]string, error) {
	const op = "storage.S3Provider.GetInfo"

	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	info := map[string]string{
		"bucket": p.bucket,
		"key":    objectID,
	}

	if out.ContentLength != nil {
		info["size"] = fmt.Sprintf("%d", *out.ContentLength)
	}

	if out.ContentType != nil {
		info["content_type"] = *out.ContentType
	}

	if out.LastModified != nil {
		info["last_modified"] = out.LastModified.UTC().Format(time.RFC3339)
	}

	for k, v := range out.Metadata {
		info[k] = v
	}

	return info, nil
}

func (p *S3Provider) SignedURL(ctx context.Context, objectID string, ttl time.Duration) (string, error) {
	const op = "storage.S3Provider.SignedURL"

	presigned, err := p.presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(objectID),
		},
		s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fferr.E(fferr.ProviderFailure, op, err)
	}

	return presigned.URL, nil
}

func (p *S3Provider) objectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.bucket, p.region, key)
}

func objectKey(folder, filename string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return filename
	}

	return folder + "/" + filename
}

func formatFromFilename(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 && i < len(filename)-1 {
		return filename[i+1:]
	}

	return ""
}
