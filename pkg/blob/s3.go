package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Options configures an S3-compatible connection (AWS, Spaces, MinIO).
type S3Options struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3Store implements Store over any S3-compatible backend.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3 builds an S3 store. Custom endpoints (Spaces, MinIO) usually need
// ForcePathStyle.
func NewS3(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func (s *S3Store) PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, fmt.Errorf("failed to encode JSON: %w", err))
	}
	return s.PutRaw(ctx, bucket, key, data, "application/json")
}

func (s *S3Store) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return PutResult{}, mapS3Error(bucket, key, err)
	}
	return PutResult{Size: sizeOf(data), Checksum: Checksum(data)}, nil
}

func (s *S3Store) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := s.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure(FailIntegrity, bucket, key, fmt.Errorf("failed to decode JSON: %w", err))
	}
	return nil
}

func (s *S3Store) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(bucket, key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure(FailTransient, bucket, key, fmt.Errorf("failed to read object body: %w", err))
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapS3Error(bucket, key, err)
		if IsNotFound(mapped) {
			return HeadInfo{Exists: false}, nil
		}
		return HeadInfo{}, mapped
	}
	return HeadInfo{Exists: true, Size: resp.ContentLength}, nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapS3Error(bucket, key, err)
		if IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapS3Error(bucket, key, err)
	}
	return req.URL, nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}
	resp, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListResult{}, mapS3Error(bucket, prefix, err)
	}
	out := ListResult{Truncated: aws.ToBool(resp.IsTruncated)}
	if resp.NextContinuationToken != nil {
		out.NextToken = *resp.NextContinuationToken
	}
	for _, obj := range resp.Contents {
		out.Entries = append(out.Entries, ListEntry{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
		})
	}
	return out, nil
}

func (s *S3Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return mapS3Error(srcBucket, srcKey, err)
	}
	return nil
}

// mapS3Error folds SDK errors into the blob failure taxonomy.
func mapS3Error(bucket, key string, err error) error {
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return failure(FailNotFound, bucket, key, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return failure(FailNotFound, bucket, key, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return failure(FailPermissionDenied, bucket, key, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return failure(FailTransient, bucket, key, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return failure(FailTransient, bucket, key, err)
		}
		return failure(FailPermanent, bucket, key, err)
	}
	// Connection-level errors (DNS, reset, timeout) surface untyped.
	return failure(FailTransient, bucket, key, err)
}
