package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/primevod/go-ingest/upload/network/partuploader"
)

const (
	defaultPresignExpiry = 15 * time.Minute
	numS3Retries         = 3
)

// S3ClientParams configures the direct S3 session client created by NewS3Client.
type S3ClientParams struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// PresignExpiry is how long part URLs stay valid. Default: 15 minutes
	PresignExpiry time.Duration
	// RetryWait is the pause between complete/abort attempts. Default: 5 seconds
	RetryWait time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type s3Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type s3SessionClient struct {
	client        s3API
	presigner     s3Presigner
	bucket        string
	presignExpiry time.Duration
	retryWait     time.Duration
	logger        log.Logger
}

// NewS3Client returns a SessionClient that drives the multipart upload directly against S3,
// for callers that hold bucket credentials instead of an ingest API.
func NewS3Client(ctx context.Context, params S3ClientParams, logger log.Logger) (SessionClient, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	return newS3SessionClient(client, s3.NewPresignClient(client), params, logger), nil
}

func newS3SessionClient(client s3API, presigner s3Presigner, params S3ClientParams, logger log.Logger) *s3SessionClient {
	expiry := params.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	wait := params.RetryWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	return &s3SessionClient{
		client:        client,
		presigner:     presigner,
		bucket:        params.Bucket,
		presignExpiry: expiry,
		retryWait:     wait,
		logger:        logger,
	}
}

func (c *s3SessionClient) Init(ctx context.Context, request InitRequest) (InitResponse, error) {
	contentType := request.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	output, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(c.bucket),
		Key:                  aws.String(request.Key),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return InitResponse{}, &InitError{Key: request.Key, Err: err}
	}

	uploadID := aws.ToString(output.UploadId)
	if uploadID == "" {
		return InitResponse{}, &InitError{Key: request.Key, Err: ErrMissingUploadID}
	}

	return InitResponse{UploadID: uploadID, Key: request.Key, Bucket: c.bucket}, nil
}

func (c *s3SessionClient) SignPart(ctx context.Context, key, uploadID string, partNumber int) (SignResponse, error) {
	presigned, err := c.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(c.presignExpiry))
	if err != nil {
		return SignResponse{}, &SignError{PartNumber: partNumber, Err: err}
	}
	if presigned == nil || presigned.URL == "" {
		return SignResponse{}, &SignError{PartNumber: partNumber, Err: ErrMissingURL}
	}

	headers := map[string]string{}
	for name, values := range presigned.SignedHeader {
		// Host is set by the HTTP client from the URL
		if http.CanonicalHeaderKey(name) == "Host" || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	return SignResponse{URL: presigned.URL, Method: presigned.Method, Headers: headers}, nil
}

func (c *s3SessionClient) Complete(ctx context.Context, key, uploadID string, parts []partuploader.PartResult) (CompleteResponse, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	var output *s3.CompleteMultipartUploadOutput
	err := retry.Times(numS3Retries).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		output, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			c.logger.Warnf("Complete attempt %d failed: %s", attempt+1, err)
			return err, isPermanentS3Error(err)
		}
		return nil, true
	})
	if err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: err}
	}

	body, err := json.Marshal(map[string]string{
		"bucket":   c.bucket,
		"key":      key,
		"location": aws.ToString(output.Location),
		"etag":     aws.ToString(output.ETag),
	})
	if err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: err}
	}

	return CompleteResponse{Body: body}, nil
}

func (c *s3SessionClient) Abort(ctx context.Context, key, uploadID string) (AbortResponse, error) {
	err := retry.Times(numS3Retries).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			var noSuchUpload *types.NoSuchUpload
			if errors.As(err, &noSuchUpload) {
				c.logger.Debugf("Upload %s is already gone", uploadID)
				return nil, true
			}
			return err, isPermanentS3Error(err)
		}
		return nil, true
	})
	if err != nil {
		return AbortResponse{}, &AbortReportedError{UploadID: uploadID, Err: err}
	}

	return AbortResponse{Body: []byte(`{"aborted":true}`)}, nil
}

// isPermanentS3Error reports whether retrying the same request cannot succeed.
func isPermanentS3Error(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.ErrorCode() {
	case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "AccessDenied", "NoSuchBucket":
		return true
	default:
		return false
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
