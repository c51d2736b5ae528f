package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"

	"github.com/sealdrop/sealdrop-go/transfer/network/partscheduler"
)

const (
	numS3Retries = 3

	// s3MaxParts is the service-side ceiling on multipart part count.
	s3MaxParts = 10000
	// s3MinChunkSize keeps every non-final encrypted part above the S3
	// 5 MiB minimum with room to spare.
	s3MinChunkSize = 8 * 1024 * 1024
	// s3MaxChunkSize caps per-part memory on both sides of the transfer.
	s3MaxChunkSize = 100 * 1024 * 1024

	manifestSuffix = ".meta"

	defaultExpiry     = 7 * 24 * time.Hour
	presignedURLValid = time.Hour
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Expiry is how long a finalized transfer stays downloadable.
	// Zero means the 7-day default.
	Expiry time.Duration
}

type manifest struct {
	DisplayName    string `json:"display_name"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	PartCount      int    `json:"part_count"`
	ExpiresAt      string `json:"expires_at"`
}

// S3Client implements MultipartClient directly against an S3 bucket: parts
// go through the native multipart upload protocol and the public manifest is
// stored next to the object as <key>.meta.
type S3Client struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	expiry   time.Duration
	logger   log.Logger

	mu       sync.Mutex
	sessions map[string]manifest
}

// NewS3Client ...
func NewS3Client(ctx context.Context, params S3Params, logger log.Logger) (*S3Client, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}

	return &S3Client{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   params.Bucket,
		expiry:   expiry,
		logger:   logger,
		sessions: map[string]manifest{},
	}, nil
}

// Begin creates the multipart upload and chooses the chunk size for the
// transfer so the encrypted part count stays within the service limit.
func (c *S3Client) Begin(ctx context.Context, params BeginParams) (Session, error) {
	if params.TotalSize <= 0 {
		return Session{}, fmt.Errorf("total size must be positive, got %d", params.TotalSize)
	}

	chunkSize := planChunkSize(params.TotalSize)
	totalParts := int((params.TotalSize + chunkSize - 1) / chunkSize)
	objectKey := uuid.NewString()

	var uploadID string
	err := retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(objectKey),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		uploadID = aws.ToString(resp.UploadId)
		return nil, true
	})
	if err != nil {
		return Session{}, err
	}

	transferID := objectKey + ":" + uploadID
	c.mu.Lock()
	c.sessions[transferID] = manifest{
		DisplayName:    params.DisplayName,
		ChunkSizeBytes: chunkSize,
		PartCount:      totalParts,
		ExpiresAt:      time.Now().Add(c.expiry).UTC().Format(time.RFC3339),
	}
	c.mu.Unlock()

	return Session{
		TransferID:     transferID,
		PlainChunkSize: chunkSize,
		TotalParts:     totalParts,
	}, nil
}

// UploadPart stores one frame. The scheduler owns the retry budget for
// parts, so no retry wrapper here.
func (c *S3Client) UploadPart(ctx context.Context, transferID string, partNumber int, body []byte) (string, error) {
	objectKey, uploadID, err := splitTransferID(transferID)
	if err != nil {
		return "", err
	}

	resp, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(objectKey),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	return aws.ToString(resp.ETag), nil
}

// Finalize completes the multipart upload and persists the manifest object.
func (c *S3Client) Finalize(ctx context.Context, transferID string, parts []partscheduler.Part) (string, error) {
	objectKey, uploadID, err := splitTransferID(transferID)
	if err != nil {
		return "", err
	}

	sorted := make([]partscheduler.Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, part := range sorted {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(part.Number)),
			ETag:       aws.String(part.ETag),
		})
	}

	err = retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(objectKey),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}

	if err := c.putManifest(ctx, transferID, objectKey); err != nil {
		return "", err
	}
	return objectKey, nil
}

func (c *S3Client) putManifest(ctx context.Context, transferID, objectKey string) error {
	c.mu.Lock()
	mf, ok := c.sessions[transferID]
	delete(c.sessions, transferID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session state for transfer %s", transferID)
	}

	body, err := json.Marshal(mf)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	return retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(objectKey + manifestSuffix),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("upload manifest: %w", err), false
		}
		return nil, true
	})
}

// Abort tears down the remote multipart session. It is safe to call after
// finalize or when the session never fully came up: S3's NoSuchUpload is
// swallowed.
func (c *S3Client) Abort(ctx context.Context, transferID string) error {
	objectKey, uploadID, err := splitTransferID(transferID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, transferID)
	c.mu.Unlock()

	_, err = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(objectKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// Metadata reads the manifest back and presigns a download URL for the
// ciphertext object.
func (c *S3Client) Metadata(ctx context.Context, transferID string) (Metadata, error) {
	objectKey := transferID
	if key, _, err := splitTransferID(transferID); err == nil {
		objectKey = key
	}

	var mf manifest
	err := retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(objectKey + manifestSuffix),
		})
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return ErrTransferNotFound, true
			}
			return fmt.Errorf("get manifest: %w", err), false
		}
		defer resp.Body.Close() //nolint:errcheck
		if err := json.NewDecoder(resp.Body).Decode(&mf); err != nil {
			return fmt.Errorf("decode manifest: %w", err), true
		}
		return nil, true
	})
	if err != nil {
		return Metadata{}, err
	}

	expiresAt, err := time.Parse(time.RFC3339, mf.ExpiresAt)
	if err != nil {
		return Metadata{}, fmt.Errorf("parse expires_at: %w", err)
	}

	presigned, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(presignedURLValid))
	if err != nil {
		return Metadata{}, fmt.Errorf("presign download url: %w", err)
	}

	return Metadata{
		DisplayName:    mf.DisplayName,
		PlainChunkSize: mf.ChunkSizeBytes,
		TotalParts:     mf.PartCount,
		ExpiresAt:      expiresAt,
		SourceURL:      presigned.URL,
	}, nil
}

// planChunkSize picks the plaintext chunk size for a transfer of the given
// total size: large enough to keep the part count within the service limit,
// bounded to keep per-part memory reasonable.
func planChunkSize(totalSize int64) int64 {
	chunkSize := int64(s3MinChunkSize)

	if totalSize/chunkSize >= s3MaxParts {
		chunkSize = (totalSize + s3MaxParts - 1) / s3MaxParts
		// Round up to a whole MiB.
		const mib = 1024 * 1024
		chunkSize = (chunkSize + mib - 1) / mib * mib
	}

	if chunkSize > s3MaxChunkSize {
		chunkSize = s3MaxChunkSize
	}
	return chunkSize
}

func splitTransferID(transferID string) (objectKey, uploadID string, err error) {
	index := strings.IndexByte(transferID, ':')
	if index <= 0 || index == len(transferID)-1 {
		return "", "", fmt.Errorf("malformed transfer ID: %q", transferID)
	}
	return transferID[:index], transferID[index+1:], nil
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

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
