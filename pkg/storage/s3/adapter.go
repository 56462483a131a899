// Package s3 provides an S3 implementation of the storage transport.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/tardis-ingest/pkg/checksum"
	"github.com/txn2/tardis-ingest/pkg/storage"
)

// ErrETagMismatch is returned when the stored object's ETag does not match
// the local file.
var ErrETagMismatch = errors.New("etag mismatch")

// DefaultMultipartThreshold is the upload size above which multipart
// upload is used.
const DefaultMultipartThreshold = 100 << 20

// Config holds S3 adapter configuration.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKeyID  string
	SecretKey    string
	UsePathStyle bool

	// MultipartThreshold is the size above which files are uploaded in
	// parts. It is never below PartSize.
	MultipartThreshold int64

	// PartSize is the multipart block size.
	PartSize int64

	// VerifyETag compares the ETag reported for each stored object with
	// the expected tag of the local file.
	VerifyETag bool

	Concurrency int
	Logger      *slog.Logger
}

// Client defines the S3 operations used by the adapter.
// This interface allows for mocking in tests.
type Client interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *awss3.CreateMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *awss3.UploadPartInput, optFns ...func(*awss3.Options)) (*awss3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *awss3.CompleteMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *awss3.AbortMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
}

// Adapter implements storage.Transport using S3.
type Adapter struct {
	cfg    Config
	client Client
}

// New creates a new S3 adapter with an existing client.
func New(cfg Config, client Client) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = checksum.DefaultBlockSize
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = DefaultMultipartThreshold
	}
	cfg.MultipartThreshold = max(cfg.MultipartThreshold, cfg.PartSize)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = storage.DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
	}, nil
}

// NewFromConfig creates a new S3 adapter with a new client from config.
func NewFromConfig(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(cfg, client)
}

// Name returns the transport name.
func (*Adapter) Name() string {
	return "s3"
}

// Protocol returns the replica protocol.
func (*Adapter) Protocol() string {
	return "s3"
}

// Close releases resources.
func (*Adapter) Close() error {
	return nil
}

// Key returns the object key for a relative datafile path.
func (a *Adapter) Key(rel string) string {
	if a.cfg.Prefix == "" {
		return rel
	}
	return path.Join(a.cfg.Prefix, rel)
}

// Transfer uploads files from src to the bucket. With VerifyETag set each
// upload is checked against the expected tag of the local file.
func (a *Adapter) Transfer(ctx context.Context, src string, files []storage.File) error {
	var (
		mu       sync.Mutex
		failures []storage.FileFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, f := range files {
		g.Go(func() error {
			err := gctx.Err()
			if err == nil {
				err = a.upload(gctx, src, f)
			}
			if err != nil {
				a.cfg.Logger.Warn("file transfer failed", "transport", a.Name(), "path", f.Path, "error", err)
				mu.Lock()
				failures = append(failures, storage.FileFailure{Path: f.Path, Err: err})
				mu.Unlock()
				return nil
			}
			a.cfg.Logger.Debug("file transferred", "transport", a.Name(), "bucket", a.cfg.Bucket, "key", a.Key(f.Path))
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })
	return &storage.TransferError{Transport: a.Name(), Failures: failures}
}

func (a *Adapter) upload(ctx context.Context, src string, f storage.File) error {
	rel := filepath.FromSlash(f.Path)
	if f.Path == "" || !filepath.IsLocal(rel) {
		return fmt.Errorf("invalid relative path %q", f.Path)
	}
	local := filepath.Join(src, rel)

	file, err := os.Open(local) //nolint:gosec // path is validated above
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if f.Size > 0 && info.Size() != f.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, found %d", f.Size, info.Size())
	}

	key := a.Key(f.Path)
	var etag, want string
	blockSize := a.cfg.PartSize
	if info.Size() > a.cfg.MultipartThreshold {
		want = f.ETag
		etag, err = a.multipart(ctx, key, file, info.Size())
	} else {
		// A single PUT reports the plain content MD5.
		want = f.MD5
		blockSize = max(info.Size(), 1)
		etag, err = a.put(ctx, key, file, info.Size())
	}
	if err != nil {
		return err
	}
	if !a.cfg.VerifyETag {
		return nil
	}

	ok, err := matchETag(local, blockSize, want, etag)
	if err != nil {
		return fmt.Errorf("verifying upload: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: s3://%s/%s reported %s", ErrETagMismatch, a.cfg.Bucket, key, etag)
	}
	return nil
}

// matchETag compares the stored tag with want, or with the tag of the local
// file when want is empty.
func matchETag(local string, blockSize int64, want, remote string) (bool, error) {
	if want == "" {
		return checksum.VerifyETag(local, blockSize, remote)
	}
	return strings.EqualFold(checksum.NormalizeETag(want), checksum.NormalizeETag(remote)), nil
}

func (a *Adapter) put(ctx context.Context, key string, file *os.File, size int64) (string, error) {
	out, err := a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (a *Adapter) multipart(ctx context.Context, key string, file *os.File, size int64) (string, error) {
	created, err := a.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("creating multipart upload %s: %w", key, err)
	}
	uploadID := created.UploadId

	parts, err := a.uploadParts(ctx, key, uploadID, file, size)
	if err == nil {
		var out *awss3.CompleteMultipartUploadOutput
		out, err = a.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
			Bucket:          aws.String(a.cfg.Bucket),
			Key:             aws.String(key),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err == nil {
			return aws.ToString(out.ETag), nil
		}
		err = fmt.Errorf("completing multipart upload %s: %w", key, err)
	}

	// The abort uses a fresh context so a canceled transfer still cleans up.
	if _, abortErr := a.client.AbortMultipartUpload(context.WithoutCancel(ctx), &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); abortErr != nil {
		a.cfg.Logger.Warn("aborting multipart upload failed", "key", key, "error", abortErr)
	}
	return "", err
}

func (a *Adapter) uploadParts(ctx context.Context, key string, uploadID *string, file *os.File, size int64) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	for off, n := int64(0), int32(1); off < size; off, n = off+a.cfg.PartSize, n+1 {
		length := min(a.cfg.PartSize, size-off)
		out, err := a.client.UploadPart(ctx, &awss3.UploadPartInput{
			Bucket:        aws.String(a.cfg.Bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(file, off, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			return nil, fmt.Errorf("uploading part %d of %s: %w", n, key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}
	return parts, nil
}

// Verify interface compliance.
var _ storage.Transport = (*Adapter)(nil)
