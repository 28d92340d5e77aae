// Package s3 provides the S3-compatible object storage backend for omniuri.
//
// Identities look like "s3://bucket/path/to/key". One backend serves every
// bucket. Clients are memoized per caller thread id; read-only operations
// denied with the configured credentials are retried once unsigned, which
// makes public buckets readable without credentials.
//
// Basic usage:
//
//	backend, err := s3.New(s3.Config{Region: "us-east-1"})
//	reg.Register(omniuri.Descriptor{Backend: backend, LocPrefix: "s3://bucket/cache/"})
//
// For S3-compatible services:
//
//	backend, err := s3.New(s3.Config{
//	    Endpoint:     "http://localhost:9000",
//	    UsePathStyle: true,
//	})
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/grokify/omniuri"
)

const (
	// Tag is the default backend tag.
	Tag = "s3"

	// Scheme is the identity prefix this backend accepts.
	Scheme = "s3://"
)

// API is the subset of *s3.Client the backend uses. The multipart calls
// serve the transfer manager.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObjectLegalHold(ctx context.Context, in *s3.GetObjectLegalHoldInput, optFns ...func(*s3.Options)) (*s3.GetObjectLegalHoldOutput, error)
	PutObjectLegalHold(ctx context.Context, in *s3.PutObjectLegalHoldInput, optFns ...func(*s3.Options)) (*s3.PutObjectLegalHoldOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ClientFactory builds a client. anonymous asks for unsigned requests.
type ClientFactory func(anonymous bool) (API, error)

// Option configures a Backend.
type Option func(*Backend)

// WithClientFactory replaces the AWS client construction, e.g. with a fake
// in tests.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Backend) {
		b.factory = f
	}
}

// Backend implements omniuri.Backend for S3-compatible storage.
type Backend struct {
	config  Config
	awsCfg  aws.Config
	factory ClientFactory
	retry   omniuri.RetryConfig
	lock    *omniuri.HoldLock

	clientsMu sync.Mutex
	clients   map[int]API
	anon      map[int]API
	public    map[string]bool // buckets readable only anonymously

	presignMu sync.Mutex
	presigner *s3.PresignClient
	presigned map[string]presignEntry

	closed bool
	mu     sync.RWMutex
}

// New creates a new S3 backend with the given configuration.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Tag == "" {
		cfg.Tag = Tag
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	b := &Backend{
		config:    cfg,
		clients:   make(map[int]API),
		anon:      make(map[int]API),
		public:    make(map[string]bool),
		presigned: make(map[string]presignEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.retry = omniuri.RetryConfig{
		MaxRetries:      cfg.MaxRetries,
		Delay:           cfg.RetryDelay,
		RetryableErrors: omniuri.IsTransient,
	}
	b.lock = &omniuri.HoldLock{
		Holder:         b,
		ReleaseRetries: cfg.ReleaseRetries,
		ReleaseDelay:   cfg.ReleaseDelay,
		Logger:         cfg.Logger,
	}

	if b.factory == nil {
		awsCfg, err := loadAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		b.awsCfg = awsCfg
		b.factory = b.newClient
	}
	return b, nil
}

// NewFromMap creates a new S3 backend from a config map.
func NewFromMap(m map[string]string) (*Backend, error) {
	return New(ConfigFromMap(m))
}

func loadAWSConfig(cfg Config) (aws.Config, error) {
	var optFns []func(*config.LoadOptions) error

	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("s3: loading AWS config: %w", err)
	}
	return awsCfg, nil
}

func (b *Backend) clientOptions(anonymous bool) func(*s3.Options) {
	return func(o *s3.Options) {
		if b.config.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.config.Endpoint)
		}
		if b.config.UsePathStyle {
			o.UsePathStyle = true
		}
		if anonymous {
			o.Credentials = aws.AnonymousCredentials{}
		}
		// retries are ours so transient errors surface with our policy
		o.RetryMaxAttempts = 1
	}
}

func (b *Backend) newClient(anonymous bool) (API, error) {
	return s3.NewFromConfig(b.awsCfg, b.clientOptions(anonymous)), nil
}

// client returns the memoized client for a thread id.
func (b *Backend) client(threadID int, anonymous bool) (API, error) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	cache := b.clients
	if anonymous {
		cache = b.anon
	}
	if c, ok := cache[threadID]; ok {
		return c, nil
	}
	c, err := b.factory(anonymous)
	if err != nil {
		return nil, fmt.Errorf("s3: creating client: %w", err)
	}
	cache[threadID] = c
	return c, nil
}

// ResetClients drops every memoized client and presigned URL.
func (b *Backend) ResetClients() {
	b.clientsMu.Lock()
	b.clients = make(map[int]API)
	b.anon = make(map[int]API)
	b.public = make(map[string]bool)
	b.clientsMu.Unlock()

	b.presignMu.Lock()
	b.presigner = nil
	b.presigned = make(map[string]presignEntry)
	b.presignMu.Unlock()
}

func (b *Backend) isPublic(bucket string) bool {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	return b.public[bucket]
}

func (b *Backend) markPublic(bucket string) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	b.public[bucket] = true
}

// call runs op with the thread's client, retrying transient errors. A
// read-only op denied with credentials is retried once anonymously; on
// success the bucket is remembered as public for later reads.
func (b *Backend) call(ctx context.Context, u omniuri.URI, bucket, key string, readOnly bool, op func(API) error) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	anonymous := readOnly && b.isPublic(bucket)
	err := b.attempt(ctx, u, bucket, key, anonymous, op)
	if err == nil || anonymous || !readOnly || !b.config.AnonymousFallback || !omniuri.IsPermissionDenied(err) {
		return err
	}

	if err := b.attempt(ctx, u, bucket, key, true, op); err != nil {
		return err
	}
	b.markPublic(bucket)
	return nil
}

func (b *Backend) attempt(ctx context.Context, u omniuri.URI, bucket, key string, anonymous bool, op func(API) error) error {
	c, err := b.client(u.ThreadID(), anonymous)
	if err != nil {
		return err
	}
	return omniuri.Retry(ctx, b.retry, func() error {
		return translateError(op(c), bucket, key)
	})
}

// Tag returns the backend tag.
func (b *Backend) Tag() string {
	return b.config.Tag
}

// Valid accepts "s3://bucket/..." identities.
func (b *Backend) Valid(raw string) bool {
	_, _, err := splitURI(raw)
	return err == nil
}

// LockStrategy returns the legal-hold lock strategy.
func (b *Backend) LockStrategy() omniuri.LockStrategy {
	return b.lock
}

// Stat returns size, mtime and the ETag as MD5 for single-part objects.
func (b *Backend) Stat(ctx context.Context, u omniuri.URI) (omniuri.ObjectInfo, error) {
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return omniuri.ObjectInfo{}, fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	}

	var out *s3.HeadObjectOutput
	err = b.call(ctx, u, bucket, key, true, func(c API) error {
		var err error
		out, err = c.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}

	info := omniuri.ObjectInfo{Size: -1}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	info.MD5 = etagMD5(out.ETag)
	return info, nil
}

// etagMD5 returns the ETag if it is a plain MD5 (not a multipart ETag).
func etagMD5(etag *string) string {
	if etag == nil {
		return ""
	}
	e := strings.Trim(*etag, "\"")
	if strings.Contains(e, "-") {
		return ""
	}
	return omniuri.ParseMD5(e)
}

// NewReader streams the object body.
func (b *Backend) NewReader(ctx context.Context, u omniuri.URI) (io.ReadCloser, error) {
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return nil, err
	}

	var out *s3.GetObjectOutput
	err = b.call(ctx, u, bucket, key, true, func(c API) error {
		var err error
		out, err = c.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// NewWriter spools content to a temporary file and uploads it through the
// transfer manager on Close, in parts when it is large.
func (b *Backend) NewWriter(ctx context.Context, u omniuri.URI) (io.WriteCloser, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key in %s", omniuri.ErrInvalidPath, u)
	}

	spool, err := os.CreateTemp(b.config.TempDir, ".omniuri-s3-*")
	if err != nil {
		return nil, fmt.Errorf("s3: spool for %s: %w", u, err)
	}
	return &s3Writer{
		backend: b,
		ctx:     ctx,
		uri:     u,
		bucket:  bucket,
		key:     key,
		spool:   spool,
	}, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (b *Backend) Delete(ctx context.Context, u omniuri.URI) error {
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return err
	}

	err = b.call(ctx, u, bucket, key, false, func(c API) error {
		_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if omniuri.IsNotFound(err) {
		return nil
	}
	return err
}

// List returns every object key below the prefix u as s3 identities.
// Directory marker objects (keys ending in "/") are skipped.
func (b *Backend) List(ctx context.Context, u omniuri.URI) ([]string, error) {
	bucket, prefix, err := splitURI(u.String())
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var paths []string
	err = b.call(ctx, u, bucket, prefix, true, func(c API) error {
		paths = paths[:0]
		paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
					continue
				}
				paths = append(paths, Scheme+bucket+"/"+*obj.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Transfer copies between two s3 identities with server-side CopyObject.
// It is registered as the s3 to s3 entry of the transfer matrix.
func (b *Backend) Transfer(ctx context.Context, src, dst omniuri.URI) error {
	srcBucket, srcKey, err := splitURI(src.String())
	if err != nil {
		return err
	}
	dstBucket, dstKey, err := splitURI(dst.String())
	if err != nil {
		return err
	}

	return b.call(ctx, dst, dstBucket, dstKey, false, func(c API) error {
		_, err := c.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(copySource(srcBucket, srcKey)),
		})
		return err
	})
}

// UploadFile uploads a local file to an s3 identity. It is registered as
// the pull entry for local to s3 transfers.
func (b *Backend) UploadFile(ctx context.Context, src, dst omniuri.URI) error {
	bucket, key, err := splitURI(dst.String())
	if err != nil {
		return err
	}

	f, err := os.Open(src.String())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", omniuri.ErrNotFound, src)
		}
		return fmt.Errorf("s3: opening %s: %w", src, err)
	}
	defer f.Close()

	return b.upload(ctx, dst, bucket, key, f)
}

// upload sends f through the transfer manager, which switches to a
// multipart upload above its threshold. Every attempt rewinds f.
func (b *Backend) upload(ctx context.Context, u omniuri.URI, bucket, key string, f *os.File) error {
	return b.call(ctx, u, bucket, key, false, func(c API) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		tm := transfermanager.New(c, func(o *transfermanager.Options) {
			o.PartSizeBytes = b.config.PartSize
			o.Concurrency = b.config.Concurrency
		})
		_, err := tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		return err
	})
}

// Close releases any resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// checkClosed returns an error if the backend is closed.
func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return omniuri.ErrBackendClosed
	}
	return nil
}

// splitURI splits "s3://bucket/key" into bucket and key.
func splitURI(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	return bucket, key, nil
}

// copySource URL-encodes "bucket/key" for CopyObject.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// translateError converts S3 errors to omniuri errors.
func translateError(err error, bucket, key string) error {
	if err == nil {
		return nil
	}
	where := Scheme + bucket + "/" + key

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %s", omniuri.ErrNotFound, where)
		case "NoSuchBucket":
			return fmt.Errorf("%w: bucket %s: %w", omniuri.ErrNotFound, bucket, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fmt.Errorf("%w: %s: %w", omniuri.ErrPermissionDenied, where, err)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "GatewayTimeout":
			return fmt.Errorf("%w: %s: %w", omniuri.ErrTransient, where, err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case 404:
			return fmt.Errorf("%w: %s", omniuri.ErrNotFound, where)
		case 403:
			return fmt.Errorf("%w: %s: %w", omniuri.ErrPermissionDenied, where, err)
		case 500, 502, 503, 504:
			return fmt.Errorf("%w: %s: %w", omniuri.ErrTransient, where, err)
		}
	}

	return fmt.Errorf("s3: %s: %w", where, err)
}

// s3Writer spools content to a local file and uploads it on Close.
type s3Writer struct {
	backend *Backend
	ctx     context.Context
	uri     omniuri.URI
	bucket  string
	key     string
	spool   *os.File
	closed  bool
	mu      sync.Mutex
}

func (w *s3Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, omniuri.ErrWriterClosed
	}
	return w.spool.Write(p)
}

func (w *s3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	defer w.discard()

	return w.backend.upload(w.ctx, w.uri, w.bucket, w.key, w.spool)
}

// Abort drops the spool without uploading.
func (w *s3Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.discard()
}

func (w *s3Writer) discard() error {
	name := w.spool.Name()
	return errors.Join(w.spool.Close(), os.Remove(name))
}

// Ensure Backend implements the omniuri interfaces.
var (
	_ omniuri.Backend        = (*Backend)(nil)
	_ omniuri.Holder         = (*Backend)(nil)
	_ omniuri.Presigner      = (*Backend)(nil)
	_ omniuri.ClientResetter = (*Backend)(nil)
	_ omniuri.Aborter        = (*s3Writer)(nil)
	_ API                    = (*s3.Client)(nil)
)
