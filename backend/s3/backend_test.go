package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/grokify/omniuri"
)

// fakeStore is an in-process stand-in for an S3 endpoint shared by every
// client the factory hands out.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	holds   map[string]types.ObjectLockLegalHoldStatus

	// privateCreds makes signed reads fail as if the credentials belonged
	// to another account; unsigned reads succeed.
	privateCreds bool

	// transient is the number of SlowDown errors returned before success.
	transient int

	// holdFailures fails that many PutObjectLegalHold calls after the
	// request reached the store.
	holdFailures int

	uploads   map[string]map[int32][]byte
	uploadSeq int
	multipart int

	clients    int
	anonClient int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		holds:   make(map[string]types.ObjectLockLegalHoldStatus),
		uploads: make(map[string]map[int32][]byte),
	}
}

func (s *fakeStore) factory(anonymous bool) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if anonymous {
		s.anonClient++
	} else {
		s.clients++
	}
	return &fakeAPI{store: s, anonymous: anonymous}, nil
}

func (s *fakeStore) put(bucket, key, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = []byte(data)
}

type fakeAPI struct {
	store     *fakeStore
	anonymous bool
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// gate applies the failure knobs; the caller holds the store lock.
func (f *fakeAPI) gate(read bool) error {
	if f.store.transient > 0 {
		f.store.transient--
		return apiError("SlowDown")
	}
	if f.store.privateCreds && !f.anonymous && read {
		return apiError("AccessDenied")
	}
	if f.anonymous && !read {
		return apiError("AccessDenied")
	}
	return nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(true); err != nil {
		return nil, err
	}
	data, ok := f.store.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, apiError("NotFound")
	}
	sum := md5.Sum(data)
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(`"` + hex.EncodeToString(sum[:]) + `"`),
		LastModified:  aws.Time(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(true); err != nil {
		return nil, err
	}
	data, ok := f.store.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	if in.IfNoneMatch != nil {
		if _, exists := f.store.objects[k]; exists {
			return nil, apiError("PreconditionFailed")
		}
	}
	f.store.objects[k] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	if f.store.holds[k] == types.ObjectLockLegalHoldStatusOn {
		return nil, apiError("AccessDenied")
	}
	delete(f.store.objects, k)
	delete(f.store.holds, k)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	src, err := url.PathUnescape(*in.CopySource)
	if err != nil {
		return nil, err
	}
	data, ok := f.store.objects[src]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	f.store.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(true); err != nil {
		return nil, err
	}
	prefix := *in.Bucket + "/" + aws.ToString(in.Prefix)
	var keys []string
	for k := range f.store.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, *in.Bucket+"/"))
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeAPI) GetObjectLegalHold(_ context.Context, in *s3.GetObjectLegalHoldInput, _ ...func(*s3.Options)) (*s3.GetObjectLegalHoldOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	if _, ok := f.store.objects[k]; !ok {
		return nil, apiError("NoSuchKey")
	}
	status := f.store.holds[k]
	if status == "" {
		status = types.ObjectLockLegalHoldStatusOff
	}
	return &s3.GetObjectLegalHoldOutput{LegalHold: &types.ObjectLockLegalHold{Status: status}}, nil
}

func (f *fakeAPI) PutObjectLegalHold(_ context.Context, in *s3.PutObjectLegalHoldInput, _ ...func(*s3.Options)) (*s3.PutObjectLegalHoldOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	if f.store.holdFailures > 0 {
		f.store.holdFailures--
		return nil, apiError("ServiceUnavailable")
	}
	k := *in.Bucket + "/" + *in.Key
	if _, ok := f.store.objects[k]; !ok {
		return nil, apiError("NoSuchKey")
	}
	f.store.holds[k] = in.LegalHold.Status
	return &s3.PutObjectLegalHoldOutput{}, nil
}

func (f *fakeAPI) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if err := f.gate(false); err != nil {
		return nil, err
	}
	f.store.uploadSeq++
	id := fmt.Sprintf("upload-%d", f.store.uploadSeq)
	f.store.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (f *fakeAPI) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	parts, ok := f.store.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	n := aws.ToInt32(in.PartNumber)
	parts[n] = data
	sum := md5.Sum(data)
	return &s3.UploadPartOutput{ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`)}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	id := aws.ToString(in.UploadId)
	parts, ok := f.store.uploads[id]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	var data []byte
	for _, n := range numbers {
		data = append(data, parts[int32(n)]...)
	}
	delete(f.store.uploads, id)
	f.store.objects[*in.Bucket+"/"+*in.Key] = data
	f.store.multipart++
	etag := fmt.Sprintf(`"multipart-%d"`, len(numbers))
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, ETag: aws.String(etag)}, nil
}

func (f *fakeAPI) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	delete(f.store.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newFakeBackend(t *testing.T, cfg Config) (*Backend, *fakeStore, *omniuri.Registry) {
	t.Helper()
	store := newFakeStore()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.ReleaseDelay == 0 {
		cfg.ReleaseDelay = time.Millisecond
	}
	backend, err := New(cfg, WithClientFactory(store.factory))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: backend})
	t.Cleanup(func() { _ = reg.Close() })
	return backend, store, reg
}

func TestValid(t *testing.T) {
	backend, _, _ := newFakeBackend(t, DefaultConfig())

	tests := []struct {
		raw  string
		want bool
	}{
		{"s3://bucket/key.txt", true},
		{"s3://bucket", true},
		{"s3:///key", false},
		{"s3:/bucket/key", false},
		{"/tmp/a.txt", false},
		{"mem://a", false},
	}
	for _, tt := range tests {
		if got := backend.Valid(tt.raw); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSplitURI(t *testing.T) {
	tests := []struct {
		raw, bucket, key string
		wantErr          bool
	}{
		{"s3://b/k", "b", "k", false},
		{"s3://b/dir/file.json", "b", "dir/file.json", false},
		{"s3://b", "b", "", false},
		{"s3://b/", "b", "", false},
		{"s3://", "", "", true},
		{"gs://b/k", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := splitURI(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("splitURI(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("splitURI(%q) = %q, %q; want %q, %q", tt.raw, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestCopySource(t *testing.T) {
	got := copySource("bucket", "dir/a file+1.txt")
	if got != "bucket/dir/a%20file+1.txt" {
		t.Errorf("copySource = %q", got)
	}
}

func TestEtagMD5(t *testing.T) {
	tests := []struct {
		etag *string
		want string
	}{
		{nil, ""},
		{aws.String(`"5eb63bbbe01eeed093cb22bb8f5acdc3"`), "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{aws.String(`"5eb63bbbe01eeed093cb22bb8f5acdc3-2"`), ""},
		{aws.String(`"not-a-digest"`), ""},
	}
	for _, tt := range tests {
		if got := etagMD5(tt.etag); got != tt.want {
			t.Errorf("etagMD5(%v) = %q, want %q", aws.ToString(tt.etag), got, tt.want)
		}
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{"NoSuchKey", omniuri.IsNotFound},
		{"NotFound", omniuri.IsNotFound},
		{"NoSuchBucket", omniuri.IsNotFound},
		{"AccessDenied", omniuri.IsPermissionDenied},
		{"InvalidAccessKeyId", omniuri.IsPermissionDenied},
		{"SlowDown", omniuri.IsTransient},
		{"ServiceUnavailable", omniuri.IsTransient},
		{"InternalError", omniuri.IsTransient},
	}
	for _, tt := range tests {
		err := translateError(apiError(tt.code), "b", "k")
		if !tt.check(err) {
			t.Errorf("translateError(%s) = %v, wrong class", tt.code, err)
		}
	}

	if translateError(nil, "b", "k") != nil {
		t.Error("translateError(nil) != nil")
	}

	other := translateError(errors.New("boom"), "b", "k")
	if omniuri.IsNotFound(other) || omniuri.IsTransient(other) || omniuri.IsPermissionDenied(other) {
		t.Errorf("unclassified error was classified: %v", other)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tag != Tag {
		t.Errorf("Tag = %q, want %q", cfg.Tag, Tag)
	}
	if !cfg.AnonymousFallback {
		t.Error("AnonymousFallback = false, want true")
	}
	if cfg.MaxRetries != 3 || cfg.RetryDelay != time.Second {
		t.Errorf("retry defaults = %d, %s", cfg.MaxRetries, cfg.RetryDelay)
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]string{
		"region":             "eu-west-1",
		"endpoint":           "http://localhost:9000",
		"use_path_style":     "true",
		"anonymous_fallback": "false",
		"max_retries":        "7",
		"retry_delay":        "250ms",
		"access_key_id":      "AKID",
		"secret_access_key":  "SECRET",
	})

	if cfg.Region != "eu-west-1" {
		t.Errorf("Region = %q", cfg.Region)
	}
	if cfg.Endpoint != "http://localhost:9000" || !cfg.UsePathStyle {
		t.Errorf("endpoint config = %q, %v", cfg.Endpoint, cfg.UsePathStyle)
	}
	if cfg.AnonymousFallback {
		t.Error("AnonymousFallback = true, want false")
	}
	if cfg.MaxRetries != 7 || cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry = %d, %s", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.AccessKeyID != "AKID" || cfg.SecretAccessKey != "SECRET" {
		t.Error("credentials not read")
	}

	bad := ConfigFromMap(map[string]string{"max_retries": "-1", "retry_delay": "soon"})
	if bad.MaxRetries != 3 || bad.RetryDelay != time.Second {
		t.Errorf("invalid values should keep defaults, got %d, %s", bad.MaxRetries, bad.RetryDelay)
	}
}

func TestWriteReadStat(t *testing.T) {
	backend, _, reg := newFakeBackend(t, DefaultConfig())
	ctx := context.Background()
	u := reg.Resolve("s3://bucket/dir/hello.txt", 0)

	w, err := backend.NewWriter(ctx, u)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := backend.NewReader(ctx, u)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}

	info, err := backend.Stat(ctx, u)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != 11 || info.MD5 != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("Stat = %+v", info)
	}

	if _, err := backend.Stat(ctx, reg.Resolve("s3://bucket/dir/", 0)); !omniuri.IsNotFound(err) {
		t.Errorf("Stat of prefix = %v, want ErrNotFound", err)
	}
}

func TestWriterAbort(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	w, err := backend.NewWriter(context.Background(), reg.Resolve("s3://bucket/aborted", 0))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	_, _ = w.Write([]byte("partial"))
	if err := w.(omniuri.Aborter).Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("objects after abort = %d, want 0", len(store.objects))
	}
}

func TestWriterRemovesSpool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	backend, store, reg := newFakeBackend(t, cfg)
	ctx := context.Background()

	for _, abort := range []bool{false, true} {
		w, err := backend.NewWriter(ctx, reg.Resolve("s3://bucket/spooled", 0))
		if err != nil {
			t.Fatalf("NewWriter failed: %v", err)
		}
		if _, err := w.Write([]byte("spooled")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if abort {
			err = w.(omniuri.Aborter).Abort()
		} else {
			err = w.Close()
		}
		if err != nil {
			t.Fatalf("finish (abort=%v) failed: %v", abort, err)
		}
		entries, _ := os.ReadDir(cfg.TempDir)
		if len(entries) != 0 {
			t.Errorf("abort=%v: %d spool files left", abort, len(entries))
		}
	}
	if string(store.objects["bucket/spooled"]) != "spooled" {
		t.Errorf("content = %q", store.objects["bucket/spooled"])
	}
}

func TestWriterLargeObject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartSize = 5 * 1024 * 1024
	backend, store, reg := newFakeBackend(t, cfg)
	data := bytes.Repeat([]byte("0123456789abcdef"), 2*1024*1024) // 32 MiB

	w, err := backend.NewWriter(context.Background(), reg.Resolve("s3://bucket/big.bin", 0))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !bytes.Equal(store.objects["bucket/big.bin"], data) {
		t.Errorf("stored %d bytes, want %d", len(store.objects["bucket/big.bin"]), len(data))
	}
	if len(store.uploads) != 0 {
		t.Errorf("%d multipart uploads left open", len(store.uploads))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	store.put("bucket", "a", "x")
	u := reg.Resolve("s3://bucket/a", 0)

	for i := 0; i < 2; i++ {
		if err := backend.Delete(context.Background(), u); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}
}

func TestList(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	store.put("bucket", "data/a.json", "1")
	store.put("bucket", "data/sub/b.json", "2")
	store.put("bucket", "data/sub/", "")
	store.put("bucket", "database.json", "3")

	got, err := backend.List(context.Background(), reg.Resolve("s3://bucket/data", 0))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"s3://bucket/data/a.json", "s3://bucket/data/sub/b.json"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestTransientRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	backend, store, reg := newFakeBackend(t, cfg)
	store.put("bucket", "k", "v")
	store.transient = 2

	if _, err := backend.Stat(context.Background(), reg.Resolve("s3://bucket/k", 0)); err != nil {
		t.Fatalf("Stat after transient errors failed: %v", err)
	}

	store.transient = 10
	_, err := backend.Stat(context.Background(), reg.Resolve("s3://bucket/k", 0))
	if !omniuri.IsTransient(err) || !omniuri.IsRetryError(err) {
		t.Errorf("Stat with persistent SlowDown = %v, want exhausted transient retries", err)
	}
}

func TestAnonymousFallback(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	store.put("public", "file.txt", "open data")
	store.privateCreds = true
	ctx := context.Background()
	u := reg.Resolve("s3://public/file.txt", 0)

	if _, err := backend.Stat(ctx, u); err != nil {
		t.Fatalf("Stat with fallback failed: %v", err)
	}
	if store.anonClient != 1 {
		t.Errorf("anonymous clients = %d, want 1", store.anonClient)
	}

	r, err := backend.NewReader(ctx, u)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	r.Close()
	if store.anonClient != 1 {
		t.Errorf("anonymous client not reused: %d", store.anonClient)
	}

	// writes stay signed even on a bucket marked public
	w, _ := backend.NewWriter(ctx, reg.Resolve("s3://public/new.txt", 0))
	_, _ = w.Write([]byte("x"))
	if err := w.Close(); err != nil {
		t.Fatalf("signed write failed: %v", err)
	}
}

func TestAnonymousFallbackDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousFallback = false
	backend, store, reg := newFakeBackend(t, cfg)
	store.put("public", "file.txt", "open data")
	store.privateCreds = true

	_, err := backend.Stat(context.Background(), reg.Resolve("s3://public/file.txt", 0))
	if !omniuri.IsPermissionDenied(err) {
		t.Errorf("Stat = %v, want ErrPermissionDenied", err)
	}
	if store.anonClient != 0 {
		t.Errorf("anonymous clients = %d, want 0", store.anonClient)
	}
}

func TestClientsPerThread(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	store.put("bucket", "k", "v")
	ctx := context.Background()

	for _, tid := range []int{0, 1, 0, 1, 2} {
		if _, err := backend.Stat(ctx, reg.Resolve("s3://bucket/k", tid)); err != nil {
			t.Fatalf("Stat on thread %d failed: %v", tid, err)
		}
	}
	if store.clients != 3 {
		t.Errorf("clients = %d, want 3", store.clients)
	}

	reg.ResetClients()
	if _, err := backend.Stat(ctx, reg.Resolve("s3://bucket/k", 0)); err != nil {
		t.Fatalf("Stat after reset failed: %v", err)
	}
	if store.clients != 4 {
		t.Errorf("clients after reset = %d, want 4", store.clients)
	}
}

func TestTryHold(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	ctx := context.Background()
	lock := reg.Resolve("s3://bucket/data.json.lock", 0)

	ok, err := backend.TryHold(ctx, lock, "owner-1")
	if err != nil || !ok {
		t.Fatalf("TryHold = %v, %v; want true, nil", ok, err)
	}
	if store.holds["bucket/data.json.lock"] != types.ObjectLockLegalHoldStatusOn {
		t.Error("legal hold not set")
	}
	ok, err = backend.TryHold(ctx, lock, "owner-2")
	if err != nil || ok {
		t.Fatalf("contended TryHold = %v, %v; want false, nil", ok, err)
	}

	if err := backend.Delete(ctx, lock); !omniuri.IsPermissionDenied(err) {
		t.Errorf("Delete of held lock = %v, want ErrPermissionDenied", err)
	}
	if err := backend.ClearHold(ctx, lock); err != nil {
		t.Fatalf("ClearHold failed: %v", err)
	}
	if err := backend.Delete(ctx, lock); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := backend.ClearHold(ctx, lock); err != nil {
		t.Errorf("ClearHold of missing lock = %v, want nil", err)
	}

	ok, err = backend.TryHold(ctx, lock, "owner-2")
	if err != nil || !ok {
		t.Fatalf("TryHold after release = %v, %v; want true, nil", ok, err)
	}
}

func TestLockThroughRegistry(t *testing.T) {
	_, store, reg := newFakeBackend(t, DefaultConfig())
	ctx := context.Background()
	u := reg.Resolve("s3://bucket/guarded.json", 0)
	opts := omniuri.LockOptions{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}

	err := reg.WithLock(ctx, u, opts, func(ctx context.Context) error {
		if _, err := reg.Lock(ctx, u, opts); !errors.Is(err, omniuri.ErrLockTimeout) {
			t.Errorf("nested Lock = %v, want ErrLockTimeout", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if _, ok := store.objects["bucket/guarded.json.lock"]; ok {
		t.Error("lock object left behind")
	}
}

func TestLockAfterFailedHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	_, store, reg := newFakeBackend(t, cfg)
	store.holdFailures = 1
	ctx := context.Background()
	u := reg.Resolve("s3://bucket/a.json", 0)

	l, err := reg.Lock(ctx, u, omniuri.LockOptions{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock after a failed hold = %v, want the lock", err)
	}
	if store.holds["bucket/a.json.lock"] != types.ObjectLockLegalHoldStatusOn {
		t.Error("legal hold not set")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("objects left after release = %d, want 0", len(store.objects))
	}
}

func TestTryHoldRemovesUnheldObject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	backend, store, reg := newFakeBackend(t, cfg)
	store.holdFailures = 1
	lock := reg.Resolve("s3://bucket/b.json.lock", 0)

	ok, err := backend.TryHold(context.Background(), lock, "owner-1")
	if ok || !omniuri.IsTransient(err) {
		t.Fatalf("TryHold = %v, %v; want false, ErrTransient", ok, err)
	}
	if _, exists := store.objects["bucket/b.json.lock"]; exists {
		t.Error("unheld lock object left behind")
	}
}

func TestTransfer(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	store.put("src", "dir/a b.bin", "payload")

	err := backend.Transfer(context.Background(),
		reg.Resolve("s3://src/dir/a b.bin", 0),
		reg.Resolve("s3://dst/copy.bin", 0))
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if string(store.objects["dst/copy.bin"]) != "payload" {
		t.Errorf("copied content = %q", store.objects["dst/copy.bin"])
	}
}

func TestUploadFile(t *testing.T) {
	backend, store, reg := newFakeBackend(t, DefaultConfig())
	path := filepath.ToSlash(filepath.Join(t.TempDir(), "up.txt"))
	if err := os.WriteFile(path, []byte("uploaded"), 0644); err != nil {
		t.Fatal(err)
	}
	store.transient = 1

	// path does not resolve on this registry; only its string is used
	src := reg.Resolve(path, 0)
	if err := backend.UploadFile(context.Background(), src, reg.Resolve("s3://bucket/up.txt", 0)); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if string(store.objects["bucket/up.txt"]) != "uploaded" {
		t.Errorf("uploaded content = %q", store.objects["bucket/up.txt"])
	}
}

func TestPresignedURL(t *testing.T) {
	backend, err := New(Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: backend})
	u := reg.Resolve("s3://bucket/dir/file.txt", 0)

	first, err := backend.PresignedURL(context.Background(), u, time.Hour)
	if err != nil {
		t.Fatalf("PresignedURL failed: %v", err)
	}
	if !strings.Contains(first, "/bucket/dir/file.txt") || !strings.Contains(first, "X-Amz-Signature") {
		t.Errorf("unexpected presigned URL %q", first)
	}

	second, _ := backend.PresignedURL(context.Background(), u, time.Hour)
	if second != first {
		t.Error("presigned URL not reused from cache")
	}

	if _, err := backend.PresignedURL(context.Background(), u, 0); err == nil {
		t.Error("PresignedURL with zero expiry succeeded")
	}
}

func TestClose(t *testing.T) {
	backend, _, reg := newFakeBackend(t, DefaultConfig())
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := backend.Stat(context.Background(), reg.Resolve("s3://bucket/k", 0))
	if !errors.Is(err, omniuri.ErrBackendClosed) {
		t.Errorf("Stat after Close = %v, want ErrBackendClosed", err)
	}
}

// Integration tests against a real S3-compatible service. Set:
//   - OMNIURI_S3_TEST_BUCKET: bucket name
//   - OMNIURI_S3_TEST_REGION, OMNIURI_S3_TEST_ENDPOINT: optional
//   - AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY: credentials
func TestIntegrationWriteRead(t *testing.T) {
	bucket := os.Getenv("OMNIURI_S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("OMNIURI_S3_TEST_BUCKET not set, skipping integration test")
	}
	cfg := ConfigFromEnv()
	if v := os.Getenv("OMNIURI_S3_TEST_REGION"); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv("OMNIURI_S3_TEST_ENDPOINT"); v != "" {
		cfg.Endpoint = v
		cfg.UsePathStyle = true
	}
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: backend})
	defer reg.Close()

	ctx := context.Background()
	key := fmt.Sprintf("s3://%s/omniuri-test-%s/hello.txt", bucket, time.Now().Format("20060102-150405"))
	u := reg.Resolve(key, 0)

	if err := u.Write(ctx, []byte("hello"), omniuri.WriteOptions{NoLock: true}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	defer func() { _ = backend.Delete(ctx, u) }()

	got, err := u.ReadString(ctx)
	if err != nil {
		t.Fatalf("ReadString failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}
