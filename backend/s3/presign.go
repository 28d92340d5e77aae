package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/grokify/omniuri"
)

type presignEntry struct {
	url     string
	expires time.Time
}

// PresignedURL returns a time-limited GET URL for u. URLs are cached per
// identity and reused while at least half of the requested lifetime remains.
func (b *Backend) PresignedURL(ctx context.Context, u omniuri.URI, expires time.Duration) (string, error) {
	if err := b.checkClosed(); err != nil {
		return "", err
	}
	if expires <= 0 {
		return "", fmt.Errorf("s3: presign expiry must be positive, got %s", expires)
	}
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return "", err
	}

	b.presignMu.Lock()
	defer b.presignMu.Unlock()

	now := time.Now()
	if e, ok := b.presigned[u.String()]; ok && e.expires.Sub(now) >= expires/2 {
		return e.url, nil
	}

	if b.presigner == nil {
		client := s3.NewFromConfig(b.awsCfg, b.clientOptions(false), func(o *s3.Options) {
			if b.config.PresignCredentials != nil {
				o.Credentials = b.config.PresignCredentials
			}
		})
		b.presigner = s3.NewPresignClient(client)
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", translateError(err, bucket, key)
	}

	b.presigned[u.String()] = presignEntry{url: req.URL, expires: now.Add(expires)}
	return req.URL, nil
}
