package s3

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/grokify/omniuri"
)

// TryHold takes the lock object at u. The object is created with a
// conditional PutObject so only one contender wins the create, then a
// legal hold marks it as held. The bucket must have object lock enabled.
//
// An existing lock object is contended whether or not its hold is set:
// an unheld leftover is a release in progress, or a stale lock.
func (b *Backend) TryHold(ctx context.Context, u omniuri.URI, token string) (bool, error) {
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return false, err
	}

	_, err = b.legalHold(ctx, u, bucket, key)
	switch {
	case err == nil:
		return false, nil
	case !omniuri.IsNotFound(err):
		return false, err
	}

	var contended bool
	err = b.call(ctx, u, bucket, key, false, func(c API) error {
		_, err := c.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          strings.NewReader(token),
			ContentLength: aws.Int64(int64(len(token))),
			IfNoneMatch:   aws.String("*"),
		})
		if isPreconditionFailed(err) {
			contended = true
			return nil
		}
		return err
	})
	if err != nil || contended {
		return false, err
	}

	err = b.setLegalHold(ctx, u, bucket, key, types.ObjectLockLegalHoldStatusOn)
	if err != nil {
		// the unheld object would read as contended on every later attempt
		b.dropLockObject(context.WithoutCancel(ctx), u, bucket, key)
		return false, err
	}
	return true, nil
}

// dropLockObject deletes a lock object that never got its hold.
func (b *Backend) dropLockObject(ctx context.Context, u omniuri.URI, bucket, key string) {
	err := b.call(ctx, u, bucket, key, false, func(c API) error {
		_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil && !omniuri.IsNotFound(err) && b.config.Logger != nil {
		b.config.Logger.Warn("s3: removing unheld lock object failed",
			slog.String("uri", u.String()), slog.Any("error", err))
	}
}

// ClearHold turns the legal hold off. A missing lock object is not an error.
func (b *Backend) ClearHold(ctx context.Context, u omniuri.URI) error {
	bucket, key, err := splitURI(u.String())
	if err != nil {
		return err
	}
	err = b.setLegalHold(ctx, u, bucket, key, types.ObjectLockLegalHoldStatusOff)
	if omniuri.IsNotFound(err) {
		return nil
	}
	return err
}

func (b *Backend) legalHold(ctx context.Context, u omniuri.URI, bucket, key string) (types.ObjectLockLegalHoldStatus, error) {
	var status types.ObjectLockLegalHoldStatus
	err := b.call(ctx, u, bucket, key, false, func(c API) error {
		out, err := c.GetObjectLegalHold(ctx, &s3.GetObjectLegalHoldInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		if out.LegalHold != nil {
			status = out.LegalHold.Status
		}
		return nil
	})
	return status, err
}

func (b *Backend) setLegalHold(ctx context.Context, u omniuri.URI, bucket, key string, status types.ObjectLockLegalHoldStatus) error {
	return b.call(ctx, u, bucket, key, false, func(c API) error {
		_, err := c.PutObjectLegalHold(ctx, &s3.PutObjectLegalHoldInput{
			Bucket:    aws.String(bucket),
			Key:       aws.String(key),
			LegalHold: &types.ObjectLockLegalHold{Status: status},
		})
		return err
	})
}

// isPreconditionFailed reports a lost conditional create.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
