package omniuri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"
)

// LockOptions controls lock acquisition.
type LockOptions struct {
	// Timeout bounds how long a contender waits. Default is 60 seconds.
	Timeout time.Duration

	// PollInterval is the fixed delay between attempts. Default is 500ms.
	PollInterval time.Duration
}

// DefaultLockOptions returns lock options with sensible defaults.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:      60 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

func (o LockOptions) withDefaults(d LockOptions) LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// LockStrategy takes and drops lock objects on one backend. The handle
// passed in always names the lock object itself (identity + ".lock").
// Strategies are swappable per registry with SetLockStrategy.
type LockStrategy interface {
	// TryAcquire makes one attempt. It returns false, nil when the lock
	// is held by someone else.
	TryAcquire(ctx context.Context, lock URI, token string) (bool, error)

	// Release drops a lock previously acquired.
	Release(ctx context.Context, lock URI) error
}

// Lock is scoped ownership of a target's lock object.
type Lock struct {
	target   URI
	lock     URI
	token    string
	strategy LockStrategy
	logger   *slog.Logger

	mu       sync.Mutex
	released bool
}

// Target returns the protected handle.
func (l *Lock) Target() URI { return l.target }

// Path returns the lock object identity.
func (l *Lock) Path() string { return l.lock.String() }

// Token returns the owner token written into the lock object.
func (l *Lock) Token() string { return l.token }

// Release drops the lock. Calling it more than once is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true
	if err := l.strategy.Release(ctx, l.lock); err != nil {
		return err
	}
	l.logger.Debug("lock released", slog.String("lock", l.lock.String()))
	return nil
}

// Lock acquires the lock guarding u. Contended and transient failures are
// retried every PollInterval until Timeout; permission errors are returned
// immediately.
func (r *Registry) Lock(ctx context.Context, u URI, opts LockOptions) (*Lock, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	strategy := r.lockStrategy(u)
	if strategy == nil {
		return nil, fmt.Errorf("%w: locking on %s backend", ErrNotSupported, u.Tag())
	}
	opts = opts.withDefaults(r.opts.Lock)

	lock := u.sibling(u.LockPath())
	token := uuid.NewString()
	deadline := time.Now().Add(opts.Timeout)

	for {
		ok, err := strategy.TryAcquire(ctx, lock, token)
		switch {
		case err == nil && ok:
			r.logger.Debug("lock acquired",
				slog.String("lock", lock.String()),
				slog.String("token", token))
			return &Lock{
				target:   u,
				lock:     lock,
				token:    token,
				strategy: strategy,
				logger:   r.logger,
			}, nil
		case err == nil:
			// contended
		case IsPermissionDenied(err):
			return nil, fmt.Errorf("lock %s: %w", lock, err)
		case IsTransient(err) || IsNotFound(err):
			r.logger.Debug("transient error while locking",
				slog.String("lock", lock.String()),
				slog.String("error", err.Error()))
		default:
			return nil, fmt.Errorf("lock %s: %w", lock, err)
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, lock, opts.Timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// WithLock runs fn while holding the lock guarding u. The lock is released
// on every exit path and a release failure is joined to fn's error.
func (r *Registry) WithLock(ctx context.Context, u URI, opts LockOptions, fn func(ctx context.Context) error) error {
	l, err := r.Lock(ctx, u, opts)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	// release even when ctx is already cancelled
	relErr := l.Release(context.WithoutCancel(ctx))
	return errors.Join(fnErr, relErr)
}

// withLock is WithLock with a no-op scope when noLock is set.
func (r *Registry) withLock(ctx context.Context, u URI, noLock bool, opts LockOptions, fn func(ctx context.Context) error) error {
	if noLock {
		return fn(ctx)
	}
	return r.WithLock(ctx, u, opts, fn)
}

// Lock acquires the lock guarding u using the registry defaults.
func (u URI) Lock(ctx context.Context, opts LockOptions) (*Lock, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.reg.Lock(ctx, u, opts)
}

// ExclusiveCreator is implemented by file-like backends that can create an
// object only if it does not exist yet (O_CREATE|O_EXCL).
type ExclusiveCreator interface {
	// CreateExclusive returns false, nil if the object already exists.
	CreateExclusive(ctx context.Context, u URI, data []byte) (bool, error)
	Delete(ctx context.Context, u URI) error
}

// ExclusiveLock is an advisory lock file strategy: the lock is held while
// the lock file exists. Contenders poll; no OS lock syscall is involved.
type ExclusiveLock struct {
	Creator ExclusiveCreator
}

// TryAcquire creates the lock file holding the owner token.
func (e *ExclusiveLock) TryAcquire(ctx context.Context, lock URI, token string) (bool, error) {
	return e.Creator.CreateExclusive(ctx, lock, []byte(token+"\n"))
}

// Release removes the lock file.
func (e *ExclusiveLock) Release(ctx context.Context, lock URI) error {
	if err := e.Creator.Delete(ctx, lock); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLockRelease, lock, err)
	}
	return nil
}

// HoldLock builds a mutex out of an object-storage hold flag: the lock
// object is created empty, then flagged as held. Release clears the flag
// and deletes the object, retrying a bounded number of times.
type HoldLock struct {
	Holder Holder

	// ReleaseRetries is the number of release attempts. Default is 5.
	ReleaseRetries int

	// ReleaseDelay is the fixed delay between attempts. Default is 1 second.
	ReleaseDelay time.Duration

	// Logger reports stale locks left behind. If nil, a null logger is used.
	Logger *slog.Logger
}

// TryAcquire sets the hold flag on the lock object.
func (h *HoldLock) TryAcquire(ctx context.Context, lock URI, token string) (bool, error) {
	return h.Holder.TryHold(ctx, lock, token)
}

// Release clears the hold flag and deletes the lock object. If every
// attempt fails the stale lock is logged and left for manual removal.
func (h *HoldLock) Release(ctx context.Context, lock URI) error {
	retries := h.ReleaseRetries
	if retries <= 0 {
		retries = 5
	}
	delay := h.ReleaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	logger := h.Logger
	if logger == nil {
		logger = slogutil.Null()
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = h.Holder.ClearHold(ctx, lock)
		if lastErr == nil {
			lastErr = h.Holder.Delete(ctx, lock)
		}
		if lastErr == nil {
			return nil
		}
		logger.Warn("lock release failed",
			slog.String("lock", lock.String()),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockRelease, lock, ctx.Err())
		case <-time.After(delay):
		}
	}

	logger.Error("stale lock left in place, remove it manually",
		slog.String("lock", lock.String()))
	return fmt.Errorf("%w: %s: %w", ErrLockRelease, lock, lastErr)
}

var (
	_ LockStrategy = (*ExclusiveLock)(nil)
	_ LockStrategy = (*HoldLock)(nil)
)
