// Package multi writes one stream to several storage identities at once.
//
// The targets may live on different backends:
//
//	targets := []omniuri.URI{
//	    reg.Resolve("/var/data/report.json", 0),
//	    reg.Resolve("s3://backup/report.json", 0),
//	}
//	w, err := multi.NewWriter(ctx, targets, multi.WithMode(multi.WriteQuorum))
//	if err != nil {
//	    return err
//	}
//	_, _ = w.Write(report)
//	err = w.Close()
//
// In WriteAll mode, the default, a failing target aborts every target so
// nothing partial is committed on writers that support aborting.
package multi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/grokify/omniuri"
)

// WriteMode determines how the writer handles failing targets.
type WriteMode int

const (
	// WriteAll requires every target to succeed.
	WriteAll WriteMode = iota

	// WriteBestEffort keeps writing to the targets that work and fails
	// only when none is left.
	WriteBestEffort

	// WriteQuorum requires a strict majority of targets to succeed.
	WriteQuorum
)

func (m WriteMode) String() string {
	switch m {
	case WriteAll:
		return "all"
	case WriteBestEffort:
		return "best-effort"
	case WriteQuorum:
		return "quorum"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// ParseWriteMode parses the String form of a mode.
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return WriteAll, nil
	case "best-effort":
		return WriteBestEffort, nil
	case "quorum":
		return WriteQuorum, nil
	default:
		return WriteAll, fmt.Errorf("multi: unknown write mode %q", s)
	}
}

type config struct {
	mode   WriteMode
	noLock bool
	lock   omniuri.LockOptions
}

// Option configures NewWriter.
type Option func(*config)

// WithMode sets the write mode.
func WithMode(mode WriteMode) Option {
	return func(c *config) { c.mode = mode }
}

// WithoutLock skips locking the targets.
func WithoutLock() Option {
	return func(c *config) { c.noLock = true }
}

// WithLockOptions overrides the registry lock defaults.
func WithLockOptions(opts omniuri.LockOptions) Option {
	return func(c *config) { c.lock = opts }
}

type target struct {
	uri  omniuri.URI
	w    io.WriteCloser
	lock *omniuri.Lock
	err  error
}

// Writer fans writes out to its targets. Each target is locked from
// NewWriter until Close unless WithoutLock.
type Writer struct {
	ctx     context.Context
	mode    WriteMode
	targets []*target
	mu      sync.Mutex
	closed  bool
}

// NewWriter locks and opens every target. Targets that fail to open count
// as failed for the mode.
func NewWriter(ctx context.Context, targets []omniuri.URI, opts ...Option) (*Writer, error) {
	if len(targets) == 0 {
		return nil, errors.New("multi: at least one target is required")
	}
	cfg := config{mode: WriteAll}
	for _, opt := range opts {
		opt(&cfg)
	}

	mw := &Writer{ctx: ctx, mode: cfg.mode}
	for _, u := range targets {
		t := &target{uri: u}
		mw.targets = append(mw.targets, t)
		if !cfg.noLock {
			if t.lock, t.err = u.Lock(ctx, cfg.lock); t.err != nil {
				continue
			}
		}
		if !u.Valid() {
			t.err = fmt.Errorf("%w: %s", omniuri.ErrNotValidURI, u)
			continue
		}
		t.w, t.err = u.Backend().NewWriter(ctx, u)
	}

	if err := mw.check(); err != nil {
		mw.abortAll()
		return nil, err
	}
	return mw, nil
}

// Targets returns the identities being written, in order.
func (mw *Writer) Targets() []string {
	out := make([]string, len(mw.targets))
	for i, t := range mw.targets {
		out[i] = t.uri.String()
	}
	return out
}

// Failed returns the errors of targets dropped so far.
func (mw *Writer) Failed() []error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var errs []error
	for _, t := range mw.targets {
		if t.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.uri, t.err))
		}
	}
	return errs
}

// Write writes p to every live target.
func (mw *Writer) Write(p []byte) (int, error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return 0, omniuri.ErrWriterClosed
	}
	for _, t := range mw.targets {
		if t.err != nil {
			continue
		}
		if _, err := t.w.Write(p); err != nil {
			t.err = err
			mw.dropped(t)
		}
	}
	if err := mw.check(); err != nil {
		mw.abortAll()
		mw.closed = true
		return 0, err
	}
	return len(p), nil
}

// Close commits every live target and releases the locks. Targets that
// failed earlier are aborted.
func (mw *Writer) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return nil
	}
	mw.closed = true

	var errs []error
	for _, t := range mw.targets {
		switch {
		case t.w == nil:
		case t.err != nil:
			errs = append(errs, abort(t.w))
		default:
			if err := t.w.Close(); err != nil {
				t.err = err
			}
		}
	}
	err := mw.check()
	errs = append(errs, mw.release())
	return errors.Join(append([]error{err}, errs...)...)
}

// check returns a *MultiError when the failures exceed what the mode
// tolerates. Must be called with mu held or before the writer is shared.
func (mw *Writer) check() error {
	var errs []error
	for _, t := range mw.targets {
		if t.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.uri, t.err))
		}
	}
	ok := len(mw.targets) - len(errs)

	switch {
	case len(errs) == 0:
		return nil
	case mw.mode == WriteAll,
		mw.mode == WriteBestEffort && ok == 0,
		mw.mode == WriteQuorum && ok <= len(mw.targets)/2:
		return &MultiError{Mode: mw.mode, Errors: errs}
	}
	return nil
}

func (mw *Writer) dropped(t *target) {
	reg := t.uri.Registry()
	if reg == nil {
		return
	}
	reg.Logger().Warn("multi write target failed",
		slog.String("uri", t.uri.String()),
		slog.String("mode", mw.mode.String()),
		slog.String("error", t.err.Error()))
}

func (mw *Writer) abortAll() {
	for _, t := range mw.targets {
		if t.w != nil {
			_ = abort(t.w)
			t.w = nil
		}
	}
	_ = mw.release()
}

func (mw *Writer) release() error {
	var errs []error
	for _, t := range mw.targets {
		if t.lock != nil {
			errs = append(errs, t.lock.Release(context.WithoutCancel(mw.ctx)))
			t.lock = nil
		}
	}
	return errors.Join(errs...)
}

func abort(w io.WriteCloser) error {
	if a, ok := w.(omniuri.Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// MultiError collects the failures of several targets.
type MultiError struct {
	Mode   WriteMode
	Errors []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("multi write (%s): %s", e.Mode, strings.Join(msgs, "; "))
}

// Unwrap exposes every target error to errors.Is and errors.As.
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
