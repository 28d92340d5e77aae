package omniuri

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/grokify/mogo/log/slogutil"
	"golang.org/x/time/rate"
)

// DefaultMaxDepth is the localization recursion ceiling used when
// Options.MaxDepth is zero.
const DefaultMaxDepth = 10

// Descriptor registers one backend with a Registry.
type Descriptor struct {
	// Backend serves every identity the predicate accepts.
	Backend Backend

	// Valid overrides Backend.Valid as the dispatch predicate when set.
	Valid func(raw string) bool

	// LocPrefix is the default localization root on this backend.
	LocPrefix string
}

func (d Descriptor) accepts(raw string) bool {
	if d.Valid != nil {
		return d.Valid(raw)
	}
	return d.Backend.Valid(raw)
}

// Options configures a Registry.
type Options struct {
	// Logger is used for lock, copy and localization events.
	// If nil, a null logger is used.
	Logger *slog.Logger

	// Lock holds the default lock timeout and poll interval.
	Lock LockOptions

	// MaxDepth is the localization recursion ceiling.
	// Default is DefaultMaxDepth.
	MaxDepth int

	// DefaultTarget is the backend tag whose LocPrefix Localize uses
	// when neither a target root nor a target backend is given.
	DefaultTarget string

	// HashCache, if set, is consulted before sidecars and filled
	// whenever a hash has to be computed.
	HashCache HashCache

	// BandwidthLimit caps StreamTransfer throughput in bytes per second.
	// 0 means unlimited.
	BandwidthLimit int64

	// TempDir is where StagedTransfer stages content. Default is os.TempDir().
	TempDir string

	// RmdirWorkers is the default worker count for Rmdir. Default is 4.
	RmdirWorkers int
}

// Registry is an ordered list of backend descriptors plus the state shared
// by every handle it resolves: lock strategies, transfer matrix, defaults.
// Descriptors are registered once at startup; dispatch is a linear scan in
// registration order.
type Registry struct {
	mu          sync.RWMutex
	descriptors []Descriptor
	locks       map[string]LockStrategy

	transfers *TransferMatrix
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slogutil.Null()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.RmdirWorkers <= 0 {
		opts.RmdirWorkers = 4
	}
	opts.Lock = opts.Lock.withDefaults(DefaultLockOptions())
	return &Registry{
		locks:     make(map[string]LockStrategy),
		transfers: NewTransferMatrix(),
		limiter:   newLimiter(opts.BandwidthLimit),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Register appends a descriptor. Registration order is dispatch order.
//
// Register panics if:
//   - the backend is nil
//   - a backend with the same tag is already registered
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Backend == nil {
		panic("omniuri: Register backend is nil")
	}
	tag := d.Backend.Tag()
	for _, existing := range r.descriptors {
		if existing.Backend.Tag() == tag {
			panic("omniuri: Register called twice for backend " + tag)
		}
	}
	r.descriptors = append(r.descriptors, d)
}

// Unregister removes the backend with the given tag.
// This is primarily useful for testing.
// Returns true if the backend was registered, false otherwise.
func (r *Registry) Unregister(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.descriptors {
		if d.Backend.Tag() == tag {
			r.descriptors = append(r.descriptors[:i], r.descriptors[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve returns a handle on raw owned by the first descriptor whose
// predicate accepts it. If none does, the handle is inert.
func (r *Registry) Resolve(raw string, threadID int) URI {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if d.accepts(raw) {
			return URI{raw: raw, backend: d.Backend, reg: r, threadID: threadID}
		}
	}
	return URI{raw: raw, threadID: threadID}
}

// ResolveURI re-resolves an existing handle against this registry.
func (r *Registry) ResolveURI(u URI) URI {
	return r.Resolve(u.raw, u.threadID)
}

// Backend returns the registered backend with the given tag.
func (r *Registry) Backend(tag string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if d.Backend.Tag() == tag {
			return d.Backend, true
		}
	}
	return nil, false
}

// Backends returns the registered backend tags in dispatch order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		tags = append(tags, d.Backend.Tag())
	}
	return tags
}

// LocPrefix returns the configured localization root of a backend.
func (r *Registry) LocPrefix(tag string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if d.Backend.Tag() == tag {
			return d.LocPrefix
		}
	}
	return ""
}

// SetLockStrategy replaces the lock strategy used for a backend tag.
// A nil strategy restores the backend's own.
func (r *Registry) SetLockStrategy(tag string, s LockStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == nil {
		delete(r.locks, tag)
		return
	}
	r.locks[tag] = s
}

func (r *Registry) lockStrategy(u URI) LockStrategy {
	r.mu.RLock()
	s, ok := r.locks[u.Tag()]
	r.mu.RUnlock()
	if ok {
		return s
	}
	return u.backend.LockStrategy()
}

// Transfers returns the transfer matrix used by Copy.
func (r *Registry) Transfers() *TransferMatrix {
	return r.transfers
}

// Logger returns the registry's logger.
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}

// MaxDepth returns the localization recursion ceiling.
func (r *Registry) MaxDepth() int {
	return r.opts.MaxDepth
}

// LockDefaults returns the default lock options.
func (r *Registry) LockDefaults() LockOptions {
	return r.opts.Lock
}

// ResetClients drops memoized clients of every backend that keeps them.
func (r *Registry) ResetClients() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if cr, ok := d.Backend.(ClientResetter); ok {
			cr.ResetClients()
		}
	}
}

// Close closes every registered backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, d := range r.descriptors {
		if err := d.Backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) tempDir() string {
	return r.opts.TempDir
}
