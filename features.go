package omniuri

// Features describes what a registered backend can do beyond the core
// Backend interface. It is derived from the optional interfaces the backend
// implements, so callers can pick a code path without trial calls.
type Features struct {
	// Lock indicates the backend hosts lock objects.
	// When false, locked operations on it fail with ErrNotSupported.
	Lock bool

	// ExclusiveCreate indicates atomic create-if-absent.
	ExclusiveCreate bool

	// Hold indicates object hold flags; locks use HoldLock.
	Hold bool

	// Presign indicates PresignedURL works.
	Presign bool

	// RemoveEmptyDirs indicates Rmdir also prunes directories.
	RemoveEmptyDirs bool

	// ClientReset indicates per-thread clients that ResetClients drops.
	ClientReset bool

	// ReadOnly indicates writes and deletes are rejected.
	ReadOnly bool
}

// ReadOnlyBackend is implemented by backends that can only be read.
type ReadOnlyBackend interface {
	ReadOnly() bool
}

// FeaturesOf inspects a backend.
func FeaturesOf(b Backend) Features {
	var f Features
	if b == nil {
		return f
	}
	f.Lock = b.LockStrategy() != nil
	_, f.ExclusiveCreate = b.(ExclusiveCreator)
	_, f.Hold = b.(Holder)
	_, f.Presign = b.(Presigner)
	_, f.RemoveEmptyDirs = b.(DirRemover)
	_, f.ClientReset = b.(ClientResetter)
	if ro, ok := b.(ReadOnlyBackend); ok {
		f.ReadOnly = ro.ReadOnly()
	}
	return f
}

// Features returns the features of the backend registered under tag.
func (r *Registry) Features(tag string) (Features, bool) {
	b, ok := r.Backend(tag)
	if !ok {
		return Features{}, false
	}
	return FeaturesOf(b), true
}

// Features returns the features of the handle's backend.
func (u URI) Features() Features {
	return FeaturesOf(u.backend)
}
