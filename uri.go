package omniuri

import (
	"fmt"
	"strings"
)

const (
	// LockSuffix is appended to an identity to name its lock object.
	LockSuffix = ".lock"

	// SidecarSuffix is appended to an identity to name its hash sidecar.
	SidecarSuffix = ".md5"

	schemeSep = "://"
)

// compressionExts are extensions that belong to the extension before them
// when computing FullExt (e.g. ".json.gz").
var compressionExts = map[string]bool{
	".gz":  true,
	".zst": true,
	".bz2": true,
	".xz":  true,
}

// URI is an immutable handle on one storage identity. It pairs the raw
// identity string with the backend that accepted it and a caller-supplied
// thread id used to pin non-shareable backend clients.
//
// The zero value and handles produced for unmatched identities are inert:
// Valid reports false and every storage operation returns ErrNotValidURI.
type URI struct {
	raw      string
	backend  Backend
	reg      *Registry
	threadID int
}

// String returns the raw identity.
func (u URI) String() string {
	return u.raw
}

// Valid reports whether a backend accepted the identity.
func (u URI) Valid() bool {
	return u.backend != nil && u.reg != nil
}

// Backend returns the backend owning the identity, or nil for inert handles.
func (u URI) Backend() Backend {
	return u.backend
}

// Registry returns the registry that resolved the handle.
func (u URI) Registry() *Registry {
	return u.reg
}

// Tag returns the owning backend's tag, or "" for inert handles.
func (u URI) Tag() string {
	if u.backend == nil {
		return ""
	}
	return u.backend.Tag()
}

// ThreadID returns the caller-supplied thread id.
func (u URI) ThreadID() int {
	return u.threadID
}

// WithThreadID returns a copy of u bound to a different thread id.
func (u URI) WithThreadID(id int) URI {
	u.threadID = id
	return u
}

// Scheme returns the scheme without "://", or "" for plain paths.
func (u URI) Scheme() string {
	if i := strings.Index(u.raw, schemeSep); i >= 0 {
		return u.raw[:i]
	}
	return ""
}

func (u URI) split() (prefix, p string) {
	if i := strings.Index(u.raw, schemeSep); i >= 0 {
		return u.raw[:i+len(schemeSep)], u.raw[i+len(schemeSep):]
	}
	return "", u.raw
}

// Dirname returns the identity up to, but excluding, the last separator.
func (u URI) Dirname() string {
	prefix, p := u.split()
	i := strings.LastIndex(p, Separator)
	switch {
	case i < 0:
		return prefix
	case i == 0:
		return prefix + Separator
	}
	return prefix + p[:i]
}

// Basename returns the last path element.
func (u URI) Basename() string {
	_, p := u.split()
	return p[strings.LastIndex(p, Separator)+1:]
}

// Ext returns the last extension of the basename including the dot.
func (u URI) Ext() string {
	return lastExt(u.Basename())
}

// FullExt returns the extension with a preceding extension kept when the
// last one is a compression suffix: "a.json.gz" yields ".json.gz".
func (u URI) FullExt() string {
	return fullExt(u.Basename())
}

// BasenameWithoutExt returns the basename minus FullExt.
func (u URI) BasenameWithoutExt() string {
	base := u.Basename()
	return strings.TrimSuffix(base, fullExt(base))
}

// PathWithoutScheme returns the identity without its scheme and without
// leading separators.
func (u URI) PathWithoutScheme() string {
	_, p := u.split()
	return strings.TrimLeft(p, Separator)
}

// DirnameWithoutScheme returns Dirname without scheme and leading separators.
func (u URI) DirnameWithoutScheme() string {
	_, p := u.split()
	p = strings.TrimLeft(p, Separator)
	if i := strings.LastIndex(p, Separator); i >= 0 {
		return p[:i]
	}
	return ""
}

// LockPath returns the identity of the lock object guarding u.
func (u URI) LockPath() string {
	return u.raw + LockSuffix
}

// SidecarPath returns the identity of the hash sidecar for u.
func (u URI) SidecarPath() string {
	return u.raw + SidecarSuffix
}

// sibling returns a handle on raw bound to the same backend and thread.
func (u URI) sibling(raw string) URI {
	u.raw = raw
	return u
}

func (u URI) check() error {
	if !u.Valid() {
		return fmt.Errorf("%w: %q", ErrNotValidURI, u.raw)
	}
	return nil
}

func lastExt(base string) string {
	i := strings.LastIndex(base, ".")
	if i <= 0 {
		return ""
	}
	return base[i:]
}

func fullExt(base string) string {
	ext := lastExt(base)
	if !compressionExts[ext] {
		return ext
	}
	return lastExt(strings.TrimSuffix(base, ext)) + ext
}

// JoinPath joins a root prefix and relative elements with single separators.
// The scheme part of root is preserved and empty elements are skipped.
func JoinPath(root string, elems ...string) string {
	out := strings.TrimRight(root, Separator)
	if out == "" || strings.HasSuffix(out, ":/") || strings.HasSuffix(out, ":") {
		// root was "/" or a bare scheme such as "mem://"
		out = root
		if !strings.HasSuffix(out, Separator) {
			out += Separator
		}
	} else {
		out += Separator
	}
	var parts []string
	for _, e := range elems {
		e = strings.Trim(e, Separator)
		if e != "" {
			parts = append(parts, e)
		}
	}
	return out + strings.Join(parts, Separator)
}
