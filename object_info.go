package omniuri

import "time"

// ObjectInfo is the native metadata a backend returns from Stat.
type ObjectInfo struct {
	// Size is the object's size in bytes, or -1 if unknown.
	Size int64

	// ModTime is the last modification time; zero if unknown.
	ModTime time.Time

	// IsDir is true if the identity names a directory.
	IsDir bool

	// MD5 is a hex digest the backend supplies natively (S3 ETag,
	// Content-MD5 header). Empty when the backend has none.
	MD5 string
}

// Metadata is the result of a metadata query on a handle.
// It is produced fresh on each query.
type Metadata struct {
	Exists bool

	// ModTime is zero when absent.
	ModTime time.Time

	// Size is -1 when absent.
	Size int64

	// MD5 is the hex content digest, or "" when no hash source exists.
	MD5 string
}

// absentMetadata is returned for identities that do not exist.
func absentMetadata() Metadata {
	return Metadata{Size: -1}
}
