package omniuri

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not security
	"encoding/hex"
	"io"
	"strings"
	"time"
)

// MD5Bytes returns the hex MD5 digest of data.
func MD5Bytes(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// MD5Reader returns the hex MD5 digest of everything r yields.
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseMD5 normalizes a hex MD5 digest read from a sidecar or header.
// It returns "" if s is not a well-formed digest.
func ParseMD5(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != md5.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return s
}

// HashKey identifies one version of an object in a HashCache.
type HashKey struct {
	URI     string
	Size    int64
	ModTime time.Time
}

// HashCache is an external store of previously computed content hashes.
// Entries are keyed by identity, size and mtime so a changed object misses.
type HashCache interface {
	Get(key HashKey) (md5 string, ok bool, err error)
	Put(key HashKey, md5 string) error
}
