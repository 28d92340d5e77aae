// Package format rewrites string values inside structured documents.
//
// A Handler knows one document format (JSON, NDJSON, CSV, TSV). Rewrite
// parses the document, passes every string value to a RewriteFunc and
// re-serializes it only if some value changed. Localization uses this to
// substitute embedded storage identities.
//
// Handlers are looked up by file name. Compressed variants such as
// "refs.json.gz" or "rows.tsv.zst" are decompressed, rewritten and
// recompressed transparently.
package format

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grokify/omniuri/compress/gzip"
	"github.com/grokify/omniuri/compress/zstd"
)

// RewriteFunc maps one string value to its replacement. changed reports
// whether the returned value differs from the input.
type RewriteFunc func(value string) (replacement string, changed bool, err error)

// Handler rewrites the values of one document format.
type Handler interface {
	// Name is a short format name such as "json".
	Name() string

	// Extensions lists the lower-case extensions handled, with the dot.
	Extensions() []string

	// Rewrite applies fn to every value. When nothing changed, the
	// returned bytes are the input and altered is false.
	Rewrite(data []byte, fn RewriteFunc) (out []byte, altered bool, err error)
}

// Codec compresses whole documents.
type Codec interface {
	Ext() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var (
	mu       sync.RWMutex
	handlers = make(map[string]Handler)
	codecs   = make(map[string]Codec)
)

func init() {
	Register(JSON{})
	Register(NDJSON{})
	Register(CSV())
	Register(TSV())
	RegisterCodec(gzip.Codec{})
	RegisterCodec(zstd.Codec{})
}

// Register adds a handler for each of its extensions.
//
// Register panics if h is nil or one of its extensions is already taken.
func Register(h Handler) {
	mu.Lock()
	defer mu.Unlock()

	if h == nil {
		panic("format: Register handler is nil")
	}
	for _, ext := range h.Extensions() {
		ext = strings.ToLower(ext)
		if _, dup := handlers[ext]; dup {
			panic("format: Register called twice for extension " + ext)
		}
		handlers[ext] = h
	}
}

// RegisterCodec adds a compression codec. A later codec for the same
// extension replaces the earlier one.
func RegisterCodec(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[strings.ToLower(c.Ext())] = c
}

// Lookup returns the handler for a file name, wrapping it in the codec
// when the name carries a compression extension.
func Lookup(name string) (Handler, bool) {
	mu.RLock()
	defer mu.RUnlock()

	name = strings.ToLower(name)
	ext := extOf(name)
	if c, ok := codecs[ext]; ok {
		inner, ok := handlers[extOf(strings.TrimSuffix(name, ext))]
		if !ok {
			return nil, false
		}
		return compressed{inner: inner, codec: c}, true
	}
	h, ok := handlers[ext]
	return h, ok
}

// Extensions returns every registered extension, compressed variants
// included, sorted.
func Extensions() []string {
	mu.RLock()
	defer mu.RUnlock()

	var exts []string
	for ext := range handlers {
		exts = append(exts, ext)
		for cext := range codecs {
			exts = append(exts, ext+cext)
		}
	}
	sort.Strings(exts)
	return exts
}

func extOf(name string) string {
	if i := strings.LastIndexAny(name, "./"); i > 0 && name[i] == '.' {
		return name[i:]
	}
	return ""
}

// compressed rewrites the decompressed payload of a compressed document.
type compressed struct {
	inner Handler
	codec Codec
}

func (c compressed) Name() string { return c.inner.Name() + c.codec.Ext() }

func (c compressed) Extensions() []string {
	var exts []string
	for _, ext := range c.inner.Extensions() {
		exts = append(exts, ext+c.codec.Ext())
	}
	return exts
}

func (c compressed) Rewrite(data []byte, fn RewriteFunc) ([]byte, bool, error) {
	plain, err := c.codec.Decompress(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", c.Name(), err)
	}
	out, altered, err := c.inner.Rewrite(plain, fn)
	if err != nil || !altered {
		return data, false, err
	}
	packed, err := c.codec.Compress(out)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", c.Name(), err)
	}
	return packed, true, nil
}
