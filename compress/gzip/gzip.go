// Package gzip provides gzip compression for omniuri documents.
//
// It wraps github.com/klauspost/compress/gzip, a drop-in replacement for
// compress/gzip with faster encoding. Localization uses Compress and
// Decompress to rewrite ".json.gz" and similar documents in memory.
package gzip

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Ext is the file extension of gzip documents.
const Ext = ".gz"

// CompressionLevel represents gzip compression levels.
type CompressionLevel int

const (
	// BestSpeed provides fastest compression.
	BestSpeed CompressionLevel = gzip.BestSpeed
	// BestCompression provides best compression ratio.
	BestCompression CompressionLevel = gzip.BestCompression
	// DefaultCompression provides a balance of speed and compression.
	DefaultCompression CompressionLevel = gzip.DefaultCompression
)

// Codec compresses and decompresses whole documents.
type Codec struct {
	Level CompressionLevel
}

// Ext returns ".gz".
func (Codec) Ext() string { return Ext }

// Compress gzips data.
func (c Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriterLevel(nopWriteCloser{&buf}, c.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress gunzips data.
func (Codec) Decompress(data []byte) ([]byte, error) {
	r, err := NewReader(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

// Writer wraps an io.WriteCloser with gzip compression. Closing the
// Writer closes the underlying writer.
type Writer struct {
	gw     *gzip.Writer
	closer io.Closer
	closed bool
	mu     sync.Mutex
}

// NewWriterLevel creates a new gzip writer with the specified compression level.
func NewWriterLevel(w io.WriteCloser, level CompressionLevel) (*Writer, error) {
	if level == 0 {
		level = DefaultCompression
	}
	gw, err := gzip.NewWriterLevel(w, int(level))
	if err != nil {
		return nil, err
	}
	return &Writer{gw: gw, closer: w}, nil
}

// Write writes compressed data to the underlying writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.gw.Write(p)
}

// Close flushes the gzip stream and closes the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.gw.Close(); err != nil {
		_ = w.closer.Close()
		return err
	}
	return w.closer.Close()
}

// Reader wraps an io.ReadCloser with gzip decompression.
type Reader struct {
	gr     *gzip.Reader
	closer io.Closer
}

// NewReader creates a gzip reader over r. Closing it closes r.
func NewReader(r io.ReadCloser) (*Reader, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{gr: gr, closer: r}, nil
}

// Read reads decompressed data.
func (r *Reader) Read(p []byte) (int, error) {
	return r.gr.Read(p)
}

// Close closes the gzip reader and the underlying reader.
func (r *Reader) Close() error {
	if err := r.gr.Close(); err != nil {
		_ = r.closer.Close()
		return err
	}
	return r.closer.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.ReadCloser  = (*Reader)(nil)
)
