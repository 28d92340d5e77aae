// Package zstd provides Zstandard compression for omniuri documents.
//
// Localization uses Compress and Decompress to rewrite ".json.zst" and
// similar documents in memory. Reader and Writer stream the same format.
package zstd

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Ext is the file extension of zstd documents.
const Ext = ".zst"

// CompressionLevel represents zstd compression levels.
type CompressionLevel int

const (
	// SpeedFastest provides the fastest compression speed.
	SpeedFastest CompressionLevel = iota + 1

	// SpeedDefault provides a good balance of speed and compression.
	SpeedDefault

	// SpeedBetterCompression provides better compression at slower speed.
	SpeedBetterCompression

	// SpeedBestCompression provides the best compression ratio.
	SpeedBestCompression
)

func (l CompressionLevel) toZstdLevel() zstd.EncoderLevel {
	switch l {
	case SpeedFastest:
		return zstd.SpeedFastest
	case SpeedBetterCompression:
		return zstd.SpeedBetterCompression
	case SpeedBestCompression:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Codec compresses and decompresses whole documents.
type Codec struct {
	Level CompressionLevel
}

// Ext returns ".zst".
func (Codec) Ext() string { return Ext }

// Compress encodes data in a single zstd frame.
func (c Codec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.Level.toZstdLevel()))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress decodes every frame in data.
func (Codec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// Writer wraps an io.WriteCloser with zstd compression. Closing the
// Writer closes the underlying writer.
type Writer struct {
	zw     *zstd.Encoder
	closer io.Closer
	closed bool
	mu     sync.Mutex
}

// NewWriterLevel creates a new zstd writer with the specified compression level.
func NewWriterLevel(w io.WriteCloser, level CompressionLevel) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.toZstdLevel()))
	if err != nil {
		return nil, err
	}
	return &Writer{zw: zw, closer: w}, nil
}

// Write writes compressed data to the underlying writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.zw.Write(p)
}

// Close flushes the encoder and closes the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.zw.Close(); err != nil {
		_ = w.closer.Close()
		return err
	}
	return w.closer.Close()
}

// Reader wraps an io.ReadCloser with zstd decompression.
type Reader struct {
	zr     *zstd.Decoder
	closer io.Closer
}

// NewReader creates a zstd reader over r. Closing it closes r.
func NewReader(r io.ReadCloser) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{zr: zr, closer: r}, nil
}

// Read reads decompressed data.
func (r *Reader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

// Close releases the decoder and closes the underlying reader.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.closer.Close()
}

var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.ReadCloser  = (*Reader)(nil)
)
