package file

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/grokify/omniuri"
)

// atomicWriter writes to a temporary file and renames it onto the target
// on Close. Abort discards the temporary file.
type atomicWriter struct {
	f      *os.File
	target string
	perm   os.FileMode

	mu     sync.Mutex
	closed bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, omniuri.ErrWriterClosed
	}
	return w.f.Write(p)
}

// Close syncs the temporary file and renames it into place.
func (w *atomicWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	tmp := w.f.Name()
	err := errors.Join(w.f.Sync(), w.f.Close(), os.Chmod(tmp, w.perm))
	if err == nil {
		err = os.Rename(tmp, w.target)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return translateError(w.target, err)
	}
	return nil
}

// Abort removes the temporary file without touching the target.
func (w *atomicWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var (
	_ io.WriteCloser  = (*atomicWriter)(nil)
	_ omniuri.Aborter = (*atomicWriter)(nil)
)
