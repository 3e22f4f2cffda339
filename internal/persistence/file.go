package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// File wraps the open, exclusively-locked node-view descriptor. The lock is
// held for the process's lifetime (spec §4.11); Close releases it.
type File struct {
	f          *os.File
	passphrase string // non-empty enables transparent at-rest encryption
}

// Open opens (creating if absent) and locks the node-view descriptor at
// path. It fails if another process already holds the lock, since the
// node-view is single-writer by design.
func Open(path string) (*File, error) {
	return OpenEncrypted(path, "")
}

// OpenEncrypted is Open plus a passphrase that, when non-empty, transparently
// encrypts ReadAll/WriteSnapshot content under the envelope in
// encryption.go. An empty passphrase behaves exactly like Open.
func OpenEncrypted(path, passphrase string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("persistence: lock %s: %w", path, err)
	}
	return &File{f: f, passphrase: passphrase}, nil
}

// Close releases the lock and closes the descriptor.
func (pf *File) Close() error {
	return pf.f.Close()
}

// ReadAll reads the full current contents, for use at startup before the
// event loop begins mutating state.
func (pf *File) ReadAll() ([]byte, error) {
	if _, err := pf.f.Seek(0, 0); err != nil {
		return nil, err
	}
	info, err := pf.f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := pf.f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("persistence: read: %w", err)
	}
	if len(buf) == 0 {
		return buf, nil
	}
	content, err := decryptContent(string(buf), pf.passphrase)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// WriteSnapshot performs the crash-safe in-place rewrite described in spec
// §4.11: pad the new content with newlines to at least the old file's size
// before writing, fsync, then truncate to the new content's true length and
// fsync again. A crash between the two fsyncs leaves either the fully
// padded old-or-new content on disk — parsing ignores trailing blank lines
// either way, so the descriptor is always valid.
func (pf *File) WriteSnapshot(content string) error {
	if pf.passphrase != "" {
		enc, err := encryptContent(content, pf.passphrase)
		if err != nil {
			return err
		}
		content = enc
	}

	info, err := pf.f.Stat()
	if err != nil {
		return fmt.Errorf("persistence: stat: %w", err)
	}
	oldSize := info.Size()

	data := []byte(content)
	if int64(len(data)) < oldSize {
		pad := bytes.Repeat([]byte("\n"), int(oldSize-int64(len(data))))
		data = append(data, pad...)
	}

	if _, err := pf.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("persistence: write: %w", err)
	}
	if err := pf.f.Sync(); err != nil {
		return fmt.Errorf("persistence: fsync: %w", err)
	}
	if err := pf.f.Truncate(int64(len(content))); err != nil {
		return fmt.Errorf("persistence: truncate: %w", err)
	}
	return pf.f.Sync()
}
