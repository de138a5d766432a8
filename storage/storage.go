// Package storage keeps partial uploads in a staging directory and
// promotes them to their destination only after the checksum verified.
// Files in staging are never considered delivered.
package storage

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
)

// ErrChecksumMismatch is returned by Finalize when the recomputed
// SHA-256 does not equal the client-supplied trailer.
var ErrChecksumMismatch = errors.New("checksum-mismatch")

// ErrDestinationTaken is returned by Open when the destination exists
// or another active upload already claimed it.
var ErrDestinationTaken = errors.New("file exists on server")

const writeBufferSize = 256 * 1024

// Store hands out staging files and owns the destination directory.
type Store struct {
	staging      string
	dest         string
	destinations map[string]bool
}

// New validates both directories and returns a store.
func New(staging, dest string) (*Store, error) {
	for _, dir := range []string{staging, dest} {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("not a directory: %s", dir)
		}
	}
	return &Store{
		staging:      filepath.Clean(staging),
		dest:         filepath.Clean(dest),
		destinations: make(map[string]bool),
	}, nil
}

// Open creates the staging file for a new upload. The staging name
// incorporates the upload id so concurrent uploads never collide.
// Meta is held verbatim and persisted as a sidecar on promotion.
func (s *Store) Open(uploadID, filename string, meta []byte) (*File, error) {
	dest := filepath.Join(s.dest, filename)
	if s.destinations[dest] {
		return nil, ErrDestinationTaken
	}
	if _, err := os.Stat(dest); err == nil {
		return nil, ErrDestinationTaken
	}

	path := filepath.Join(s.staging, uploadID)
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	s.destinations[dest] = true

	return &File{
		store:  s,
		path:   path,
		dest:   dest,
		meta:   meta,
		file:   handle,
		writer: bufio.NewWriterSize(handle, writeBufferSize),
		sha:    sha256.New(),
	}, nil
}

// NumActive returns the number of open staging files.
func (s *Store) NumActive() int {
	return len(s.destinations)
}

// File is one staged upload. Writes are sequential; the running
// SHA-256 is updated per write so Finalize never re-reads the file.
type File struct {
	store    *Store
	path     string
	dest     string
	meta     []byte
	file     *os.File
	writer   *bufio.Writer
	sha      hash.Hash
	written  uint64
	released bool
}

// Write appends data to the staging file and updates the running hash.
func (f *File) Write(data []byte) error {
	if _, err := f.writer.Write(data); err != nil {
		return err
	}
	f.sha.Write(data)
	f.written += uint64(len(data))
	return nil
}

// NBytesWritten returns the bytes persisted so far.
func (f *File) NBytesWritten() uint64 {
	return f.written
}

// Finalize verifies the trailer and promotes the staged file. The
// metadata and checksum sidecars appear with the file and the rename
// is the commit point.
func (f *File) Finalize(remoteSum []byte) error {
	local := f.sha.Sum(nil)
	if !hashEqual(local, remoteSum) {
		f.Abort()
		return ErrChecksumMismatch
	}

	if err := f.writer.Flush(); err != nil {
		f.Abort()
		return err
	}
	if err := f.file.Sync(); err != nil {
		f.Abort()
		return err
	}
	if err := f.file.Close(); err != nil {
		f.Abort()
		return err
	}

	metaPath := f.dest + ".meta"
	sumPath := f.dest + ".sha256"
	if err := writeSidecar(metaPath, f.meta); err != nil {
		f.Abort()
		return err
	}
	line := hex.EncodeToString(local) + "\n"
	if err := writeSidecar(sumPath, []byte(line)); err != nil {
		os.Remove(metaPath)
		f.Abort()
		return err
	}

	if err := os.Rename(f.path, f.dest); err != nil {
		os.Remove(metaPath)
		os.Remove(sumPath)
		f.Abort()
		return err
	}
	syncDir(filepath.Dir(f.dest))

	f.release()
	return nil
}

// Abort deletes the staging file. No destination file appears.
func (f *File) Abort() {
	if f.released {
		return
	}
	f.file.Close()
	os.Remove(f.path)
	f.release()
}

func (f *File) release() {
	if !f.released {
		f.released = true
		delete(f.store.destinations, f.dest)
	}
}

func writeSidecar(path string, data []byte) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := handle.Write(data); err != nil {
		handle.Close()
		os.Remove(path)
		return err
	}
	if err := handle.Sync(); err != nil {
		handle.Close()
		os.Remove(path)
		return err
	}
	return handle.Close()
}

// syncDir flushes directory metadata so the rename survives a crash.
func syncDir(dir string) {
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	handle.Sync()
	handle.Close()
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i, ab := range a {
		if b[i] != ab {
			return false
		}
	}
	return true
}
