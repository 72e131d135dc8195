// Package attachment is a content-addressed byte store for full,
// untruncated checkpoint outputs: payloads too large to inline into a
// checkpoint body are written here and referenced from the checkpoint by
// their SHA-256 hash.
//
// Files are sharded by the first two hex characters of their hash to keep
// any one directory from accumulating too many entries.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/arcreceipt/car"
)

// Store is a sharded, content-addressed directory of attachment files.
type Store struct {
	baseDir string
}

// New creates (if necessary) baseDir and returns a Store rooted there.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, receipt.NewError(receipt.KindTransient, "create attachment store directory", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes content under its SHA-256 hash, skipping the write entirely if
// an attachment with that hash is already present, and returns the hash.
func (s *Store) Put(content []byte) (string, error) {
	hash := hashOf(content)
	path := s.pathFor(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", receipt.NewError(receipt.KindTransient, "stat attachment", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", receipt.NewError(receipt.KindTransient, "create attachment shard directory", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", receipt.NewError(receipt.KindTransient, "write attachment", err)
	}
	return hash, nil
}

// Get reads the attachment stored under hash. It returns receipt.ErrNotFound
// if no attachment with that hash exists.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, receipt.ErrNotFound
	}
	if err != nil {
		return nil, receipt.NewError(receipt.KindTransient, "read attachment", err)
	}
	return data, nil
}

// Exists reports whether an attachment with the given hash is present.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

// Delete removes the attachment stored under hash. Deleting a hash that
// does not exist is not an error.
func (s *Store) Delete(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return receipt.NewError(receipt.KindTransient, "delete attachment", err)
}

// Count returns the number of attachment files under the store.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.walk(func(fs.DirEntry) error { n++; return nil })
	return n, err
}

// TotalSize returns the combined size in bytes of every attachment file.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := s.walkInfo(func(info fs.FileInfo) error {
		total += info.Size()
		return nil
	})
	return total, err
}

func (s *Store) walk(fn func(fs.DirEntry) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		return fn(d)
	})
}

func (s *Store) walkInfo(fn func(fs.FileInfo) error) error {
	return s.walk(func(d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(info)
	})
}

// pathFor maps a hash to its sharded file path, guarding against hashes
// shorter than two characters the way the original shard logic does.
func (s *Store) pathFor(hash string) string {
	prefixLen := 2
	if len(hash) < prefixLen {
		prefixLen = len(hash)
	}
	return filepath.Join(s.baseDir, hash[:prefixLen], fmt.Sprintf("%s.bin", hash))
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
