package cache

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmgilman/go/fs/core"
)

const tempDirName = ".temp"

// Storage provides atomic, corruption-resistant filesystem operations for cache storage.
// It uses core.FS for filesystem abstraction, supporting both OS and in-memory filesystems.
type Storage struct {
	fs         core.FS
	rootPath   string
	tempDir    string
	fileLocks  *sync.Map // map[string]*sync.Mutex for per-file locking
	globalLock sync.RWMutex
}

// NewStorage creates a new storage instance with the given filesystem and root path.
// The filesystem abstraction allows testing with in-memory filesystems.
func NewStorage(fs core.FS, rootPath string) (*Storage, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if rootPath == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	if err := fs.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	tempDir := filepath.Join(rootPath, tempDirName)
	if err := fs.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &Storage{
		fs:        fs,
		rootPath:  rootPath,
		tempDir:   tempDir,
		fileLocks: &sync.Map{},
	}, nil
}

// Root returns the root path of the storage.
func (s *Storage) Root() string {
	return s.rootPath
}

func (s *Storage) getFileLock(path string) *sync.Mutex {
	lock, _ := s.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// tempName returns a fresh scratch file path inside the temp directory.
func (s *Storage) tempName() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate temp name: %w", err)
	}
	return filepath.Join(s.tempDir, "write_"+hex.EncodeToString(b[:])), nil
}

// WriteAtomically writes data to a file atomically using a temporary file and rename.
// Readers observe either the previous content or the complete new content.
func (s *Storage) WriteAtomically(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)
	dir := filepath.Dir(fullPath)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}

	tempFile, err := s.tempName()
	if err != nil {
		return err
	}

	if err := s.writeWithChecksum(tempFile, data); err != nil {
		_ = s.fs.Remove(tempFile)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(tempFile, fullPath); err != nil {
		_ = s.fs.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file to %q: %w", fullPath, err)
	}

	return nil
}

// ReadWithIntegrity reads data from a file and verifies its checksum.
// Returns ErrNotFound if the file does not exist and ErrCacheCorrupted if the
// checksum does not match.
func (s *Storage) ReadWithIntegrity(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.RLock()
	defer s.globalLock.RUnlock()

	exists, err := s.fs.Exists(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check file existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return s.readWithChecksum(fullPath)
}

// Exists checks if a file or directory exists in the storage.
func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context cancelled: %w", err)
	}

	s.globalLock.RLock()
	exists, err := s.fs.Exists(filepath.Join(s.rootPath, path))
	s.globalLock.RUnlock()
	if err != nil {
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return exists, nil
}

// Remove removes a file from the storage. Removing a missing file is not an error.
func (s *Storage) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.Lock()
	err := s.fs.Remove(fullPath)
	s.globalLock.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file %q: %w", fullPath, err)
	}

	return nil
}

// RemoveAll removes a directory and everything below it.
func (s *Storage) RemoveAll(ctx context.Context, dirPath string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, dirPath)

	s.globalLock.Lock()
	err := s.fs.RemoveAll(fullPath)
	s.globalLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to remove directory %q: %w", fullPath, err)
	}
	return nil
}

// ListFiles returns the names of the regular files in the given directory.
// A missing directory yields an empty list.
func (s *Storage) ListFiles(ctx context.Context, dirPath string) ([]string, error) {
	return s.list(ctx, dirPath, false)
}

// ListDirs returns the names of the subdirectories of the given directory,
// excluding the internal temp directory.
func (s *Storage) ListDirs(ctx context.Context, dirPath string) ([]string, error) {
	return s.list(ctx, dirPath, true)
}

func (s *Storage) list(ctx context.Context, dirPath string, dirs bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, dirPath)

	s.globalLock.RLock()
	defer s.globalLock.RUnlock()

	exists, err := s.fs.Exists(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check directory existence: %w", err)
	}
	if !exists {
		return []string{}, nil
	}

	entries, err := s.fs.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %q: %w", fullPath, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() != dirs {
			continue
		}
		if dirs && entry.Name() == tempDirName {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// CleanupTempFiles removes leftover scratch files from interrupted writes.
func (s *Storage) CleanupTempFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	entries, err := s.fs.ReadDir(s.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp directory: %w", err)
	}
	for _, entry := range entries {
		if err := s.fs.RemoveAll(filepath.Join(s.tempDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove temp file %q: %w", entry.Name(), err)
		}
	}
	return nil
}

// Size returns the total size of all files in the storage.
func (s *Storage) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}

	var totalSize int64
	walkFn := func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			totalSize += info.Size()
		}
		return nil
	}

	s.globalLock.RLock()
	err := s.fs.Walk(s.rootPath, walkFn)
	s.globalLock.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("failed to calculate storage size: %w", err)
	}

	return totalSize, nil
}

// writeWithChecksum writes data prefixed by a line holding its SHA256 checksum.
// Callers hold the global lock.
func (s *Storage) writeWithChecksum(path string, data []byte) error {
	file, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", path, err)
	}
	defer file.Close()

	sum := sha256.Sum256(data)
	if _, err := file.Write([]byte(hex.EncodeToString(sum[:]) + "\n")); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	return nil
}

// readWithChecksum reads a file written by writeWithChecksum and verifies it.
// Callers hold the global read lock.
func (s *Storage) readWithChecksum(path string) ([]byte, error) {
	raw, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}

	checksum, data, ok := bytes.Cut(raw, []byte("\n"))
	if !ok {
		return nil, ErrCacheCorrupted
	}

	sum := sha256.Sum256(data)
	if string(checksum) != hex.EncodeToString(sum[:]) {
		return nil, ErrCacheCorrupted
	}

	return data, nil
}
