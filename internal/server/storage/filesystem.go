package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsafePath = errors.New("path escapes storage root")
	ErrNotExist   = errors.New("object does not exist")
)

const (
	chunksDir = "chunks"
	tempDir   = "temp"
	sharesDir = "shares"
)

// Store defines the interface for file storage backends. All paths it
// accepts and returns are relative to the storage root.
type Store interface {
	EnsureDir() error
	Path(rel string) (string, error)
	Exists(rel string) bool
	Open(rel string) (*os.File, error)
	Remove(rel string) error
	RemoveAll(rel string) error

	ChunkDir(userID int64, uploadID string) string
	EnsureChunkDir(userID int64, uploadID string) error
	SaveChunk(userID int64, uploadID string, index int, data io.Reader) (string, int64, error)

	CreateTemp(userID int64, ext string) (string, *os.File, error)
	IsTempOf(userID int64, rel string) bool

	ShareDir(sharePath string) string
	ArchivePath(sharePath string) string
	EnsureShareDir(sharePath string) error
	MoveIntoShare(srcRel, sharePath, relDir, name string) (string, error)
	SaveIntoShare(sharePath, relDir, name string, data io.Reader) (string, int64, error)
}

// FileSystemStore stores chunks, staged files and shares on the local
// filesystem under a single root:
//
//	chunks/{user}/{upload}/{index}
//	temp/{user}/{uuid}{ext}
//	shares/{bucket}/{long_id}/...   and   shares/{bucket}/{long_id}.zip
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage root and its top-level areas.
func (fs *FileSystemStore) EnsureDir() error {
	for _, dir := range []string{chunksDir, tempDir, sharesDir} {
		p := filepath.Join(fs.basePath, dir)
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", p, err)
		}
	}
	return nil
}

// SafeJoin joins rel onto base, rejecting absolute paths and any path that
// would resolve outside base.
func SafeJoin(base, rel string) (string, error) {
	rel = filepath.FromSlash(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "" || rel == "." {
		return base, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(base, rel), nil
}

// Path resolves a storage-relative path to an absolute one.
func (fs *FileSystemStore) Path(rel string) (string, error) {
	return SafeJoin(fs.basePath, rel)
}

// Exists reports whether rel is present.
func (fs *FileSystemStore) Exists(rel string) bool {
	p, err := fs.Path(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Open opens a stored object for reading.
func (fs *FileSystemStore) Open(rel string) (*os.File, error) {
	p, err := fs.Path(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, rel)
		}
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	return f, nil
}

// Remove deletes a single object. Missing objects are not an error.
func (fs *FileSystemStore) Remove(rel string) error {
	p, err := fs.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// RemoveAll deletes rel and everything below it.
func (fs *FileSystemStore) RemoveAll(rel string) error {
	p, err := fs.Path(rel)
	if err != nil {
		return err
	}
	if p == fs.basePath {
		return fmt.Errorf("%w: refusing to remove storage root", ErrUnsafePath)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// --- Chunk area ---

// ChunkDir returns the staging directory of an upload session.
func (fs *FileSystemStore) ChunkDir(userID int64, uploadID string) string {
	return filepath.Join(chunksDir, strconv.FormatInt(userID, 10), uploadID)
}

// EnsureChunkDir creates the staging directory of an upload session.
func (fs *FileSystemStore) EnsureChunkDir(userID int64, uploadID string) error {
	p, err := fs.Path(fs.ChunkDir(userID, uploadID))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return nil
}

// SaveChunk writes a chunk to chunks/{user}/{upload}/{index}. The write goes
// to a sibling temp file that is renamed over the final name, so a resent
// chunk replaces the previous bytes atomically.
func (fs *FileSystemStore) SaveChunk(userID int64, uploadID string, index int, data io.Reader) (string, int64, error) {
	rel := filepath.Join(fs.ChunkDir(userID, uploadID), strconv.Itoa(index))
	final, err := fs.Path(rel)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	n, err := writeAtomic(final, data)
	if err != nil {
		return "", 0, err
	}
	return rel, n, nil
}

func writeAtomic(final string, data io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", final, err)
	}

	n, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to commit file %s: %w", final, err)
	}
	return n, nil
}

// --- Temp area ---

// CreateTemp creates a fresh staged file temp/{user}/{uuid}{ext}.
func (fs *FileSystemStore) CreateTemp(userID int64, ext string) (string, *os.File, error) {
	rel := filepath.Join(tempDir, strconv.FormatInt(userID, 10), uuid.NewString()+ext)
	p, err := fs.Path(rel)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return rel, f, nil
}

// IsTempOf reports whether rel is a staged file created for userID.
func (fs *FileSystemStore) IsTempOf(userID int64, rel string) bool {
	prefix := filepath.Join(tempDir, strconv.FormatInt(userID, 10)) + string(filepath.Separator)
	return strings.HasPrefix(filepath.Clean(rel), prefix)
}

// --- Share area ---

// ShareDir returns the storage-relative directory of a share whose path is
// {bucket}/{long_id}.
func (fs *FileSystemStore) ShareDir(sharePath string) string {
	return filepath.Join(sharesDir, filepath.FromSlash(sharePath))
}

// ArchivePath returns the storage-relative archive of a share.
func (fs *FileSystemStore) ArchivePath(sharePath string) string {
	return fs.ShareDir(sharePath) + ".zip"
}

// EnsureShareDir creates a share directory.
func (fs *FileSystemStore) EnsureShareDir(sharePath string) error {
	p, err := fs.Path(fs.ShareDir(sharePath))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create share directory: %w", err)
	}
	return nil
}

// shareTarget resolves the destination of name under relDir inside a share
// and picks a free name if one is already taken.
func (fs *FileSystemStore) shareTarget(sharePath, relDir, name string) (string, error) {
	root, err := fs.Path(fs.ShareDir(sharePath))
	if err != nil {
		return "", err
	}
	dir, err := SafeJoin(root, relDir)
	if err != nil {
		return "", err
	}
	name = filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "", fmt.Errorf("%w: invalid file name", ErrUnsafePath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create share subdirectory: %w", err)
	}
	return uniquePath(filepath.Join(dir, name)), nil
}

func uniquePath(p string) string {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (fs *FileSystemStore) rel(abs string) string {
	r, err := filepath.Rel(fs.basePath, abs)
	if err != nil {
		return abs
	}
	return r
}

// MoveIntoShare renames a staged file into the share directory under relDir
// and returns its new storage-relative path.
func (fs *FileSystemStore) MoveIntoShare(srcRel, sharePath, relDir, name string) (string, error) {
	src, err := fs.Path(srcRel)
	if err != nil {
		return "", err
	}
	dst, err := fs.shareTarget(sharePath, relDir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotExist, srcRel)
		}
		return "", fmt.Errorf("failed to move %s into share: %w", srcRel, err)
	}
	return fs.rel(dst), nil
}

// SaveIntoShare streams data straight into the share directory under relDir.
func (fs *FileSystemStore) SaveIntoShare(sharePath, relDir, name string, data io.Reader) (string, int64, error) {
	dst, err := fs.shareTarget(sharePath, relDir, name)
	if err != nil {
		return "", 0, err
	}
	n, err := writeAtomic(dst, data)
	if err != nil {
		return "", 0, err
	}
	return fs.rel(dst), n, nil
}
