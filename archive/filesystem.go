package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

// ErrCorrupted is returned when an archived body does not match its recorded digest.
var ErrCorrupted = errors.New("archive: content digest mismatch")

// Filesystem implements Store on the local filesystem.
// Each object is a framed file holding its metadata header and body.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
	now  func() time.Time
}

// NewFilesystem creates a new filesystem store rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, now: time.Now}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Put stores obj at key, replacing any existing object.
func (fs *Filesystem) Put(ctx context.Context, key string, obj *Object) error {
	path := fs.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	header := &ObjectHeader{
		ContentEncoding: obj.ContentEncoding,
		ContentLength:   int64(len(obj.Body)),
		ArchivedAt:      fs.now().UTC().Format(time.RFC3339),
		ContentHash:     digest(obj.Body),
	}
	if err := WriteFramed(tmp, header, bytes.NewReader(obj.Body)); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Get retrieves the object at key and verifies its digest.
func (fs *Filesystem) Get(ctx context.Context, key string) (*Object, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header, body, err := ReadFramed(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if header.ContentHash != "" && digest(data) != header.ContentHash {
		return nil, fmt.Errorf("%s: %w", key, ErrCorrupted)
	}

	return &Object{Body: data, ContentEncoding: header.ContentEncoding}, nil
}

// Delete removes the object at key. Returns ErrNotFound if it does not exist.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if an object exists at key.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// digest returns the blake3 digest of data in canonical format.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

var _ Store = (*Filesystem)(nil)
