// Package files stores uploaded attachments on disk, named by a generated
// UUID plus the original extension. IDs are opaque to callers; the chat
// payload references them via file_ids.
package files

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxUploadBytes caps one stored attachment.
const MaxUploadBytes = 25 << 20

// idPattern matches a stored file name: UUID plus an optional extension.
var idPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[A-Za-z0-9]{1,10})?$`)

// Stored describes one attachment on disk.
type Stored struct {
	ID       string
	Path     string
	MimeType string
	Size     int64
}

// Store keeps attachments under one directory.
type Store struct {
	dir string
}

// Open creates the directory if needed and returns the store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the reader's content under a fresh ID, keeping the extension
// of the original name for MIME detection later.
func (s *Store) Save(originalName string, r io.Reader) (*Stored, error) {
	ext := sanitizeExt(filepath.Ext(originalName))
	id := uuid.NewString() + ext
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("files: create: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, MaxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("files: write: %w", err)
	}
	if n > MaxUploadBytes {
		os.Remove(path)
		return nil, fmt.Errorf("files: attachment exceeds %d bytes", MaxUploadBytes)
	}

	return &Stored{ID: id, Path: path, MimeType: mimeFor(ext), Size: n}, nil
}

// Get resolves a file ID to its stored attachment.
func (s *Store) Get(id string) (*Stored, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("files: invalid file id %q", id)
	}
	path := filepath.Join(s.dir, id)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("files: %s: %w", id, err)
	}
	return &Stored{
		ID:       id,
		Path:     path,
		MimeType: mimeFor(filepath.Ext(id)),
		Size:     info.Size(),
	}, nil
}

// Delete removes a stored attachment.
func (s *Store) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("files: invalid file id %q", id)
	}
	return os.Remove(filepath.Join(s.dir, id))
}

// sanitizeExt keeps only short alphanumeric extensions; anything else is
// dropped so a crafted name cannot smuggle path bytes into the ID.
func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	trimmed := strings.TrimPrefix(strings.ToLower(ext), ".")
	if len(trimmed) == 0 || len(trimmed) > 10 {
		return ""
	}
	for _, r := range trimmed {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return "." + trimmed
}

func mimeFor(ext string) string {
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
