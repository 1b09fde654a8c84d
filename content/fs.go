package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FS stores files on local disk under Root/<uid>/<name>. Files are made
// world-readable so the static file server can serve them back under
// URLPrefix.
type FS struct {
	Root      string
	URLPrefix string
}

// NewFS creates the root directory if needed.
func NewFS(root, urlPrefix string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &FS{Root: root, URLPrefix: urlPrefix}, nil
}

func (s *FS) Put(ctx context.Context, uid uint64, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := CleanName(name)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.Root, filepath.FromSlash(ownerKey(uid, name)))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create user directory: %w", err)
	}

	// write to a temp file first so a reader never sees a partial body
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("chmod file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}
	return path.Join("/", s.URLPrefix, ownerKey(uid, name)), nil
}

func (s *FS) Delete(ctx context.Context, uid uint64, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := CleanName(name)
	if err != nil {
		return err
	}
	full := filepath.Join(s.Root, filepath.FromSlash(ownerKey(uid, name)))
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
