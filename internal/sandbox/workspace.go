package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/runtime"
)

const workspacePrefix = "exec-"

// Owner is the uid/gid that sandboxed steps run as. A nil Owner means the
// steps run as the service user and no chown is needed.
type Owner struct {
	UID int
	GID int
}

// Workspace is a private scratch directory owned by exactly one execution.
type Workspace struct {
	Root      string
	CreatedAt time.Time

	owner  *Owner
	once   sync.Once
	relErr error
}

// AcquireWorkspace creates a fresh directory under base. The caller must
// defer Release.
func AcquireWorkspace(base, execID string, owner *Owner) (*Workspace, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o711); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(base, workspacePrefix+execID+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if owner != nil {
		if err := os.Chown(dir, owner.UID, owner.GID); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("chown workspace: %w", err)
		}
	}
	return &Workspace{Root: dir, CreatedAt: time.Now(), owner: owner}, nil
}

// Path resolves name inside the workspace. Only plain file names are accepted.
func (w *Workspace) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: file name %q", ErrInvalidSubmission, name)
	}
	return filepath.Join(w.Root, name), nil
}

// WriteFile writes data to a new file in the workspace and returns its path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path, err := w.Path(name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, err)
	}
	if w.owner != nil {
		if err := os.Chown(path, w.owner.UID, w.owner.GID); err != nil {
			return "", fmt.Errorf("chown %s: %w", name, err)
		}
	}
	return path, nil
}

// WriteSource writes code under the file name the profile derives from it
// and returns the concrete paths for the profile's command templates.
func (w *Workspace) WriteSource(p runtime.Profile, code string, dir string) (runtime.Paths, error) {
	name, class, err := p.SourceFile(code)
	if err != nil {
		return runtime.Paths{}, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	if _, err := w.WriteFile(name, []byte(code)); err != nil {
		return runtime.Paths{}, err
	}
	paths := runtime.Paths{
		Dir:    dir,
		Source: filepath.Join(dir, name),
		Class:  class,
	}
	if p.BinaryName != "" {
		paths.Binary = filepath.Join(dir, p.BinaryName)
	}
	return paths, nil
}

// Release removes the workspace and everything in it. It is safe to call
// more than once; later calls return the first result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.relErr = removeTree(w.Root)
	})
	return w.relErr
}

// removeTree deletes dir even when sandboxed code stripped permissions
// from directories inside it.
func removeTree(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				_ = os.Chmod(path, 0o700)
			}
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	return nil
}

// SweepWorkspaces removes workspaces left behind by a previous process.
// It must run before the dispatcher starts.
func SweepWorkspaces(base string) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing workspace root: %w", err)
	}

	var removed int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		path := filepath.Join(base, e.Name())
		if err := removeTree(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove stale workspace")
			continue
		}
		removed++
	}
	return removed, nil
}
