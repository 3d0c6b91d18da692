package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// scopePrefix marks directories owned by the pipeline so Sweep never touches anything else
const scopePrefix = "inv-"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ErrReleased is returned when staging into a scope that was already released
var ErrReleased = errors.New("staging scope already released")

// Manager hands out per-invocation staging directories under a shared root.
type Manager struct {
	root string
}

// NewManager creates the root directory if needed
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the staging root directory
func (m *Manager) Root() string {
	return m.root
}

// NewScope creates a directory unique to one invocation. The invocation id is
// embedded for operators; uniqueness comes from os.MkdirTemp, so concurrent
// invocations with the same id still get distinct directories.
func (m *Manager) NewScope(invocationID string) (*Scope, error) {
	dir, err := os.MkdirTemp(m.root, scopePrefix+sanitize(invocationID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging scope: %w", err)
	}
	return &Scope{dir: dir}, nil
}

// Sweep removes scope directories older than maxAge. These are left behind only
// when a process dies between NewScope and Release.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list staging root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scopePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Scope owns every StagedAsset of one invocation. Release removes the whole
// directory and is safe to call more than once.
type Scope struct {
	dir      string
	mu       sync.Mutex
	assets   []*StagedAsset
	released bool
}

// Dir returns the scope directory
func (s *Scope) Dir() string {
	return s.dir
}

// Stage copies r into a new file inside the scope
func (s *Scope) Stage(ctx context.Context, assetID string, r io.Reader) (*StagedAsset, error) {
	asset, err := s.Acquire(assetID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(asset.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		asset.Release()
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}
	_, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		asset.Release()
		return nil, fmt.Errorf("failed to stage %s: %w", assetID, err)
	}
	return asset, nil
}

// Acquire reserves a unique path inside the scope without creating the file
func (s *Scope) Acquire(assetID string) (*StagedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	name := fmt.Sprintf("%02d-%s", len(s.assets), sanitize(assetID))
	asset := &StagedAsset{Path: filepath.Join(s.dir, name)}
	s.assets = append(s.assets, asset)
	return asset, nil
}

// Release removes every staged file and the scope directory
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	for _, a := range s.assets {
		a.Release()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to release staging scope: %w", err)
	}
	return nil
}

// StagedAsset is a pipeline-exclusive local file
type StagedAsset struct {
	Path string
	once sync.Once
}

// ReadAll returns the staged bytes
func (a *StagedAsset) ReadAll() ([]byte, error) {
	return os.ReadFile(a.Path)
}

// Release deletes the file. Missing files are ignored.
func (a *StagedAsset) Release() {
	a.once.Do(func() {
		_ = os.Remove(a.Path)
	})
}

func sanitize(id string) string {
	id = unsafeChars.ReplaceAllString(filepath.Base(id), "_")
	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" || id == "." || id == ".." {
		return "asset"
	}
	return id
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
