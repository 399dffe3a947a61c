package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// ErrQuotaExceeded marks a durable write rejected for lack of space. The
// cache handles it internally via eviction and tier downgrade; callers
// never see it.
var ErrQuotaExceeded = errors.New("durable storage quota exceeded")

// DurableTier persists one serialized message list per session. The cache
// treats whatever tier it holds as a hint, never as authority.
type DurableTier interface {
	Save(sessionID string, data []byte) error
	Load(sessionID string) ([]byte, error)
	Delete(sessionID string) error
}

// FileTier stores each session as a JSON file under dir.
type FileTier struct {
	dir string
}

// NewFileTier ensures dir exists and returns a tier over it.
func NewFileTier(dir string) (*FileTier, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &FileTier{dir: dir}, nil
}

func (t *FileTier) path(sessionID string) string {
	// session ids are validated upstream but never trust them as paths
	safe := strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")
	return filepath.Join(t.dir, safe+".json")
}

// Save writes atomically via a temp file rename.
func (t *FileTier) Save(sessionID string, data []byte) error {
	dst := t.path(sessionID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
			return ErrQuotaExceeded
		}
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (t *FileTier) Load(sessionID string) ([]byte, error) {
	data, err := os.ReadFile(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (t *FileTier) Delete(sessionID string) error {
	err := os.Remove(t.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryTier keeps serialized sessions in memory only. It is the downgrade
// target when the durable tier keeps rejecting writes, and doubles as the
// quota-simulating tier in tests via maxBytes.
type MemoryTier struct {
	mu       sync.Mutex
	data     map[string][]byte
	maxBytes int
}

// NewMemoryTier returns a tier capped at maxBytes total; zero means
// unlimited.
func NewMemoryTier(maxBytes int) *MemoryTier {
	return &MemoryTier{data: map[string][]byte{}, maxBytes: maxBytes}
}

func (t *MemoryTier) Save(sessionID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBytes > 0 {
		total := len(data)
		for id, d := range t.data {
			if id != sessionID {
				total += len(d)
			}
		}
		if total > t.maxBytes {
			return ErrQuotaExceeded
		}
	}
	t.data[sessionID] = append([]byte(nil), data...)
	return nil
}

func (t *MemoryTier) Load(sessionID string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.data[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), d...), nil
}

func (t *MemoryTier) Delete(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, sessionID)
	return nil
}
