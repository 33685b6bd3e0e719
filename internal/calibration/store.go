package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/MrWong99/vocalis/pkg/types"
)

// Store persists profiles per user. Load returns (nil, nil) for users without
// a stored profile, and also for stored profiles that fail [Validate]; the
// latter are logged and treated as "no calibration".
//
// Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, userID string) (*Profile, error)
	Save(ctx context.Context, userID string, p *Profile) error
}

// ErrInvalidUserID is returned for user IDs that cannot name a profile.
var ErrInvalidUserID = errors.New("calibration: invalid user id")

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidUserID reports whether id may be used with a [Store].
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id) && id != "." && id != ".."
}

// guard applies [Validate] to a loaded profile, logging and discarding
// invalid ones.
func guard(source, userID string, p *Profile) *Profile {
	if p == nil {
		return nil
	}
	if err := Validate(p); err != nil {
		slog.Warn("calibration: discarding invalid stored profile",
			"store", source, "user", userID, "err", err)
		return nil
	}
	return p
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

// Load implements [Store].
func (m *MemoryStore) Load(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	p, ok := m.profiles[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return guard("memory", userID, clone(&p)), nil
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, userID string, p *Profile) error {
	if !ValidUserID(userID) {
		return ErrInvalidUserID
	}
	if err := Validate(p); err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = *clone(p)
	return nil
}

func clone(p *Profile) *Profile {
	c := *p
	if p.MFCC != nil {
		c.MFCC = make(map[types.Phoneme]*Baseline, len(p.MFCC))
		for k, v := range p.MFCC {
			b := *v
			c.MFCC[k] = &b
		}
	}
	return &c
}

// FileStore keeps one flat-JSON file per user under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store writing to dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("calibration: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(userID string) string {
	return filepath.Join(f.dir, userID+".json")
}

// Load implements [Store]. Unreadable JSON is treated like an invalid profile.
func (f *FileStore) Load(_ context.Context, userID string) (*Profile, error) {
	if !ValidUserID(userID) {
		return nil, ErrInvalidUserID
	}
	data, err := os.ReadFile(f.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("calibration: read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("calibration: discarding corrupt stored profile",
			"store", "file", "user", userID, "err", err)
		return nil, nil
	}
	return guard("file", userID, &p), nil
}

// Save implements [Store]. The file is replaced atomically.
func (f *FileStore) Save(_ context.Context, userID string, p *Profile) error {
	if !ValidUserID(userID) {
		return ErrInvalidUserID
	}
	data, err := Encode(p)
	if err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, userID+".*.tmp")
	if err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(userID)); err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	return nil
}
