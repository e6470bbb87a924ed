package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
)

var (
	// ErrNoClusterKey is returned by Load before any master published a set
	ErrNoClusterKey = errors.New("no cluster session key published")

	// ErrStaleEpoch is returned when publishing a set that does not advance
	// the stored epoch
	ErrStaleEpoch = errors.New("session key epoch is not newer than the stored one")
)

// ClusterStore is where cooperating masters converge on one session key set
type ClusterStore interface {
	// Load returns the latest published set or ErrNoClusterKey
	Load() (types.SessionKeySet, error)

	// Publish stores set. It fails with ErrStaleEpoch when the stored
	// epoch is already at or beyond set.Epoch.
	Publish(set types.SessionKeySet) error

	Close() error
}

// SharedDirStore keeps the set in {cluster_pki_dir}/.aes, a directory
// every master mounts
type SharedDirStore struct {
	path string
}

// NewSharedDirStore creates a store rooted at dir
func NewSharedDirStore(dir string) (*SharedDirStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cluster dir: %w", err)
	}
	return &SharedDirStore{path: filepath.Join(dir, ".aes")}, nil
}

// Load reads the published set
func (s *SharedDirStore) Load() (types.SessionKeySet, error) {
	var set types.SessionKeySet
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return set, ErrNoClusterKey
	}
	if err != nil {
		return set, fmt.Errorf("failed to read cluster key: %w", err)
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("failed to decode cluster key: %w", err)
	}
	return set, nil
}

// Publish writes set atomically, replacing the file
func (s *SharedDirStore) Publish(set types.SessionKeySet) error {
	cur, err := s.Load()
	switch {
	case errors.Is(err, ErrNoClusterKey):
	case err != nil:
		return err
	case cur.Epoch >= set.Epoch:
		return fmt.Errorf("%w: stored %d, got %d", ErrStaleEpoch, cur.Epoch, set.Epoch)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode cluster key: %w", err)
	}
	if err := security.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write cluster key: %w", err)
	}
	return nil
}

func (s *SharedDirStore) Close() error {
	return nil
}
