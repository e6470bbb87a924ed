package master

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
)

var (
	// ErrInvalidMinionID is returned for ids that cannot name a key file
	ErrInvalidMinionID = errors.New("invalid minion id")

	// ErrKeyNotFound is returned when no directory holds a key for the id
	ErrKeyNotFound = errors.New("minion key not found")
)

var statusDirs = map[types.KeyStatus]string{
	types.KeyStatusAccepted: "minions",
	types.KeyStatusPending:  "minions_pre",
	types.KeyStatusRejected: "minions_rejected",
	types.KeyStatusDenied:   "minions_denied",
}

// lookupOrder is the order Status consults the directories in
var lookupOrder = []types.KeyStatus{
	types.KeyStatusRejected,
	types.KeyStatusAccepted,
	types.KeyStatusPending,
	types.KeyStatusDenied,
}

// MinionKeys stores minion public keys as files, one directory per status
type MinionKeys struct {
	root string
}

// NewMinionKeys creates the status directories under root
func NewMinionKeys(root string) (*MinionKeys, error) {
	for _, dir := range statusDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("failed to create key dir: %w", err)
		}
	}
	return &MinionKeys{root: root}, nil
}

// ValidID reports whether id can safely name a key file
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

func (m *MinionKeys) path(status types.KeyStatus, id string) string {
	return filepath.Join(m.root, statusDirs[status], id)
}

// Get reads the key stored for id under status
func (m *MinionKeys) Get(status types.KeyStatus, id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidMinionID
	}
	data, err := os.ReadFile(m.path(status, id))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read minion key: %w", err)
	}
	return security.CleanKey(string(data)), nil
}

// Status finds which directory holds id. A rejected key wins over any other.
func (m *MinionKeys) Status(id string) (types.AcceptedKeyRecord, error) {
	for _, st := range lookupOrder {
		pub, err := m.Get(st, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return types.AcceptedKeyRecord{}, err
		}
		return types.AcceptedKeyRecord{ID: id, PublicKey: pub, Status: st}, nil
	}
	return types.AcceptedKeyRecord{}, ErrKeyNotFound
}

// Put writes pub under status
func (m *MinionKeys) Put(status types.KeyStatus, id, pub string) error {
	if !ValidID(id) {
		return ErrInvalidMinionID
	}
	return security.WriteFileAtomic(m.path(status, id), []byte(security.CleanKey(pub)+"\n"), 0644)
}

// Move relocates id's key to status, removing it from every other status
func (m *MinionKeys) Move(id string, to types.KeyStatus) (types.AcceptedKeyRecord, error) {
	rec, err := m.Status(id)
	if err != nil {
		return rec, err
	}
	if err := m.Put(to, id, rec.PublicKey); err != nil {
		return rec, err
	}
	for st := range statusDirs {
		if st == to {
			continue
		}
		if err := os.Remove(m.path(st, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("failed to remove %s key: %w", st, err)
		}
	}
	rec.Status = to
	return rec, nil
}

// Transition moves id to status to, provided it currently holds one of
// the statuses in from
func (m *MinionKeys) Transition(id string, to types.KeyStatus, from ...types.KeyStatus) (types.AcceptedKeyRecord, error) {
	rec, err := m.Status(id)
	if err != nil {
		return rec, err
	}
	if !slices.Contains(from, rec.Status) {
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rec.Status)
	}
	return m.Move(id, to)
}

// Delete removes id from every directory
func (m *MinionKeys) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidMinionID
	}
	found := false
	for st := range statusDirs {
		err := os.Remove(m.path(st, id))
		if err == nil {
			found = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s key: %w", st, err)
		}
	}
	if !found {
		return ErrKeyNotFound
	}
	return nil
}

// List returns the ids stored under each status, sorted
func (m *MinionKeys) List() (map[types.KeyStatus][]string, error) {
	out := make(map[types.KeyStatus][]string, len(statusDirs))
	for st, dir := range statusDirs {
		entries, err := os.ReadDir(filepath.Join(m.root, dir))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s keys: %w", st, err)
		}
		ids := []string{}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			ids = append(ids, e.Name())
		}
		sort.Strings(ids)
		out[st] = ids
	}
	return out, nil
}

// CountKeys returns the number of keys per status
func (m *MinionKeys) CountKeys() (map[types.KeyStatus]int, error) {
	list, err := m.List()
	if err != nil {
		return nil, err
	}
	out := make(map[types.KeyStatus]int, len(list))
	for st, ids := range list {
		out[st] = len(ids)
	}
	return out, nil
}
