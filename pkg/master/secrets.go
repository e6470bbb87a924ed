package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
)

// Secrets holds the session key set. Readers never see a partial update:
// the set and its crypticles are replaced together under the lock.
type Secrets struct {
	mu    sync.RWMutex
	set   types.SessionKeySet
	cur   *security.Crypticle
	prev  *security.Crypticle
	grace time.Duration
	now   func() time.Time
}

// NewSecrets builds a Secrets from an initial set. now may be nil.
func NewSecrets(set types.SessionKeySet, grace time.Duration, now func() time.Time) (*Secrets, error) {
	if now == nil {
		now = time.Now
	}
	s := &Secrets{grace: grace, now: now}
	if err := s.Install(set); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSessionKeySet generates the first key set
func NewSessionKeySet(aesKeySize int, now time.Time) (types.SessionKeySet, error) {
	key, err := security.GenerateKeyString(aesKeySize)
	if err != nil {
		return types.SessionKeySet{}, err
	}
	return types.SessionKeySet{Current: key, Epoch: 1, RotatedAt: now}, nil
}

// NextSessionKeySet derives the set that follows prev
func NextSessionKeySet(prev types.SessionKeySet, aesKeySize int, now time.Time) (types.SessionKeySet, error) {
	key, err := security.GenerateKeyString(aesKeySize)
	if err != nil {
		return types.SessionKeySet{}, err
	}
	return types.SessionKeySet{
		Current:   key,
		Previous:  prev.Current,
		Epoch:     prev.Epoch + 1,
		RotatedAt: now,
	}, nil
}

// Install replaces the whole key set
func (s *Secrets) Install(set types.SessionKeySet) error {
	cur, err := security.NewCrypticle(set.Current)
	if err != nil {
		return fmt.Errorf("invalid current session key: %w", err)
	}
	var prev *security.Crypticle
	if set.Previous != "" {
		if prev, err = security.NewCrypticle(set.Previous); err != nil {
			return fmt.Errorf("invalid previous session key: %w", err)
		}
	}

	s.mu.Lock()
	s.set = set
	s.cur = cur
	s.prev = prev
	s.mu.Unlock()
	return nil
}

// Rotate installs a fresh key and returns the new set
func (s *Secrets) Rotate(aesKeySize int) (types.SessionKeySet, error) {
	next, err := NextSessionKeySet(s.Snapshot(), aesKeySize, s.now())
	if err != nil {
		return types.SessionKeySet{}, err
	}
	if err := s.Install(next); err != nil {
		return types.SessionKeySet{}, err
	}
	return next, nil
}

// Snapshot returns a copy of the current set
func (s *Secrets) Snapshot() types.SessionKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Current returns the current key string
func (s *Secrets) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Current
}

// Epoch returns the rotation epoch
func (s *Secrets) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Epoch
}

// Crypticles returns the crypticles a request may be encrypted under:
// the current one, then the previous one while it is within grace.
func (s *Secrets) Crypticles() []*security.Crypticle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*security.Crypticle{s.cur}
	if s.prev != nil && s.now().Sub(s.set.RotatedAt) < s.grace {
		out = append(out, s.prev)
	}
	return out
}
