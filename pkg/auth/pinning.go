package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/brine/pkg/security"
)

// PinStore remembers the public key each master presented on first
// contact, in {pki_dir}/minion_master/{addr}.pub
type PinStore struct {
	dir string
}

// NewPinStore creates a pin store under pkiDir
func NewPinStore(pkiDir string) *PinStore {
	return &PinStore{dir: filepath.Join(pkiDir, "minion_master")}
}

var pinReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// Path returns the pin file for a master address
func (p *PinStore) Path(addr string) string {
	return filepath.Join(p.dir, pinReplacer.Replace(addr)+".pub")
}

// Pinned returns the pinned key for addr
func (p *PinStore) Pinned(addr string) (string, bool, error) {
	data, err := os.ReadFile(p.Path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read pinned master key: %w", err)
	}
	return security.CleanKey(string(data)), true, nil
}

// Pin records pubPEM as the key of addr
func (p *PinStore) Pin(addr, pubPEM string) error {
	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("failed to create pin dir: %w", err)
	}
	return security.WriteFileAtomic(p.Path(addr), []byte(security.CleanKey(pubPEM)+"\n"), 0644)
}

// Reset forgets the key of addr so the next contact pins again
func (p *PinStore) Reset(addr string) error {
	if err := os.Remove(p.Path(addr)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// VerifyMasterIdentity checks a master's claim to a session key: the
// claimed key must equal the pinned one, if any, and proofSig must be the
// claimed key's signature over the key digest. It reports whether addr had
// no pin yet.
func (p *PinStore) VerifyMasterIdentity(addr, claimedPEM string, claimed *rsa.PublicKey, proofSig []byte, aes string) (bool, error) {
	pinned, ok, err := p.Pinned(addr)
	if err != nil {
		return false, err
	}
	if ok && pinned != security.CleanKey(claimedPEM) {
		return false, fmt.Errorf("%w: master %s presented a key that differs from the pinned key", security.ErrIdentityMismatch, addr)
	}
	if !security.Verify(claimed, security.KeyDigest(aes), proofSig) {
		return false, fmt.Errorf("%w: session key signature from %s is invalid", security.ErrIdentityMismatch, addr)
	}
	return !ok, nil
}
