package master

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/security"
)

// ErrPeerKeyMismatch is returned when the cluster peers directory holds a
// different public key for this master's id
var ErrPeerKeyMismatch = errors.New("cluster peer key does not match local master key")

// MasterKeys holds the RSA keys a master presents to minions.
// In cluster mode the shared cluster key is the identity every master
// presents, so a minion sees the same key from each of them.
type MasterKeys struct {
	master  *security.Keypair
	cluster *security.Keypair
}

// LoadMasterKeys loads or generates {pki_dir}/master.pem. With a cluster id
// it also loads {cluster_pki_dir}/cluster.pem and registers the master key
// under {cluster_pki_dir}/peers.
func LoadMasterKeys(cfg *config.MasterConfig) (*MasterKeys, error) {
	mk, err := security.EnsureKeypair(cfg.PKIDir, "master", cfg.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	keys := &MasterKeys{master: mk}

	if cfg.ClusterID == "" {
		return keys, nil
	}

	ck, err := security.EnsureKeypair(cfg.ClusterPKIDir, "cluster", cfg.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster key: %w", err)
	}
	keys.cluster = ck

	if err := checkPeerKey(cfg.ClusterPKIDir, cfg.ID, mk); err != nil {
		return nil, err
	}
	return keys, nil
}

// checkPeerKey publishes this master's public key under peers/{id}.pub, or
// verifies the one already there.
func checkPeerKey(clusterPKIDir, id string, kp *security.Keypair) error {
	local, err := kp.PublicPEM()
	if err != nil {
		return err
	}

	peers := filepath.Join(clusterPKIDir, "peers")
	if err := os.MkdirAll(peers, 0755); err != nil {
		return fmt.Errorf("failed to create peers dir: %w", err)
	}
	path := filepath.Join(peers, id+".pub")

	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return security.WriteFileAtomic(path, []byte(local+"\n"), 0644)
	case err != nil:
		return fmt.Errorf("failed to read peer key: %w", err)
	}

	if security.CleanKey(string(existing)) != local {
		return fmt.Errorf("%w: %s", ErrPeerKeyMismatch, path)
	}
	return nil
}

func (k *MasterKeys) identity() *security.Keypair {
	if k.cluster != nil {
		return k.cluster
	}
	return k.master
}

// Private returns the key used to sign replies and decrypt minion tokens
func (k *MasterKeys) Private() *rsa.PrivateKey {
	return k.identity().Private
}

// Public returns the public half of Private
func (k *MasterKeys) Public() *rsa.PublicKey {
	return k.identity().Public
}

// PublicPEM returns the PEM text sent to minions as pub_key
func (k *MasterKeys) PublicPEM() (string, error) {
	return k.identity().PublicPEM()
}

// MasterKeypair returns the per-master key, which differs from the
// presented identity in cluster mode
func (k *MasterKeys) MasterKeypair() *security.Keypair {
	return k.master
}

// Clustered reports whether the cluster key is in use
func (k *MasterKeys) Clustered() bool {
	return k.cluster != nil
}

// Sign signs data with the presented identity key
func (k *MasterKeys) Sign(data []byte) ([]byte, error) {
	return security.Sign(k.Private(), data)
}

// DecryptToken recovers a token a minion encrypted to the presented key
func (k *MasterKeys) DecryptToken(token []byte) ([]byte, error) {
	return security.DecryptOAEP(k.Private(), token)
}
