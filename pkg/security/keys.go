package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultKeySize is the RSA modulus size for principal keys
	DefaultKeySize = 2048

	// MinKeySize rejects keys too small to carry an OAEP-wrapped session key
	MinKeySize = 2048

	pemTypePublic     = "PUBLIC KEY"
	pemTypeRSAPublic  = "RSA PUBLIC KEY"
	pemTypeRSAPrivate = "RSA PRIVATE KEY"
	pemTypePrivate    = "PRIVATE KEY"
)

// Keypair is a principal's RSA identity on disk
type Keypair struct {
	Private  *rsa.PrivateKey
	Public   *rsa.PublicKey
	PrivPath string
	PubPath  string
}

// PublicPEM returns the normalized PEM text of the public half
func (k *Keypair) PublicPEM() (string, error) {
	return PublicKeyPEM(k.Public)
}

// KeyPaths returns the private and public key paths for a principal
func KeyPaths(pkiDir, name string) (priv, pub string) {
	base := filepath.Join(pkiDir, name)
	return base + ".pem", base + ".pub"
}

// EnsureKeypair loads the keypair for name from pkiDir, generating it first
// when no private key exists yet
func EnsureKeypair(pkiDir, name string, keySize int) (*Keypair, error) {
	privPath, pubPath := KeyPaths(pkiDir, name)

	if _, err := os.Stat(privPath); errors.Is(err, os.ErrNotExist) {
		if err := genKeys(pkiDir, name, keySize); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat private key: %w", err)
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, err
	}

	// A public key that is missing or does not match is re-derived from the
	// private key
	if pub, err := LoadPublicKey(pubPath); err != nil || !pub.Equal(&priv.PublicKey) {
		pubPEM, err := PublicKeyPEM(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(pubPath, []byte(pubPEM+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
	}

	return &Keypair{
		Private:  priv,
		Public:   &priv.PublicKey,
		PrivPath: privPath,
		PubPath:  pubPath,
	}, nil
}

// genKeys writes a new keypair. The private key is staged as a temp file
// and linked into place, so exactly one of several concurrent generators
// creates it; the others keep the winner's key. The public half is written
// only by the winner and is re-derived by EnsureKeypair when missing.
func genKeys(pkiDir, name string, keySize int) error {
	if keySize < MinKeySize {
		return fmt.Errorf("%w: key size %d below minimum %d", ErrKeyGeneration, keySize, MinKeySize)
	}
	if err := os.MkdirAll(pkiDir, 0700); err != nil {
		return fmt.Errorf("%w: failed to create pki dir: %v", ErrKeyGeneration, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	privPath, pubPath := KeyPaths(pkiDir, name)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeRSAPrivate,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM, err := PublicKeyPEM(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	privTmp, err := writeTemp(pkiDir, name+".pem", privPEM, 0400)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	defer os.Remove(privTmp)

	if err := os.Link(privTmp, privPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another generator won the race
			return nil
		}
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	if err := writeFileAtomic(pubPath, []byte(pubPEM+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return nil
}

func writeTemp(dir, pattern string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, "."+pattern+".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := writeTemp(filepath.Dir(path), filepath.Base(path), data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteFileAtomic writes data to path through a temp file and rename
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(path, data, perm)
}

// CleanKey normalizes key text so that keys transported across CRLF, CR
// and LF conventions compare equal
func CleanKey(key string) string {
	key = strings.ReplaceAll(key, "\r\n", "\n")
	key = strings.ReplaceAll(key, "\r", "\n")
	return strings.TrimSpace(key)
}

// PublicKeyPEM encodes pub as a PKIX PEM block, normalized with CleanKey
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return CleanKey(string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}))), nil
}

// ParsePublicKey parses a PEM-encoded RSA public key
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(CleanKey(string(data))))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	switch block.Type {
	case pemTypePublic:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is not RSA", ErrInvalidKey)
		}
		return rsaKey, nil
	case pemTypeRSAPublic:
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// LoadPublicKey reads and parses a public key file
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	key, err := ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("public key %s: %w", path, err)
	}
	return key, nil
}

// ParsePrivateKey parses a PKCS#1 or PKCS#8 PEM-encoded RSA private key
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	switch block.Type {
	case pemTypeRSAPrivate:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case pemTypePrivate:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrInvalidKey)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// LoadPrivateKey reads and parses a private key file
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("private key %s: %w", path, err)
	}
	return key, nil
}

// Sign produces an RSASSA-PKCS1-v1_5 signature over SHA-256(message)
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign
func Verify(pub *rsa.PublicKey, message, signature []byte) bool {
	if pub == nil || len(signature) == 0 {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}

// EncryptOAEP encrypts a short secret to a public key
func EncryptOAEP(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with public key: %w", err)
	}
	return out, nil
}

// DecryptOAEP decrypts data produced by EncryptOAEP
func DecryptOAEP(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// Fingerprint returns the colon-separated SHA-256 fingerprint of a PEM key
func Fingerprint(pemText string) (string, error) {
	block, _ := pem.Decode([]byte(CleanKey(pemText)))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	sum := sha256.Sum256(block.Bytes)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":"), nil
}
