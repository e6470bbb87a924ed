package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/brine/pkg/payload"
	"github.com/google/uuid"
)

const (
	// DefaultAESKeySize is the AES key size in bits
	DefaultAESKeySize = 192

	// SigSize is the HMAC-SHA256 key and tag size in bytes
	SigSize = 32

	// NonceSize is the length of a nonce string
	NonceSize = 32
)

// padMarker prefixes every plaintext so a wrong key is detected before the
// payload is decoded
var padMarker = []byte("::brine:pad::")

// Crypticle encrypts and authenticates messages with a shared session key.
// The key string is base64(aesKey || hmacKey).
type Crypticle struct {
	aesKey  []byte
	hmacKey []byte

	mu         sync.Mutex
	lastSerial int64
}

// GenerateKeyString returns fresh key material for a Crypticle
func GenerateKeyString(keySize int) (string, error) {
	if keySize == 0 {
		keySize = DefaultAESKeySize
	}
	switch keySize {
	case 128, 192, 256:
	default:
		return "", fmt.Errorf("%w: unsupported AES key size %d", ErrKeyGeneration, keySize)
	}

	key := make([]byte, keySize/8+SigSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewCrypticle creates a Crypticle from a key string made by
// GenerateKeyString
func NewCrypticle(keyString string) (*Crypticle, error) {
	raw, err := base64.StdEncoding.DecodeString(keyString)
	if err != nil {
		return nil, fmt.Errorf("%w: session key is not base64: %v", ErrInvalidKey, err)
	}

	aesLen := len(raw) - SigSize
	switch aesLen {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: session key has length %d", ErrInvalidKey, len(raw))
	}

	return &Crypticle{
		aesKey:  raw[:aesLen],
		hmacKey: raw[aesLen:],
	}, nil
}

// Encrypt encrypts data with AES-CBC and appends an HMAC over IV and ciphertext
func (c *Crypticle) Encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padLen := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+SigSize)
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(out)
	return mac.Sum(out), nil
}

// Decrypt verifies the MAC and decrypts data produced by Encrypt
func (c *Crypticle) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize*2+SigSize {
		return nil, fmt.Errorf("%w: message too short", ErrDecode)
	}

	body, sig := data[:len(data)-SigSize], data[len(data)-SigSize:]
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrDecode)
	}

	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecode)
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	return plain[:len(plain)-padLen], nil
}

// Dumps serializes msg, binds the optional nonce and encrypts the result
func (c *Crypticle) Dumps(msg any, nonce string) ([]byte, error) {
	plain, err := frame(padMarker, msg, nonce)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plain)
}

// Loads decrypts data and returns the decoded message. A message that was
// encrypted under another session key yields an empty Load, the same as a
// stale serial. A nonce mismatch returns ErrNonceVerification.
func (c *Crypticle) Loads(data []byte, nonce string) (payload.Load, error) {
	plain, err := c.Decrypt(data)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(plain, padMarker) {
		return payload.Load{}, nil
	}

	load, err := unframe(plain[len(padMarker):], nonce)
	if err != nil {
		return nil, err
	}

	if load.Has("serial") {
		serial, ok := load.Int("serial")
		delete(load, "serial")
		if !ok || !c.acceptSerial(serial) {
			return payload.Load{}, nil
		}
	}
	return load, nil
}

// acceptSerial reports whether serial is newer than every serial seen so far
func (c *Crypticle) acceptSerial(serial int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serial <= c.lastSerial {
		return false
	}
	c.lastSerial = serial
	return true
}

// frame builds marker || [nonce] || cbor(msg)
func frame(marker []byte, msg any, nonce string) ([]byte, error) {
	body, err := payload.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(marker) + len(nonce) + 2 + len(body))
	buf.Write(marker)
	if nonce != "" {
		if len(nonce) != NonceSize {
			return nil, fmt.Errorf("nonce must be %d characters, got %d", NonceSize, len(nonce))
		}
		buf.WriteByte('[')
		buf.WriteString(nonce)
		buf.WriteByte(']')
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// unframe checks the embedded nonce against the expected one and decodes
// the remaining payload
func unframe(data []byte, nonce string) (payload.Load, error) {
	if nonce != "" {
		if len(data) < NonceSize+2 || data[0] != '[' || data[NonceSize+1] != ']' {
			return nil, fmt.Errorf("%w: nonce missing from message", ErrNonceVerification)
		}
		embedded := data[1 : NonceSize+1]
		if !hmac.Equal(embedded, []byte(nonce)) {
			return nil, ErrNonceVerification
		}
		data = data[NonceSize+2:]
	}

	load, err := payload.Loads(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if load == nil {
		load = payload.Load{}
	}
	return load, nil
}

// NewNonce returns a fresh 32-character hex nonce
func NewNonce() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// SessionID derives the public session identifier of a session key. Every
// master sharing a key reports the same id.
func SessionID(keyString string) string {
	sum := sha256.Sum256([]byte(keyString))
	return fmt.Sprintf("%x", sum[:8])
}

// KeyDigest is the value a master signs to prove it distributed keyString
func KeyDigest(keyString string) []byte {
	sum := sha256.Sum256([]byte(keyString))
	return []byte(fmt.Sprintf("%x", sum[:]))
}
