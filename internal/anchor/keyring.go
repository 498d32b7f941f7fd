package anchor

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// kdfInfo separates checkpoint signing keys from any future key use
// of the same master secret.
const kdfInfo = "tradetrail-anchor-kdf"

// KeyProvider yields the signing key for an instance. Implementations
// must be deterministic: the same instance always gets the same key.
type KeyProvider interface {
	SigningKey(instanceID string) ([]byte, error)
}

// Keyring derives per-instance keys from a single server-held master
// secret via HKDF-SHA256. Compromise of one derived key does not
// expose the master or any sibling instance's key.
type Keyring struct {
	master []byte
}

func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret must be at least 16 bytes, got %d", len(master))
	}
	k := &Keyring{master: make([]byte, len(master))}
	copy(k.master, master)
	return k, nil
}

func (k *Keyring) SigningKey(instanceID string) ([]byte, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance_id is required")
	}
	r := hkdf.New(sha256.New, k.master, []byte(kdfInfo), []byte(instanceID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", instanceID, err)
	}
	return key, nil
}

// Signer produces and checks HMAC-SHA256 signatures with per-instance
// keys. Not a public-key proof: verification requires the server key.
type Signer struct {
	keys KeyProvider
}

func NewSigner(keys KeyProvider) *Signer {
	return &Signer{keys: keys}
}

func (s *Signer) Sign(instanceID string, msg []byte) ([]byte, error) {
	key, err := s.keys.SigningKey(instanceID)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

func (s *Signer) Verify(instanceID string, msg, sig []byte) (bool, error) {
	expected, err := s.Sign(instanceID, msg)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, sig), nil
}
