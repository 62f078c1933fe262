package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// Signer signs checksums with an Ed25519 private key
type Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
}

// NewSigner wraps a private key. The key id is derived from the public key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.NewCryptoError("INVALID_SIGNING_KEY",
			fmt.Sprintf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key)))
	}
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{keyID: KeyID(pub), privateKey: key}, nil
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.NewCryptoError("KEY_GENERATION_FAILED", "failed to generate signing key").WithCause(err)
	}
	return NewSigner(priv)
}

// LoadSigner reads a PKCS#8 PEM encoded Ed25519 private key from disk
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewCryptoError("SIGNING_KEY_UNREADABLE", "failed to read signing key").WithCause(err)
	}
	return ParseSigner(data)
}

// ParseSigner decodes a PKCS#8 PEM encoded Ed25519 private key
func ParseSigner(pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.NewCryptoError("INVALID_SIGNING_KEY", "signing key is not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.NewCryptoError("INVALID_SIGNING_KEY", "failed to parse signing key").WithCause(err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.NewCryptoError("INVALID_SIGNING_KEY", fmt.Sprintf("signing key must be ed25519, got %T", key))
	}
	return NewSigner(priv)
}

// KeyID returns the first 8 bytes of the SHA-256 of the public key, hex encoded
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// KeyID identifies the key in stored signatures
func (s *Signer) KeyID() string {
	return s.keyID
}

// PublicKey returns the verification key
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// PublicKeyPEM returns the public key as a PKIX PEM block
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.PublicKey())
	if err != nil {
		return "", errors.NewCryptoError("PUBLIC_KEY_ENCODING_FAILED", "failed to encode public key").WithCause(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivateKeyPEM returns the private key as a PKCS#8 PEM block
func (s *Signer) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.privateKey)
	if err != nil {
		return nil, errors.NewCryptoError("PRIVATE_KEY_ENCODING_FAILED", "failed to encode private key").WithCause(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Sign signs the checksum string and returns "<keyId>:<base64>"
func (s *Signer) Sign(checksum string) (string, error) {
	if len(s.privateKey) != ed25519.PrivateKeySize {
		return "", errors.NewCryptoError("SIGNING_FAILED", "signing key is not configured correctly")
	}
	sig := ed25519.Sign(s.privateKey, []byte(checksum))
	return s.keyID + ":" + base64.StdEncoding.EncodeToString(sig), nil
}

// KeyRing holds the public keys trusted for signature verification
type KeyRing struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyRing builds a key ring from public keys
func NewKeyRing(keys ...ed25519.PublicKey) *KeyRing {
	kr := &KeyRing{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

// Add trusts another public key
func (kr *KeyRing) Add(pub ed25519.PublicKey) {
	kr.keys[KeyID(pub)] = pub
}

// Len returns the number of trusted keys
func (kr *KeyRing) Len() int {
	if kr == nil {
		return 0
	}
	return len(kr.keys)
}

// ParsePublicKeyPEM decodes a PKIX PEM Ed25519 public key
func ParsePublicKeyPEM(pemData []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.NewCryptoError("INVALID_PUBLIC_KEY", "public key is not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.NewCryptoError("INVALID_PUBLIC_KEY", "failed to parse public key").WithCause(err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.NewCryptoError("INVALID_PUBLIC_KEY", fmt.Sprintf("public key must be ed25519, got %T", key))
	}
	return pub, nil
}

// verify checks a "<keyId>:<base64>" signature over the checksum
func (kr *KeyRing) verify(checksum, signature string) (bool, string) {
	keyID, encoded, ok := strings.Cut(signature, ":")
	if !ok {
		return false, "malformed signature"
	}
	if kr == nil {
		return false, "no trusted keys configured"
	}
	pub, ok := kr.keys[keyID]
	if !ok {
		return false, "unknown signing key " + keyID
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, "signature is not valid base64"
	}
	if !ed25519.Verify(pub, []byte(checksum), sig) {
		return false, "signature does not match checksum"
	}
	return true, ""
}
