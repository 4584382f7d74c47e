// Package security holds the RSA key pairs used by the handshake and the
// certificate helper for the admin API.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/exoengine/exocore/internal/message"
)

const (
	// KeyBits is the modulus size of generated keys.
	KeyBits = 2048
	// PublicExponent is the exponent of generated keys (RSA_F4).
	PublicExponent = 65537
	// oaepOverhead is the padding cost of OAEP with SHA-1: 2*20+2 bytes.
	oaepOverhead = 42

	pemPublicType  = "RSA PUBLIC KEY"
	pemPrivateType = "RSA PRIVATE KEY"
)

var (
	// ErrMessageTooLarge is returned when a plaintext does not fit one block.
	ErrMessageTooLarge = errors.New("message too large for key")
	// ErrPublicOnly is returned when decrypting with a public-only key.
	ErrPublicOnly = errors.New("key has no private part")
	// ErrInvalidKey is returned for unparseable key material.
	ErrInvalidKey = errors.New("invalid rsa key")
)

// RsaKey is either a full key pair or a public-only key built from a peer's
// PEM text. Encryption uses OAEP with SHA-1.
type RsaKey struct {
	mu         sync.RWMutex
	private    *rsa.PrivateKey
	public     *rsa.PublicKey
	publicPEM  string
	privatePEM string
}

// GenerateKey creates a fresh 2048-bit key pair.
func GenerateKey() (*RsaKey, error) {
	k := &RsaKey{}
	if err := k.Regenerate(); err != nil {
		return nil, err
	}
	return k, nil
}

// NewPublicKey builds a public-only key from PKCS#1 PEM text.
func NewPublicKey(pemText string) (*RsaKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != pemPublicType {
		return nil, fmt.Errorf("decode public key pem: %w", ErrInvalidKey)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %v: %w", err, ErrInvalidKey)
	}
	if pub.N.BitLen() < oaepOverhead*8 {
		return nil, fmt.Errorf("public key of %d bits: %w", pub.N.BitLen(), ErrInvalidKey)
	}
	return &RsaKey{public: pub, publicPEM: pemText}, nil
}

// NewPrivateKey builds a key pair from PKCS#1 PEM text.
func NewPrivateKey(pemText string) (*RsaKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != pemPrivateType {
		return nil, fmt.Errorf("decode private key pem: %w", ErrInvalidKey)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %v: %w", err, ErrInvalidKey)
	}
	k := &RsaKey{}
	k.set(priv)
	return k, nil
}

// Regenerate replaces the key pair with a new one. A public-only key
// becomes a full pair.
func (k *RsaKey) Regenerate() error {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate rsa key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.set(priv)
	return nil
}

func (k *RsaKey) set(priv *rsa.PrivateKey) {
	k.private = priv
	k.public = &priv.PublicKey
	k.publicPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  pemPublicType,
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}))
	k.privatePEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  pemPrivateType,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

// Size returns the modulus size in bytes, which is also the ciphertext size.
func (k *RsaKey) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.public.Size()
}

// MaxPlaintext returns the largest plaintext Encrypt accepts.
func (k *RsaKey) MaxPlaintext() int {
	return k.Size() - oaepOverhead
}

// HasPrivate reports whether the key can decrypt.
func (k *RsaKey) HasPrivate() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private != nil
}

// PublicKey returns the PEM text of the public key.
func (k *RsaKey) PublicKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.publicPEM
}

// PrivateKey returns the PEM text of the private key, or "" for a
// public-only key.
func (k *RsaKey) PrivateKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.privatePEM
}

// Encrypt seals m into a single block of Size() bytes.
func (k *RsaKey) Encrypt(m *message.Message) (*message.Message, error) {
	out, err := k.encrypt(m.Bytes())
	if err != nil {
		return nil, err
	}
	return message.FromBytes(out), nil
}

// Decrypt opens a single block produced by Encrypt.
func (k *RsaKey) Decrypt(m *message.Message) (*message.Message, error) {
	out, err := k.decrypt(m.Bytes())
	if err != nil {
		return nil, err
	}
	return message.FromBytes(out), nil
}

// Seal encrypts data of any length as a sequence of blocks, each holding at
// most MaxPlaintext bytes.
func (k *RsaKey) Seal(data []byte) ([]byte, error) {
	chunk := k.MaxPlaintext()
	out := make([]byte, 0, (len(data)/chunk+1)*k.Size())
	for len(data) > 0 || len(out) == 0 {
		n := min(chunk, len(data))
		block, err := k.encrypt(data[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		data = data[n:]
	}
	return out, nil
}

// Open decrypts the output of Seal.
func (k *RsaKey) Open(data []byte) ([]byte, error) {
	size := k.Size()
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("ciphertext of %d bytes is not a multiple of %d: %w", len(data), size, ErrInvalidKey)
	}
	var out []byte
	for off := 0; off < len(data); off += size {
		plain, err := k.decrypt(data[off : off+size])
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

func (k *RsaKey) encrypt(data []byte) ([]byte, error) {
	k.mu.RLock()
	pub := k.public
	k.mu.RUnlock()

	if len(data) > pub.Size()-oaepOverhead {
		return nil, fmt.Errorf("encrypt %d bytes, max %d: %w", len(data), pub.Size()-oaepOverhead, ErrMessageTooLarge)
	}
	out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return out, nil
}

func (k *RsaKey) decrypt(data []byte) ([]byte, error) {
	k.mu.RLock()
	priv := k.private
	k.mu.RUnlock()

	if priv == nil {
		return nil, ErrPublicOnly
	}
	out, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return out, nil
}
