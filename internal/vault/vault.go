// Package vault holds every piece of key material in the relay: the
// at-rest encryption of voluntary sender addresses, the keyed one-way
// hashes used as rate-limit dimensions, and the opaque capability tokens
// that gate item access. Keys are derived once at construction and never
// leave the package.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/veilbox/veilbox/internal/models"
)

// ErrAccessDenied is returned for any token that does not resolve:
// unknown, malformed, or revoked. The cases are deliberately
// indistinguishable so the endpoint cannot be used as a token oracle.
var ErrAccessDenied = errors.New("access denied")

// Vault performs authenticated encryption and token issuance. The AES key
// and the MAC keys are derived from one master secret via HKDF and are
// immutable after New, so a Vault is safe for concurrent use.
type Vault struct {
	aead           cipher.AEAD
	fingerprintKey []byte
	recipientKey   []byte
	tokens         TokenStore
}

// TokenStore is the persistence the vault needs for access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, itemID int64, tokenHash string, role models.Role) (*models.AccessToken, error)
	GetTokenByHash(ctx context.Context, tokenHash string) (*models.AccessToken, error)
	RevokeToken(ctx context.Context, tokenHash string) error
}

// New derives the vault's keys from masterKey (>= 32 bytes). A missing or
// short key is fatal: there is no plaintext fallback.
func New(masterKey []byte, tokens TokenStore) (*Vault, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("vault: master key must be at least 32 bytes, got %d", len(masterKey))
	}

	encKey, err := deriveKey(masterKey, "veilbox/sender-encryption")
	if err != nil {
		return nil, err
	}
	fpKey, err := deriveKey(masterKey, "veilbox/fingerprint-mac")
	if err != nil {
		return nil, err
	}
	rcptKey, err := deriveKey(masterKey, "veilbox/recipient-mac")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	return &Vault{
		aead:           aead,
		fingerprintKey: fpKey,
		recipientKey:   rcptKey,
		tokens:         tokens,
	}, nil
}

func deriveKey(masterKey []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: deriving %s key: %w", info, err)
	}
	return key, nil
}

// EncryptAddress seals a sender address with AES-256-GCM and a random
// nonce, returning base64.
func (v *Vault) EncryptAddress(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptAddress opens a sealed sender address. Any tampering fails the
// GCM tag check and returns an error; partial plaintext is never returned.
func (v *Vault) DecryptAddress(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: decoding ciphertext: %w", err)
	}
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("vault: ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypting address: %w", err)
	}
	return string(plaintext), nil
}

// Fingerprint derives the stable pseudonymous identifier for a visitor
// token. Keyed, one-way: it cannot be reversed to the token and carries no
// personal identifier.
func (v *Vault) Fingerprint(visitorToken string) string {
	return v.mac(v.fingerprintKey, "tok:"+visitorToken)
}

// FallbackFingerprint is the network-address-derived identity used when no
// visitor token is present. A distinct prefix keeps it from ever colliding
// with a token-derived fingerprint.
func (v *Vault) FallbackFingerprint(networkAddress string) string {
	return v.mac(v.fingerprintKey, "net:"+networkAddress)
}

// HashRecipient normalizes and hashes a recipient address for use as a
// rate-limit dimension and block-registry key.
func (v *Vault) HashRecipient(address string) string {
	normalized := strings.ToLower(strings.TrimSpace(address))
	return v.mac(v.recipientKey, normalized)
}

func (v *Vault) mac(key []byte, input string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// IssueToken mints a new opaque access token (256 bits of entropy) for an
// item and role. Only the SHA-256 digest is persisted.
func (v *Vault) IssueToken(ctx context.Context, itemID int64, role models.Role) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generating token: %w", err)
	}
	token := hex.EncodeToString(b)

	if _, err := v.tokens.CreateToken(ctx, itemID, hashToken(token), role); err != nil {
		return "", fmt.Errorf("vault: storing token: %w", err)
	}
	return token, nil
}

// Resolve maps a presented token to the item it grants access to and the
// role it carries. Every failure mode reads as ErrAccessDenied.
func (v *Vault) Resolve(ctx context.Context, token string) (int64, models.Role, error) {
	if token == "" {
		return 0, "", ErrAccessDenied
	}
	t, err := v.tokens.GetTokenByHash(ctx, hashToken(token))
	if err != nil {
		return 0, "", ErrAccessDenied
	}
	if t.RevokedAt != nil {
		return 0, "", ErrAccessDenied
	}
	return t.ItemID, t.Role, nil
}

// Revoke invalidates a single token without affecting the item's other
// tokens.
func (v *Vault) Revoke(ctx context.Context, token string) error {
	return v.tokens.RevokeToken(ctx, hashToken(token))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewVisitorToken generates the long-lived opaque cookie value a
// fingerprint is derived from.
func NewVisitorToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generating visitor token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
