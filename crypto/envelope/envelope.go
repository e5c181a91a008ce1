// Package envelope implements the two-level AEAD scheme protecting OAuth
// tokens at rest. Token JSON is sealed with a per-envelope 32-byte data
// encryption key (DEK) under AES-256-GCM, and the DEK itself is sealed under
// the process master key. Key rotation therefore only re-wraps the DEK; the
// token ciphertext never changes across a rotation.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
)

const (
	keySize = 32
	ivSize  = 12
)

type (
	// MasterKey is the 32-byte key wrapping every account's DEK. It is a
	// process-wide constant for the lifetime of a config generation.
	MasterKey [keySize]byte

	// TokenSet is the plaintext protected by an envelope. Expiry is Unix
	// milliseconds.
	TokenSet struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Expiry       int64  `json:"expiry"`
	}

	// Envelope is the persisted form: four base64 blobs. IV and Ciphertext
	// seal the token JSON under the DEK; EncryptedDek and DekIV seal the DEK
	// under the master key.
	Envelope struct {
		IV           string `json:"iv"`
		Ciphertext   string `json:"ciphertext"`
		EncryptedDek string `json:"encryptedDek"`
		DekIV        string `json:"dekIv"`
	}

	// DekBackup is the escrow record for one account's wrapped DEK. It
	// deliberately excludes the token IV and ciphertext so the backup alone
	// can never yield plaintext.
	DekBackup struct {
		AccountID    ident.AccountID `json:"accountId"`
		EncryptedDek string          `json:"encryptedDek"`
		DekIV        string          `json:"dekIv"`
		BackedUpAt   int64           `json:"backedUpAt"`
	}
)

// MasterKeyFromSecret derives a master key from an operator-supplied secret.
// The format is detected by shape: a base64 encoding of exactly 32 bytes is
// decoded, a raw 32-byte string is used as-is, and anything else is hashed to
// 32 bytes with SHA-256.
func MasterKeyFromSecret(secret string) MasterKey {
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) == keySize {
		var k MasterKey
		copy(k[:], decoded)
		return k
	}
	if len(secret) == keySize {
		var k MasterKey
		copy(k[:], secret)
		return k
	}
	return MasterKey(sha256.Sum256([]byte(secret)))
}

// Encrypt seals tokens into a fresh envelope. Every call draws a new DEK and
// new IVs, so identical inputs yield differing ciphertexts.
func Encrypt(master MasterKey, tokens TokenSet) (Envelope, error) {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal token set: %w", err)
	}
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return Envelope{}, fmt.Errorf("generate DEK: %w", err)
	}
	iv, ct, err := seal(dek, plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal tokens: %w", err)
	}
	dekIV, wrapped, err := seal(master[:], dek)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap DEK: %w", err)
	}
	return Envelope{
		IV:           base64.StdEncoding.EncodeToString(iv),
		Ciphertext:   base64.StdEncoding.EncodeToString(ct),
		EncryptedDek: base64.StdEncoding.EncodeToString(wrapped),
		DekIV:        base64.StdEncoding.EncodeToString(dekIV),
	}, nil
}

// Decrypt opens an envelope. Any failure — tampered blob, wrong master key,
// wrong DEK — surfaces as fault.ErrCryptoFailure with no partial result.
func Decrypt(master MasterKey, env Envelope) (TokenSet, error) {
	dek, err := unwrapDek(master, env)
	if err != nil {
		return TokenSet{}, err
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: token iv is not valid base64", fault.ErrCryptoFailure)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: token ciphertext is not valid base64", fault.ErrCryptoFailure)
	}
	plaintext, err := open(dek, iv, ct)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: open token ciphertext", fault.ErrCryptoFailure)
	}
	var tokens TokenSet
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return TokenSet{}, fmt.Errorf("%w: token plaintext is not valid JSON", fault.ErrCryptoFailure)
	}
	return tokens, nil
}

// ReEncryptDek re-wraps the envelope's DEK under newMaster. The token IV and
// ciphertext are byte-identical across the rotation; only EncryptedDek and
// DekIV change.
func ReEncryptDek(oldMaster, newMaster MasterKey, env Envelope) (Envelope, error) {
	dek, err := unwrapDek(oldMaster, env)
	if err != nil {
		return Envelope{}, err
	}
	dekIV, wrapped, err := seal(newMaster[:], dek)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap DEK: %w", err)
	}
	out := env
	out.EncryptedDek = base64.StdEncoding.EncodeToString(wrapped)
	out.DekIV = base64.StdEncoding.EncodeToString(dekIV)
	return out, nil
}

// ExtractDekBackup copies the wrapped DEK into an escrow record.
func ExtractDekBackup(accountID ident.AccountID, env Envelope) DekBackup {
	return DekBackup{
		AccountID:    accountID,
		EncryptedDek: env.EncryptedDek,
		DekIV:        env.DekIV,
		BackedUpAt:   time.Now().UnixMilli(),
	}
}

// RestoreDekFromBackup overwrites only the wrapped-DEK fields of env from the
// backup, preserving the token IV and ciphertext.
func RestoreDekFromBackup(env Envelope, backup DekBackup) Envelope {
	out := env
	out.EncryptedDek = backup.EncryptedDek
	out.DekIV = backup.DekIV
	return out
}

// Encode renders the envelope in its persisted JSON form.
func (e Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeEnvelope parses the persisted JSON form.
func DecodeEnvelope(s string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

func unwrapDek(master MasterKey, env Envelope) ([]byte, error) {
	dekIV, err := base64.StdEncoding.DecodeString(env.DekIV)
	if err != nil {
		return nil, fmt.Errorf("%w: dek iv is not valid base64", fault.ErrCryptoFailure)
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedDek)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted dek is not valid base64", fault.ErrCryptoFailure)
	}
	dek, err := open(master[:], dekIV, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap DEK", fault.ErrCryptoFailure)
	}
	if len(dek) != keySize {
		return nil, fmt.Errorf("%w: unwrapped DEK has wrong size", fault.ErrCryptoFailure)
	}
	return dek, nil
}

func seal(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

func open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	return aead.Open(nil, iv, ciphertext, nil)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
