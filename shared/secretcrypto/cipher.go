package secretcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const secretsHKDFInfo = "secrets-v1"

// EncryptedSecret is the sealed form of one secret value, as persisted in
// the secrets table (spec §4.6).
type EncryptedSecret struct {
	Kid        uint32
	Nonce      [24]byte
	Ciphertext []byte
}

// Encrypt seals plaintext under the keyring's active key, with AAD
// "{nodeID}:{kind}:{name}" binding the ciphertext to its row identity.
func (k *Keyring) Encrypt(nodeID, kind, name string, plaintext []byte) (EncryptedSecret, error) {
	entry, ok := k.key(k.activeKid)
	if !ok {
		return EncryptedSecret{}, fmt.Errorf("secretcrypto: active key %d not found", k.activeKid)
	}

	aead, err := newAEAD(entry.Key)
	if err != nil {
		return EncryptedSecret{}, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return EncryptedSecret{}, fmt.Errorf("secretcrypto: generating nonce: %w", err)
	}

	aad := []byte(fmt.Sprintf("%s:%s:%s", nodeID, kind, name))
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	return EncryptedSecret{Kid: entry.Kid, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens an EncryptedSecret. It first tries the current AAD
// scheme ("{nodeID}:{kind}:{name}"), then falls back to the legacy v1
// scheme ("{kind}:{name}") for secrets sealed before node_id was added.
func (k *Keyring) Decrypt(nodeID, kind, name string, secret EncryptedSecret) ([]byte, error) {
	entry, ok := k.key(secret.Kid)
	if !ok {
		return nil, fmt.Errorf("secretcrypto: key id %d not found", secret.Kid)
	}

	aead, err := newAEAD(entry.Key)
	if err != nil {
		return nil, err
	}

	aad := []byte(fmt.Sprintf("%s:%s:%s", nodeID, kind, name))
	if plaintext, err := aead.Open(nil, secret.Nonce[:], secret.Ciphertext, aad); err == nil {
		return plaintext, nil
	}

	legacyAAD := []byte(fmt.Sprintf("%s:%s", kind, name))
	plaintext, err := aead.Open(nil, secret.Nonce[:], secret.Ciphertext, legacyAAD)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: decryption failed under both current and legacy AAD: %w", err)
	}
	return plaintext, nil
}

func newAEAD(masterKey [32]byte) (cipher.AEAD, error) {
	derived, err := deriveSecretsKey(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(derived[:])
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: constructing XChaCha20-Poly1305: %w", err)
	}
	return aead, nil
}

func deriveSecretsKey(masterKey [32]byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, masterKey[:], nil, []byte(secretsHKDFInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("secretcrypto: deriving secrets key: %w", err)
	}
	return out, nil
}
