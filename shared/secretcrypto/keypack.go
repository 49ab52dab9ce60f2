package secretcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keypackVersion = 1
	keypackAAD     = "bastion-keypack-v1"

	argon2MemKiB      = 64 * 1024
	argon2TimeCost    = 3
	argon2Parallelism = 1
	argon2SaltLen     = 16
	wrapKeyLen        = 32
)

// Keypack is the on-disk JSON shape of a password-wrapped keyring export
// (spec §4.6, §6).
type Keypack struct {
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	KDF       keypackKDF    `json:"kdf"`
	Cipher    keypackCipher `json:"cipher"`
}

type keypackKDF struct {
	Kind        string `json:"kind"`
	SaltB64     string `json:"salt_b64"`
	MemCostKiB  uint32 `json:"mem_cost_kib"`
	TimeCost    uint32 `json:"time_cost"`
	Parallelism uint8  `json:"parallelism"`
}

type keypackCipher struct {
	Kind          string `json:"kind"`
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// Export wraps the keyring's current JSON file contents under a
// password-derived key and returns the keypack document.
func Export(dataDir, password string) (Keypack, error) {
	raw, err := os.ReadFile(dataDir + "/" + masterKeyFile)
	if err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: reading keyring for export: %w", err)
	}

	var salt [argon2SaltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: generating keypack salt: %w", err)
	}
	wrapKey := deriveWrapKey(password, salt[:])

	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: constructing keypack cipher: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: generating keypack nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce[:], raw, []byte(keypackAAD))

	return Keypack{
		Version:   keypackVersion,
		CreatedAt: time.Now().UTC(),
		KDF: keypackKDF{
			Kind:        "argon2id",
			SaltB64:     base64.StdEncoding.EncodeToString(salt[:]),
			MemCostKiB:  argon2MemKiB,
			TimeCost:    argon2TimeCost,
			Parallelism: argon2Parallelism,
		},
		Cipher: keypackCipher{
			Kind:          "xchacha20poly1305",
			NonceB64:      base64.StdEncoding.EncodeToString(nonce[:]),
			CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		},
	}, nil
}

// WriteFile serializes a Keypack as pretty JSON.
func WriteKeypackFile(path string, kp Keypack) error {
	raw, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return fmt.Errorf("secretcrypto: encoding keypack: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ReadKeypackFile parses a keypack JSON document.
func ReadKeypackFile(path string) (Keypack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: reading keypack: %w", err)
	}
	var kp Keypack
	if err := json.Unmarshal(raw, &kp); err != nil {
		return Keypack{}, fmt.Errorf("secretcrypto: parsing keypack: %w", err)
	}
	if kp.Version != keypackVersion {
		return Keypack{}, fmt.Errorf("secretcrypto: unsupported keypack version %d", kp.Version)
	}
	return kp, nil
}

// Import unwraps kp with password and writes it as dataDir's master.key,
// refusing to overwrite an existing keyring unless force is set.
func Import(dataDir string, kp Keypack, password string, force bool) error {
	destPath := dataDir + "/" + masterKeyFile
	if !force {
		if _, err := os.Stat(destPath); err == nil {
			return fmt.Errorf("secretcrypto: %s already exists, refusing to overwrite without force", destPath)
		}
	}

	if kp.KDF.Kind != "argon2id" {
		return fmt.Errorf("secretcrypto: unsupported keypack kdf %q", kp.KDF.Kind)
	}
	if kp.Cipher.Kind != "xchacha20poly1305" {
		return fmt.Errorf("secretcrypto: unsupported keypack cipher %q", kp.Cipher.Kind)
	}

	salt, err := base64.StdEncoding.DecodeString(kp.KDF.SaltB64)
	if err != nil {
		return fmt.Errorf("secretcrypto: decoding keypack salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kp.Cipher.NonceB64)
	if err != nil {
		return fmt.Errorf("secretcrypto: decoding keypack nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(kp.Cipher.CiphertextB64)
	if err != nil {
		return fmt.Errorf("secretcrypto: decoding keypack ciphertext: %w", err)
	}

	wrapKey := argon2.IDKey([]byte(password), salt, kp.KDF.TimeCost, kp.KDF.MemCostKiB, kp.KDF.Parallelism, wrapKeyLen)
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return fmt.Errorf("secretcrypto: constructing keypack cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(keypackAAD))
	if err != nil {
		return fmt.Errorf("secretcrypto: wrong password or corrupt keypack: %w", err)
	}

	var kf keyringFile
	if err := json.Unmarshal(plaintext, &kf); err != nil {
		return fmt.Errorf("secretcrypto: parsing unwrapped keyring: %w", err)
	}
	if kf.Version != keyringVersion {
		return fmt.Errorf("secretcrypto: unwrapped keyring has unsupported version %d", kf.Version)
	}

	return writeKeyringFileAtomic(destPath, kf)
}

func deriveWrapKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2TimeCost, argon2MemKiB, argon2Parallelism, wrapKeyLen)
}
