package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/secretcrypto"
)

// gormSecretRepository is the GORM implementation of SecretRepository. It
// encrypts on write and decrypts on read through the shared keyring,
// keeping plaintext secret values out of the database entirely.
type gormSecretRepository struct {
	db      *gorm.DB
	keyring *secretcrypto.Keyring
}

// NewSecretRepository returns a SecretRepository backed by the provided
// *gorm.DB and keyring.
func NewSecretRepository(gdb *gorm.DB, keyring *secretcrypto.Keyring) SecretRepository {
	return &gormSecretRepository{db: gdb, keyring: keyring}
}

// Put encrypts plaintext under the keyring's active key and upserts the
// (node_id, kind, name) row.
func (r *gormSecretRepository) Put(ctx context.Context, nodeID, kind, name string, plaintext []byte) error {
	sealed, err := r.keyring.Encrypt(nodeID, kind, name, plaintext)
	if err != nil {
		return fmt.Errorf("secrets: encrypt: %w", err)
	}

	var existing db.Secret
	err = r.db.WithContext(ctx).
		First(&existing, "node_id = ? AND kind = ? AND name = ?", nodeID, kind, name).Error
	switch {
	case err == nil:
		existing.Kid = sealed.Kid
		existing.Nonce = sealed.Nonce[:]
		existing.Ciphertext = sealed.Ciphertext
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("secrets: put update: %w", err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		secret := &db.Secret{
			NodeID:     nodeID,
			Kind:       kind,
			Name:       name,
			Kid:        sealed.Kid,
			Nonce:      sealed.Nonce[:],
			Ciphertext: sealed.Ciphertext,
		}
		if err := r.db.WithContext(ctx).Create(secret).Error; err != nil {
			return fmt.Errorf("secrets: put create: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("secrets: put lookup: %w", err)
	}
}

// Get decrypts and returns the plaintext for (node_id, kind, name).
func (r *gormSecretRepository) Get(ctx context.Context, nodeID, kind, name string) ([]byte, error) {
	var secret db.Secret
	err := r.db.WithContext(ctx).
		First(&secret, "node_id = ? AND kind = ? AND name = ?", nodeID, kind, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secrets: get: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], secret.Nonce)
	plaintext, err := r.keyring.Decrypt(nodeID, kind, name, secretcrypto.EncryptedSecret{
		Kid:        secret.Kid,
		Nonce:      nonce,
		Ciphertext: secret.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}

func (r *gormSecretRepository) Delete(ctx context.Context, nodeID, kind, name string) error {
	result := r.db.WithContext(ctx).
		Where("node_id = ? AND kind = ? AND name = ?", nodeID, kind, name).
		Delete(&db.Secret{})
	if result.Error != nil {
		return fmt.Errorf("secrets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSecretRepository) ListByNode(ctx context.Context, nodeID string) ([]db.Secret, error) {
	var secrets []db.Secret
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("kind, name").
		Find(&secrets).Error; err != nil {
		return nil, fmt.Errorf("secrets: list by node: %w", err)
	}
	return secrets, nil
}
