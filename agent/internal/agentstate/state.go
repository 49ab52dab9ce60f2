// Package agentstate persists everything an agent needs to survive a
// restart without contacting the hub: its own enrolled identity, and the
// last config_snapshot / secrets_snapshot it received (spec §4.7). Both
// snapshots are sealed with the agent's local keyring before being
// written, the same envelope cipher the hub uses for secrets at rest —
// an agent-state.json left on disk is useless without the master key
// alongside it.
package agentstate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bastionhq.dev/bastion/shared/protocol"
	"bastionhq.dev/bastion/shared/secretcrypto"
)

const (
	identityFileName = "agent-state.json"
	configFileName   = "config.json"
	secretsFileName  = "secrets.json"
	fileMode         = 0o600
)

// Identity is the small bit of durable state an agent needs before it
// can even dial the hub: the id assigned at enrollment.
type Identity struct {
	AgentID string `json:"agent_id"`
}

// sealedFile is the on-disk shape of an encrypted config.json or
// secrets.json: an EncryptedSecret plus enough of the AAD to decrypt it
// back (kind and name are fixed per file, but recorded anyway so a
// decrypt failure is diagnosable without guessing).
type sealedFile struct {
	NodeID     string `json:"node_id"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Kid        uint32 `json:"kid"`
	NonceB64   string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// Store bundles the state directory and keyring every persistence
// operation needs.
type Store struct {
	dir     string
	keyring *secretcrypto.Keyring
}

// Open loads or creates the keyring under dir and returns a Store bound
// to it. dir is created if missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("agentstate: creating state dir: %w", err)
	}
	kr, err := secretcrypto.LoadOrCreate(dir)
	if err != nil {
		return nil, fmt.Errorf("agentstate: loading keyring: %w", err)
	}
	return &Store{dir: dir, keyring: kr}, nil
}

// LoadIdentity reads the persisted agent id, if any. A missing file is
// not an error: the zero Identity means the agent still needs to
// enroll.
func (s *Store) LoadIdentity() (Identity, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, identityFileName))
	if os.IsNotExist(err) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("agentstate: reading identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("agentstate: decoding identity: %w", err)
	}
	return id, nil
}

// SaveIdentity persists id atomically.
func (s *Store) SaveIdentity(id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("agentstate: encoding identity: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, identityFileName), raw)
}

// SaveConfigSnapshot seals and persists snap as config.json.
func (s *Store) SaveConfigSnapshot(snap protocol.ConfigSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("agentstate: encoding config snapshot: %w", err)
	}
	return s.sealAndWrite(configFileName, snap.NodeID, "config_snapshot", raw)
}

// LoadConfigSnapshot opens and decodes the persisted config.json, if
// any.
func (s *Store) LoadConfigSnapshot() (*protocol.ConfigSnapshot, error) {
	raw, ok, err := s.readAndOpen(configFileName, "config_snapshot")
	if err != nil || !ok {
		return nil, err
	}
	var snap protocol.ConfigSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("agentstate: decoding config snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSecretsSnapshot seals and persists snap as secrets.json.
func (s *Store) SaveSecretsSnapshot(snap protocol.SecretsSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("agentstate: encoding secrets snapshot: %w", err)
	}
	return s.sealAndWrite(secretsFileName, snap.NodeID, "secrets_snapshot", raw)
}

// LoadSecretsSnapshot opens and decodes the persisted secrets.json, if
// any.
func (s *Store) LoadSecretsSnapshot() (*protocol.SecretsSnapshot, error) {
	raw, ok, err := s.readAndOpen(secretsFileName, "secrets_snapshot")
	if err != nil || !ok {
		return nil, err
	}
	var snap protocol.SecretsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("agentstate: decoding secrets snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) sealAndWrite(fileName, nodeID, kind string, plaintext []byte) error {
	sealed, err := s.keyring.Encrypt(nodeID, kind, "current", plaintext)
	if err != nil {
		return fmt.Errorf("agentstate: sealing %s: %w", fileName, err)
	}
	sf := sealedFile{
		NodeID:        nodeID,
		Kind:          kind,
		Name:          "current",
		Kid:           sealed.Kid,
		NonceB64:      base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		CiphertextB64: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
	}
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("agentstate: encoding %s: %w", fileName, err)
	}
	return writeAtomic(filepath.Join(s.dir, fileName), raw)
}

func (s *Store) readAndOpen(fileName, kind string) ([]byte, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, fileName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("agentstate: reading %s: %w", fileName, err)
	}
	var sf sealedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, false, fmt.Errorf("agentstate: decoding %s: %w", fileName, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sf.NonceB64)
	if err != nil || len(nonce) != 24 {
		return nil, false, fmt.Errorf("agentstate: %s has invalid nonce", fileName)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sf.CiphertextB64)
	if err != nil {
		return nil, false, fmt.Errorf("agentstate: %s has invalid ciphertext: %w", fileName, err)
	}
	var nonceArr [24]byte
	copy(nonceArr[:], nonce)
	plaintext, err := s.keyring.Decrypt(sf.NodeID, sf.Kind, sf.Name, secretcrypto.EncryptedSecret{
		Kid: sf.Kid, Nonce: nonceArr, Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, false, fmt.Errorf("agentstate: opening %s: %w", fileName, err)
	}
	return plaintext, true, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("agentstate: writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
