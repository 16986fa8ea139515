// Package keystore owns the process's single long-lived Ed25519 signing
// keypair (spec §4.1). It persists the private key to durable storage on
// first generation and loads it on every subsequent start; it never rotates
// a key within a process lifetime.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hytaleauth/authd/internal/logging"
)

// Algorithm is the only signing algorithm this store ever produces.
const Algorithm = "EdDSA"

// PublicKeyRecord is the stable, publishable half of the signing key.
// It is derived from the SigningKey and handed out verbatim through the
// JWKS discovery endpoint (spec §3, PublicKeyRecord).
type PublicKeyRecord struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	PublicKey []byte `json:"-"`
	Use       string `json:"use"`
}

// record is the on-disk persisted shape: algorithm, private scalar and
// public point in a standard opaque-bytes (base64) encoding, creation time.
type record struct {
	Algorithm  string    `json:"alg"`
	KeyID      string    `json:"kid"`
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the Key Store component. Zero value is not usable; use New.
type Store struct {
	path string

	mu         sync.RWMutex
	loaded     bool
	kid        string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// New returns a Store that will persist/load its key at path. Loading is
// lazy: nothing touches disk until the first accessor call.
func New(path string) *Store {
	return &Store{path: path}
}

// ensureLoaded loads the persisted key on first call, generating and
// persisting a fresh one if none exists or the existing one is unparseable.
// Persist failures are logged and swallowed: the in-memory key is still
// usable, the process just won't survive a restart with the same identity
// (spec §4.1, "prefers availability over continuity").
func (s *Store) ensureLoaded() error {
	s.mu.RLock()
	if s.loaded {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	if rec, err := s.load(); err == nil {
		s.kid = rec.KeyID
		s.privateKey = rec.private
		s.publicKey = rec.public
		s.loaded = true
		return nil
	} else if s.path != "" {
		logging.Debugf("keystore: no usable persisted key at %s, generating: %v", s.path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keystore: generate ed25519 key: %w", err)
	}
	kid := uuid.NewString()

	s.kid = kid
	s.privateKey = priv
	s.publicKey = pub
	s.loaded = true

	if err := s.persist(kid, priv, pub); err != nil {
		logging.Warnw("keystore: failed to persist signing key, continuing with in-memory key", "error", err)
	}
	return nil
}

type decoded struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
}

func (s *Store) load() (*decoded, error) {
	if s.path == "" {
		return nil, fmt.Errorf("no signing key path configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse persisted key: %w", err)
	}
	if rec.Algorithm != Algorithm {
		return nil, fmt.Errorf("persisted key has unsupported algorithm %q", rec.Algorithm)
	}
	priv, err := base64.StdEncoding.DecodeString(rec.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("persisted private key is malformed")
	}
	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("persisted public key is malformed")
	}
	if rec.KeyID == "" {
		return nil, fmt.Errorf("persisted key is missing a key id")
	}
	return &decoded{private: ed25519.PrivateKey(priv), public: ed25519.PublicKey(pub), KeyID: rec.KeyID}, nil
}

// persist writes the key atomically: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never leaves
// a half-written file that a subsequent start would try to load.
func (s *Store) persist(kid string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if s.path == "" {
		return fmt.Errorf("no signing key path configured")
	}
	rec := record{
		Algorithm:  Algorithm,
		KeyID:      kid,
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".signing-key-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp key file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp key file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp key file into place: %w", err)
	}
	return nil
}

// Algorithm returns the fixed EdDSA algorithm tag.
func (s *Store) Algorithm() string { return Algorithm }

// KeyID returns the stable key id, loading/generating the key if necessary.
func (s *Store) KeyID() (string, error) {
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kid, nil
}

// GetPublicKeyRecord returns the stable public record for discovery.
func (s *Store) GetPublicKeyRecord() (PublicKeyRecord, error) {
	if err := s.ensureLoaded(); err != nil {
		return PublicKeyRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PublicKeyRecord{
		Algorithm: Algorithm,
		KeyID:     s.kid,
		PublicKey: append([]byte(nil), s.publicKey...),
		Use:       "sig",
	}, nil
}

// PublicKey returns the raw public key, loading/generating if necessary.
func (s *Store) PublicKey() (ed25519.PublicKey, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey, nil
}

// Sign produces a detached Ed25519 signature over data.
func (s *Store) Sign(data []byte) ([]byte, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ed25519.Sign(s.privateKey, data), nil
}
