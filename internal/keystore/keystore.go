// Package keystore persists the small pieces of key material the engine needs
// across restarts: group key, local writer key, symmetric encryption key and
// any pending invite. Each lives in its own file under the data dir so one
// corrupt or missing file never takes the others down.
//
// Load methods never fail: a missing or malformed file reads as "not present"
// because every key is recoverable by re-deriving or re-pairing. Save methods
// are best-effort and log failures without aborting the caller.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const (
	groupKeyFile  = "group-key"
	writerKeyFile = "writer-key"
	encKeyFile    = "encryption-key"
	inviteFile    = "invite.json"
)

// PendingInvite is the persisted form of an unconsumed invite.
type PendingInvite struct {
	ID        string `json:"id"`     // hex, 16 bytes
	Secret    string `json:"secret"` // hex, 32 bytes
	ExpiresAt int64  `json:"expires"`
}

// Store reads and writes key material under a single directory.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// New creates a key store rooted at dir, creating it if needed.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger.With().Str("component", "keystore").Logger()}, nil
}

// SaveGroupKey persists the group key as hex.
func (s *Store) SaveGroupKey(key []byte) {
	s.saveHex(groupKeyFile, key, "group key")
}

// LoadGroupKey returns the saved group key, or false if absent or malformed.
func (s *Store) LoadGroupKey() ([]byte, bool) {
	return s.loadHex(groupKeyFile, 32, "group key")
}

// SaveWriterKey persists the local writer's ed25519 seed.
func (s *Store) SaveWriterKey(priv ed25519.PrivateKey) {
	s.saveHex(writerKeyFile, priv.Seed(), "writer key")
}

// LoadWriterKey returns the saved writer keypair, or false if absent.
func (s *Store) LoadWriterKey() (ed25519.PrivateKey, bool) {
	seed, ok := s.loadHex(writerKeyFile, ed25519.SeedSize, "writer key")
	if !ok {
		return nil, false
	}
	return ed25519.NewKeyFromSeed(seed), true
}

// LoadOrCreateWriterKey returns the persisted writer identity, minting and
// saving a fresh one if none exists.
func (s *Store) LoadOrCreateWriterKey() (ed25519.PrivateKey, error) {
	if priv, ok := s.LoadWriterKey(); ok {
		return priv, nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	s.SaveWriterKey(priv)
	s.logger.Info().Str("writer", hex.EncodeToString(priv.Public().(ed25519.PublicKey))).
		Msg("generated new local writer key")
	return priv, nil
}

// SaveEncryptionKey persists the group's symmetric key. The key itself is
// never logged.
func (s *Store) SaveEncryptionKey(key []byte) {
	s.saveHex(encKeyFile, key, "encryption key")
}

// LoadEncryptionKey returns the saved symmetric key, or false if absent.
func (s *Store) LoadEncryptionKey() ([]byte, bool) {
	return s.loadHex(encKeyFile, 32, "encryption key")
}

// SaveInvite persists a pending invite so a restart does not lose it.
// Overwrites any previous pending invite.
func (s *Store) SaveInvite(inv PendingInvite) {
	data, err := json.Marshal(inv)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize invite")
		return
	}
	if err := os.WriteFile(s.path(inviteFile), data, 0o600); err != nil {
		s.logger.Error().Err(err).Msg("failed to save invite")
		return
	}
	s.logger.Info().Msg("saved pending invite")
}

// LoadInvite returns the pending invite, or false if none is stored.
func (s *Store) LoadInvite() (PendingInvite, bool) {
	data, err := os.ReadFile(s.path(inviteFile))
	if err != nil {
		return PendingInvite{}, false
	}
	var inv PendingInvite
	if err := json.Unmarshal(data, &inv); err != nil {
		s.logger.Warn().Err(err).Msg("pending invite file is malformed, ignoring")
		return PendingInvite{}, false
	}
	if inv.ID == "" || inv.Secret == "" {
		return PendingInvite{}, false
	}
	return inv, true
}

// DeleteInvite removes the persisted invite after consumption.
func (s *Store) DeleteInvite() {
	if err := os.Remove(s.path(inviteFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Msg("failed to delete invite file")
	}
}

// DeleteGroupKey removes the persisted group key. Used by the corruption
// recovery path before recreating a fresh group.
func (s *Store) DeleteGroupKey() {
	if err := os.Remove(s.path(groupKeyFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Msg("failed to delete group key file")
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) saveHex(name string, key []byte, what string) {
	if err := os.WriteFile(s.path(name), []byte(hex.EncodeToString(key)), 0o600); err != nil {
		s.logger.Error().Err(err).Str("key", what).Msg("failed to save key file")
		return
	}
	s.logger.Debug().Str("key", what).Msg("saved key file")
}

func (s *Store) loadHex(name string, wantLen int, what string) ([]byte, bool) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, false
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != wantLen {
		s.logger.Warn().Str("key", what).Msg("key file is malformed, ignoring")
		return nil, false
	}
	return key, true
}
