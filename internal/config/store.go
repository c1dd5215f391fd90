package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the single in-process owner of the configuration document. All
// access goes through Read (a snapshot) or Write (a mutable guard); readers
// may run concurrently, writers are exclusive.
type Store struct {
	mu   sync.RWMutex
	doc  *Configuration
	path string
	log  *logrus.Entry
}

// Open loads path into a Store, applying defaults for anything missing and
// the environment overlay for anything the file doesn't already set. A
// missing or malformed file is logged and treated as an empty document.
func Open(path string, log *logrus.Entry) *Store {
	doc := Default()
	doc.UpdateFromEnv()

	data, err := os.ReadFile(path)
	switch {
	case err != nil && os.IsNotExist(err):
		log.WithField("path", path).Info("no configuration file found, starting from defaults")
	case err != nil:
		log.WithError(err).Warn("failed to read configuration file, starting from defaults")
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			log.WithError(err).Warn("malformed configuration file, starting from defaults")
			doc = Default()
			doc.UpdateFromEnv()
		}
	}

	return &Store{doc: &doc, path: path, log: log}
}

// SnapshotGuard is an independent, point-in-time copy of the configuration
// document. It never blocks writers and is safe to read after Read returns.
type SnapshotGuard struct {
	doc Configuration
}

// Config returns the snapshot's document.
func (g SnapshotGuard) Config() *Configuration { return &g.doc }

// Read takes a consistent snapshot of the current document.
func (s *Store) Read() SnapshotGuard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SnapshotGuard{doc: *s.doc}
}

// MutableGuard grants exclusive, in-place access to the live document.
// Exactly one of Commit or Discard must be called to release the guard;
// Commit additionally persists the document to disk. Mutations made through
// a guard that is only Discard-ed are kept in memory but never written out.
type MutableGuard struct {
	*Configuration
	store *Store
	done  *bool
}

// Write acquires exclusive access to the document for mutation.
func (s *Store) Write() MutableGuard {
	s.mu.Lock()
	done := false
	return MutableGuard{Configuration: s.doc, store: s, done: &done}
}

func (g MutableGuard) release() {
	if !*g.done {
		*g.done = true
		g.store.mu.Unlock()
	}
}

// Commit persists the current document to disk and releases the guard.
func (g MutableGuard) Commit() error {
	defer g.release()
	return g.store.persist()
}

// Discard releases the guard without persisting. Mutations already applied
// through the guard remain visible in memory.
func (g MutableGuard) Discard() {
	g.release()
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.log.WithError(err).Error("failed to marshal configuration")
		return fmt.Errorf("marshaling configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		s.log.WithError(err).Error("failed to create configuration temp file")
		return fmt.Errorf("creating configuration temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.log.WithError(err).Error("failed to write configuration temp file")
		return fmt.Errorf("writing configuration temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.log.WithError(err).Error("failed to close configuration temp file")
		return fmt.Errorf("closing configuration temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.log.WithError(err).Error("failed to replace configuration file")
		return fmt.Errorf("replacing configuration file: %w", err)
	}
	return nil
}

// SetPassword sets the login password and commits immediately.
func (s *Store) SetPassword(password string) error {
	g := s.Write()
	g.Password = password
	return g.Commit()
}

// SetAIOToken sets the current boot token and commits immediately.
func (s *Store) SetAIOToken(token string) error {
	g := s.Write()
	g.AIOToken = &token
	return g.Commit()
}

// ClearAIOToken removes the boot token and commits immediately.
func (s *Store) ClearAIOToken() error {
	g := s.Write()
	g.AIOToken = nil
	return g.Commit()
}

// SetBackupMode sets the current backup mode and commits immediately.
func (s *Store) SetBackupMode(mode BackupMode) error {
	g := s.Write()
	g.BackupMode = mode
	return g.Commit()
}

// TestPassword reports whether password matches the stored login password.
func (s *Store) TestPassword(password string) bool {
	snap := s.Read()
	return snap.doc.Password == password
}

// TestToken reports whether token matches the currently stored boot token.
func (s *Store) TestToken(token string) bool {
	snap := s.Read()
	return snap.doc.AIOToken != nil && *snap.doc.AIOToken == token
}

// GetSecret returns the named secret and whether it is present and
// non-empty. Unlike GetOrGenerateSecret, it never generates one.
func (s *Store) GetSecret(name string) (string, bool) {
	snap := s.Read()
	value, ok := snap.doc.Secrets[name]
	return value, ok && value != ""
}

// GetOrGenerateSecret returns the named secret, generating and persisting a
// fresh 32-byte hex value the first time it is requested.
func (s *Store) GetOrGenerateSecret(name string) (string, error) {
	if snap := s.Read(); snap.doc.Secrets[name] != "" {
		return snap.doc.Secrets[name], nil
	}

	value, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret %s: %w", name, err)
	}

	g := s.Write()
	if g.Secrets == nil {
		g.Secrets = make(map[string]string)
	}
	g.Secrets[name] = value
	if err := g.Commit(); err != nil {
		return "", err
	}
	return value, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
