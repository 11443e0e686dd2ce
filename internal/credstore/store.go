package credstore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "creds/"

// Store keeps each tenant's opaque transport credential blob on disk
type Store struct {
	db  *pebble.DB
	log *zap.Logger
}

// Open opens (or creates) the store at dir
func Open(dir string, log *zap.Logger) (*Store, error) {
	return open(dir, &pebble.Options{}, log)
}

// OpenFS opens the store on fs; tests pass vfs.NewMem()
func OpenFS(dir string, fs vfs.FS, log *zap.Logger) (*Store, error) {
	return open(dir, &pebble.Options{FS: fs}, log)
}

func open(dir string, opts *pebble.Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		log.Error("credstore_open_failed", zap.String("path", dir), zap.Error(err))
		return nil, fmt.Errorf("open credential store %s: %w", dir, err)
	}
	log.Info("credstore_opened", zap.String("path", dir))
	return &Store{db: db, log: log}, nil
}

func key(tenantID uuid.UUID) []byte {
	return []byte(keyPrefix + tenantID.String())
}

// Load returns the tenant's credentials, or nil when none were saved
func (s *Store) Load(tenantID uuid.UUID) ([]byte, error) {
	v, closer, err := s.db.Get(key(tenantID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Save replaces the tenant's credentials durably
func (s *Store) Save(tenantID uuid.UUID, blob []byte) error {
	if err := s.db.Set(key(tenantID), blob, pebble.Sync); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.log.Debug("credentials_saved", zap.String("tenant", tenantID.String()), zap.Int("bytes", len(blob)))
	return nil
}

// Delete removes the tenant's credentials. Deleting a missing key is not an error.
func (s *Store) Delete(tenantID uuid.UUID) error {
	if err := s.db.Delete(key(tenantID), pebble.Sync); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	s.log.Info("credentials_deleted", zap.String("tenant", tenantID.String()))
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close credential store: %w", err)
	}
	return nil
}
