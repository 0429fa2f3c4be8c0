// Package state persists the client's durable key/value slots.
package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/TheMichaelB/carmarket/internal/events"
)

// Store is a durable string key/value store shared by every client process
// on the machine.
type Store interface {
	// Get returns the value for key or ErrKeyNotFound.
	Get(key string) (string, error)

	// Set writes value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists every stored key.
	Keys() ([]string, error)

	// Close releases resources.
	Close() error
}

// Watcher is implemented by stores that can report writes made by other
// handles or processes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// Change describes a single slot mutation.
type Change struct {
	Key     string
	Deleted bool
}

// Errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrSlotCorrupt = errors.New("slot file is corrupt")
	ErrInvalidKey  = errors.New("invalid key")
)

// Slot wraps a stored value with store metadata.
type Slot struct {
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateKey rejects keys that cannot be used as file names.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Migrate copies every slot from src into target.
func Migrate(src, target Store, logger *events.Logger) error {
	keys, err := src.Keys()
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	logger.WithField("count", len(keys)).Info("Migrating slots")

	for _, key := range keys {
		value, err := src.Get(key)
		if err != nil {
			logger.WithError(err).WithField("key", key).Error("Failed to load slot")
			continue
		}

		if err := target.Set(key, value); err != nil {
			return fmt.Errorf("save slot %s: %w", key, err)
		}

		logger.WithField("key", key).Debug("Migrated slot")
	}

	return nil
}
