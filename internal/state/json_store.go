package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheMichaelB/carmarket/internal/events"
)

// JSONStore keeps one checksummed JSON file per key.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// NewJSONStore creates a file-backed store under baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
	}, nil
}

// Get reads a slot, falling back to its backup when the primary is corrupt.
func (s *JSONStore) Get(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.slotPath(key)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read slot file: %w", err)
	}

	slot, err := decodeSlot(data)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Slot corrupt, trying backup")

		if backup, berr := s.loadBackup(key); berr == nil {
			return backup.Value, nil
		}
		return "", ErrSlotCorrupt
	}

	if slot.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", slot.SchemaVersion).Warn("Slot schema version mismatch")
	}

	return slot.Value, nil
}

// Set writes a slot atomically, keeping the previous file as a backup.
func (s *JSONStore) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.slotPath(key)

	s.logger.WithField("key", key).Debug("Saving slot")

	slot := Slot{
		Key:           key,
		Value:         value,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
	}

	checksum, err := slotChecksum(slot)
	if err != nil {
		return err
	}
	slot.Checksum = checksum

	jsonData, err := json.MarshalIndent(slot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal slot: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.copyFile(path, s.backupPath(key)); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	// Write atomically
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename slot file: %w", err)
	}

	return nil
}

// Delete removes a slot and its backup.
func (s *JSONStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, path := range []string{s.slotPath(key), s.backupPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete slot %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys with a slot file.
func (s *JSONStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := keyFromFile(entry.Name()); ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Watch reports slot files created, rewritten or removed by any process.
// The channel is closed when ctx is done.
func (s *JSONStore) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(s.baseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.baseDir, err)
	}

	changes := make(chan Change, 16)

	go func() {
		defer close(changes)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				key, ok := keyFromFile(filepath.Base(event.Name))
				if !ok {
					continue
				}

				change := Change{
					Key:     key,
					Deleted: event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename),
				}

				select {
				case changes <- change:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("Storage watcher error")
			}
		}
	}()

	return changes, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// Helper methods

func (s *JSONStore) slotPath(key string) string {
	return filepath.Join(s.baseDir, key+".json")
}

func (s *JSONStore) backupPath(key string) string {
	return s.slotPath(key) + ".backup"
}

func (s *JSONStore) loadBackup(key string) (*Slot, error) {
	data, err := os.ReadFile(s.backupPath(key))
	if err != nil {
		return nil, err
	}
	return decodeSlot(data)
}

func (s *JSONStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func keyFromFile(name string) (string, bool) {
	if filepath.Ext(name) != ".json" {
		return "", false
	}
	key := strings.TrimSuffix(name, ".json")
	return key, ValidateKey(key) == nil
}

func decodeSlot(data []byte) (*Slot, error) {
	var slot Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlotCorrupt, err)
	}

	if slot.Checksum != "" {
		calculated, err := slotChecksum(slot)
		if err != nil {
			return nil, err
		}
		if calculated != slot.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrSlotCorrupt)
		}
	}

	return &slot, nil
}

// slotChecksum hashes the slot with its checksum field cleared.
func slotChecksum(slot Slot) (string, error) {
	slot.Checksum = ""
	data, err := json.Marshal(slot)
	if err != nil {
		return "", fmt.Errorf("marshal slot for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
