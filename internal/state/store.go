// Package state persists the container-id → IP mapping that makes reverse
// cleanup possible after the runtime no longer reports a container. One file
// per container under a volatile runtime directory; the directory is the sole
// source of truth for the sweep.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store maps container ids to their last known IP, one file per id. A record
// exists exactly as long as the corresponding rule set is installed.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the state directory if needed and returns a Store over it.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	cleaned := strings.TrimSpace(dir)
	if cleaned == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	if err := validatePath(cleaned); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cleaned, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", cleaned, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: cleaned, logger: logger}, nil
}

// Record persists the mapping for containerID, overwriting any prior value.
// The write goes through a temp file and rename so a crash never leaves a
// half-written record.
func (s *Store) Record(containerID string, ip string) error {
	if err := validateID(containerID); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+containerID+".*")
	if err != nil {
		return fmt.Errorf("create temp record for %s: %w", containerID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(ip + "\n"); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record for %s: %w", containerID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record for %s: %w", containerID, err)
	}

	if err := os.Rename(tmpName, s.path(containerID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persist record for %s: %w", containerID, err)
	}
	return nil
}

// Lookup returns the last recorded IP for containerID, or ok=false when no
// record exists.
func (s *Store) Lookup(containerID string) (string, bool) {
	if err := validateID(containerID); err != nil {
		return "", false
	}
	data, err := os.ReadFile(s.path(containerID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read state record",
				slog.String("container_id", containerID),
				slog.Any("error", err),
			)
		}
		return "", false
	}
	ip := strings.TrimSpace(string(data))
	if ip == "" {
		return "", false
	}
	return ip, true
}

// Forget deletes the record for containerID. A missing record is success.
func (s *Store) Forget(containerID string) error {
	if err := validateID(containerID); err != nil {
		return err
	}
	if err := os.Remove(s.path(containerID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record for %s: %w", containerID, err)
	}
	return nil
}

// All yields every persisted (containerID, ip) pair. The sequence is lazy and
// restartable; unreadable or half-written entries are skipped.
func (s *Store) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.logger.Warn("failed to list state directory",
				slog.String("dir", s.dir),
				slog.Any("error", err),
			)
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			ip, ok := s.Lookup(entry.Name())
			if !ok {
				continue
			}
			if !yield(entry.Name(), ip) {
				return
			}
		}
	}
}

// Count returns the number of persisted records.
func (s *Store) Count() int {
	count := 0
	for range s.All() {
		count++
	}
	return count
}

func (s *Store) path(containerID string) string {
	return filepath.Join(s.dir, containerID)
}

func validateID(containerID string) error {
	if containerID == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if strings.ContainsAny(containerID, "/\\") || containerID == "." || containerID == ".." {
		return fmt.Errorf("container id %q contains unsupported path components", containerID)
	}
	return nil
}

func validatePath(path string) error {
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("state directory %q contains unsupported traversal component", path)
		}
	}
	return nil
}
