package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "edunexus/internal/errors"

	"github.com/sirupsen/logrus"
)

// Store is a durable FIFO queue backed by a single JSON array file. It is
// the unit of durability for every worker: items are appended by request
// handlers and drained by worker ticks, each cycle running as a
// load-modify-save under the store lock.
//
// A missing or corrupt file reads as an empty queue so callers never
// crash, but corruption is logged at error level: it can mean silent item
// loss and an operator has to know.
type Store[T any] struct {
	path   string
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewStore creates a store bound to the given file path. The parent
// directory is created if needed.
func NewStore[T any](path string, logger *logrus.Logger) (*Store[T], error) {
	if path == "" {
		return nil, fmt.Errorf("queue file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Store[T]{path: path, logger: logger}, nil
}

// Path returns the backing file path.
func (s *Store[T]) Path() string {
	return s.path
}

// Load returns the current queue contents in append order.
func (s *Store[T]) Load() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save replaces the queue contents atomically.
func (s *Store[T]) Save(items []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(items)
}

// Append adds one item to the tail of the queue.
func (s *Store[T]) Append(item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.loadLocked()
	return s.saveLocked(append(items, item))
}

// Update applies fn to the current contents and persists the result, all
// under the store lock. Workers use it to merge their outcome back without
// clobbering items appended while the batch was being processed.
func (s *Store[T]) Update(fn func(items []T) []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(fn(s.loadLocked()))
}

// Len returns the current queue depth.
func (s *Store[T]) Len() int {
	return len(s.Load())
}

func (s *Store[T]) loadLocked() []T {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		s.logger.WithError(err).WithField("file", s.path).Error("Failed to read queue file; treating as empty")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.WithError(err).WithField("file", s.path).Error("Queue file is corrupt; treating as empty (items may be lost)")
		return nil
	}
	return items
}

// saveLocked writes the queue atomically: the new contents go to a temp
// file in the same directory which then replaces the queue file, so a
// concurrent reader never observes a partial write. Failures surface as
// retryable QUEUE_IO errors; the items are still in memory and the next
// write gets a fresh shot.
func (s *Store[T]) saveLocked(items []T) error {
	if items == nil {
		items = []T{}
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return apperrors.NewQueueError(s.name(), "encode", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".queue-*")
	if err != nil {
		return apperrors.NewQueueError(s.name(), "save", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewQueueError(s.name(), "save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.NewQueueError(s.name(), "save", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return apperrors.NewQueueError(s.name(), "save", err)
	}
	return nil
}

func (s *Store[T]) name() string {
	return filepath.Base(s.path)
}
