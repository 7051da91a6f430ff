package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetmon/internal/events"
	"fleetmon/internal/logging"
)

// DefaultMaxEvents bounds the journal when no limit is given.
const DefaultMaxEvents = 5000

// EventStorage is the on-disk event journal. Only the newest maxEvents
// entries are kept.
type EventStorage struct {
	mu        sync.RWMutex
	path      string
	maxEvents int
	history   []events.Event
	logger    *zap.Logger
}

// NewEventStorage creates a storage instance and loads existing events if present.
func NewEventStorage(path string, maxEvents int, logger *zap.Logger) (*EventStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	s := &EventStorage{path: path, maxEvents: maxEvents, logger: logging.OrNop(logger).Named("storage")}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append adds an event and persists the journal.
func (s *EventStorage) Append(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, e)
	if over := len(s.history) - s.maxEvents; over > 0 {
		s.history = append([]events.Event(nil), s.history[over:]...)
	}
	return s.persist()
}

// Emit implements events.Sink. Persistence failures are logged.
func (s *EventStorage) Emit(e events.Event) {
	if err := s.Append(e); err != nil {
		s.logger.Error("Failed to persist event",
			zap.String("kind", string(e.Kind)),
			zap.String("target", e.TargetID),
			zap.Error(err))
	}
}

// Recent returns up to limit of the newest events, newest first. An empty
// targetID matches every target; limit <= 0 means no limit.
func (s *EventStorage) Recent(limit int, targetID string) []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Event
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if targetID != "" && e.TargetID != targetID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// History returns a copy of the whole journal, oldest first.
func (s *EventStorage) History() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]events.Event, len(s.history))
	copy(copied, s.history)
	return copied
}

func (s *EventStorage) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.history = []events.Event{}
			return nil
		}
		return fmt.Errorf("read events: %w", err)
	}

	if len(data) == 0 {
		s.history = []events.Event{}
		return nil
	}

	var entries []events.Event
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse events: %w", err)
	}
	if over := len(entries) - s.maxEvents; over > 0 {
		entries = entries[over:]
	}

	s.history = entries
	return nil
}

func (s *EventStorage) persist() error {
	bytes, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp events: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace events file: %w", err)
	}
	return nil
}
