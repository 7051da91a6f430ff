package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/events"
)

func TestEventStoragePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "events.json")
	s, err := NewEventStorage(path, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, s.History())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := events.New(events.KindReconnected, "153", at)
	e.OfflineSeconds = 42
	s.Emit(e)
	require.NoError(t, s.Append(events.New(events.KindItemStopped, "163", at.Add(time.Second))))

	reloaded, err := NewEventStorage(path, 0, nil)
	require.NoError(t, err)
	history := reloaded.History()
	require.Len(t, history, 2)
	assert.Equal(t, e.ID, history[0].ID)
	assert.Equal(t, 42.0, history[0].OfflineSeconds)
	assert.True(t, at.Equal(history[0].OccurredAt))

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEventStorageCapsJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	s, err := NewEventStorage(path, 3, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		e := events.New(events.KindItemStopped, "153", time.Now())
		e.Item = string(rune('a' + i))
		require.NoError(t, s.Append(e))
	}
	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Item)
	assert.Equal(t, "e", history[2].Item)
}

func TestEventStorageRecent(t *testing.T) {
	s, err := NewEventStorage(filepath.Join(t.TempDir(), "events.json"), 0, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "a", "c", "a"} {
		require.NoError(t, s.Append(events.New(events.KindReconnected, id, time.Now())))
	}

	all := s.Recent(0, "")
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].TargetID)
	assert.Equal(t, "c", all[1].TargetID)

	assert.Len(t, s.Recent(2, ""), 2)
	assert.Len(t, s.Recent(0, "a"), 3)
	assert.Len(t, s.Recent(1, "a"), 1)
	assert.Empty(t, s.Recent(0, "zzz"))
}

func TestEventStorageRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewEventStorage(path, 0, nil)
	assert.Error(t, err)
}
