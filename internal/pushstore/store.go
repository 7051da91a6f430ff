// Package pushstore keeps the latest agent report per target and derives
// each target's connection state from report freshness and probe results.
package pushstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

// ErrInvalidReport is returned for reports without a target id.
var ErrInvalidReport = errors.New("invalid report: target id is required")

// ReconnectFunc is called after a target goes from offline to online.
type ReconnectFunc func(targetID string, offlineFor time.Duration)

// Reading is a stored report together with its freshness.
type Reading struct {
	Report  models.PushReport
	IsFresh bool
	Age     time.Duration
}

type entry struct {
	report    *models.PushReport
	state     models.ConnectionState
	hasState  bool
	reachable time.Time
}

// lastSeen is the latest evidence the target was alive.
func (e *entry) lastSeen() time.Time {
	seen := e.reachable
	if e.report != nil && e.report.ReceivedAt.After(seen) {
		seen = e.report.ReceivedAt
	}
	return seen
}

// Store is safe for concurrent use.
type Store struct {
	window time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	callbacks []ReconnectFunc
}

// New creates a store that considers reports fresh for window.
func New(window time.Duration, clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		window:  window,
		clock:   clk,
		logger:  logging.OrNop(logger).Named("pushstore"),
		entries: make(map[string]*entry),
	}
}

// Window returns the freshness window.
func (s *Store) Window() time.Duration { return s.window }

// OnReconnect registers fn to run after every offline to online transition.
// Callbacks run outside the store lock, in registration order.
func (s *Store) OnReconnect(fn ReconnectFunc) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Update replaces the target's report and marks the target online. The
// stored copy carries the server-side receive time.
func (s *Store) Update(targetID string, report models.PushReport) (models.PushReport, error) {
	if targetID == "" {
		return models.PushReport{}, ErrInvalidReport
	}
	now := s.clock.Now()
	report.TargetID = targetID
	report.ReceivedAt = now

	s.mu.Lock()
	e := s.entryLocked(targetID)
	stored := report
	e.report = &stored
	fire := s.markOnlineLocked(e, targetID, now)
	s.mu.Unlock()

	s.fire(fire)
	return report, nil
}

// Get returns the latest report with its freshness. A stale read of an
// online target moves it offline as of the last time it was heard from.
func (s *Store) Get(targetID string) (Reading, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok || e.report == nil {
		return Reading{}, false
	}
	s.sweepLocked(e, targetID, now)
	age := now.Sub(e.report.ReceivedAt)
	return Reading{
		Report:  *e.report,
		IsFresh: age < s.window,
		Age:     age,
	}, true
}

// IsOnline sweeps staleness for the target and reports whether it is online.
// Unknown targets are offline.
func (s *Store) IsOnline(targetID string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok || !e.hasState {
		return false
	}
	s.sweepLocked(e, targetID, now)
	return e.state.IsOnline
}

// OfflineTargets sweeps every known target and returns the offline ones, sorted.
func (s *Store) OfflineTargets() []string {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if !e.hasState {
			continue
		}
		s.sweepLocked(e, id, now)
		if !e.state.IsOnline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ConnectionState returns a copy of the target's state after a staleness sweep.
func (s *Store) ConnectionState(targetID string) (models.ConnectionState, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok || !e.hasState {
		return models.ConnectionState{}, false
	}
	s.sweepLocked(e, targetID, now)
	return copyState(e.state), true
}

// States returns every known connection state, sorted by target id.
func (s *Store) States() []models.ConnectionState {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConnectionState, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.hasState {
			continue
		}
		s.sweepLocked(e, id, now)
		out = append(out, copyState(e.state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// Readings returns every stored report with its freshness, sorted by target id.
func (s *Store) Readings() []Reading {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reading, 0, len(s.entries))
	for _, e := range s.entries {
		if e.report == nil {
			continue
		}
		age := now.Sub(e.report.ReceivedAt)
		out = append(out, Reading{Report: *e.report, IsFresh: age < s.window, Age: age})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Report.TargetID < out[j].Report.TargetID })
	return out
}

// MarkReachable records a successful probe. It returns true when the target
// recovered from offline.
func (s *Store) MarkReachable(targetID string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	e := s.entryLocked(targetID)
	e.reachable = now
	fire := s.markOnlineLocked(e, targetID, now)
	s.mu.Unlock()

	s.fire(fire)
	return fire != nil
}

// MarkUnreachable records a failed probe. An online target only goes
// offline here once it is also stale; a target never seen before starts
// offline.
func (s *Store) MarkUnreachable(targetID string) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(targetID)
	if !e.hasState {
		since := now
		e.hasState = true
		e.state = models.ConnectionState{
			TargetID:     targetID,
			IsOnline:     false,
			OfflineSince: &since,
		}
		s.logger.Info("Target offline", zap.String("target", targetID))
		s.checkLocked(e)
		return
	}
	s.sweepLocked(e, targetID, now)
}

// Touch records that a direct poll of an online target succeeded. It never
// brings an offline target back; that is the prober's job.
func (s *Store) Touch(targetID string) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok {
		return
	}
	s.sweepLocked(e, targetID, now)
	if e.hasState && e.state.IsOnline {
		e.reachable = now
		e.state.LastSeen = now
	}
}

func (s *Store) entryLocked(targetID string) *entry {
	e, ok := s.entries[targetID]
	if !ok {
		e = &entry{}
		s.entries[targetID] = e
	}
	return e
}

type reconnect struct {
	targetID   string
	offlineFor time.Duration
	callbacks  []ReconnectFunc
}

// markOnlineLocked brings the target online and returns the pending
// reconnect notification, if any.
func (s *Store) markOnlineLocked(e *entry, targetID string, now time.Time) *reconnect {
	if !e.hasState {
		e.hasState = true
		e.state = models.ConnectionState{TargetID: targetID, IsOnline: true, LastSeen: e.lastSeen()}
		s.checkLocked(e)
		return nil
	}

	e.state.LastSeen = e.lastSeen()
	if e.state.IsOnline {
		s.checkLocked(e)
		return nil
	}

	var offlineFor time.Duration
	if e.state.OfflineSince != nil {
		offlineFor = now.Sub(*e.state.OfflineSince)
	}
	recovered := now
	e.state.IsOnline = true
	e.state.OfflineSince = nil
	e.state.RecoveryCount++
	e.state.LastRecovery = &recovered
	s.checkLocked(e)

	s.logger.Info("Target reconnected",
		zap.String("target", targetID),
		zap.Duration("offline_for", offlineFor),
		zap.Int("recovery_count", e.state.RecoveryCount))

	callbacks := make([]ReconnectFunc, len(s.callbacks))
	copy(callbacks, s.callbacks)
	return &reconnect{targetID: targetID, offlineFor: offlineFor, callbacks: callbacks}
}

// sweepLocked turns an online target offline once nothing has been heard
// from it for the freshness window.
func (s *Store) sweepLocked(e *entry, targetID string, now time.Time) {
	if !e.hasState || !e.state.IsOnline {
		return
	}
	seen := e.lastSeen()
	if now.Sub(seen) < s.window {
		return
	}
	since := seen
	e.state.IsOnline = false
	e.state.OfflineSince = &since
	s.checkLocked(e)
	s.logger.Info("Target offline",
		zap.String("target", targetID),
		zap.Time("last_seen", seen))
}

func (s *Store) fire(r *reconnect) {
	if r == nil {
		return
	}
	for _, fn := range r.callbacks {
		s.safeCall(fn, r)
	}
}

func (s *Store) safeCall(fn ReconnectFunc, r *reconnect) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Reconnect callback panicked",
				zap.String("target", r.targetID),
				zap.Any("panic", rec))
		}
	}()
	fn(r.targetID, r.offlineFor)
}

// checkLocked enforces that offline_since is set exactly when offline.
func (s *Store) checkLocked(e *entry) {
	if e.state.IsOnline == (e.state.OfflineSince != nil) {
		panic(fmt.Sprintf("pushstore: inconsistent connection state for %s: online=%v offline_since=%v",
			e.state.TargetID, e.state.IsOnline, e.state.OfflineSince))
	}
}

func copyState(st models.ConnectionState) models.ConnectionState {
	if st.OfflineSince != nil {
		t := *st.OfflineSince
		st.OfflineSince = &t
	}
	if st.LastRecovery != nil {
		t := *st.LastRecovery
		st.LastRecovery = &t
	}
	return st
}
