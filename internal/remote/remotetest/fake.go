// Package remotetest provides an in-memory remote.Executor for tests.
package remotetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"fleetmon/internal/remote"
)

// Handler answers one command.
type Handler func(ctx context.Context, targetID, command string) (string, error)

// Call is one recorded Execute invocation.
type Call struct {
	TargetID string
	Command  string
	Timeout  time.Duration
}

// Fake records calls and delegates to a Handler.
type Fake struct {
	mu        sync.Mutex
	handler   Handler
	calls     []Call
	active    int
	maxActive int
}

var _ remote.Executor = (*Fake)(nil)

// NewFake returns a fake using h. A nil handler answers every command with "".
func NewFake(h Handler) *Fake {
	return &Fake{handler: h}
}

// SetHandler swaps the handler.
func (f *Fake) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Execute records the call and runs the handler under the call's timeout.
func (f *Fake) Execute(ctx context.Context, targetID, command string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{TargetID: targetID, Command: command, Timeout: timeout})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	h := f.handler
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if h == nil {
		return "", nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h(ctx, targetID, command)
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the commands sent to one target.
func (f *Fake) CallsFor(targetID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.TargetID == targetID {
			out = append(out, c.Command)
		}
	}
	return out
}

// Count returns how many commands contained substr.
func (f *Fake) Count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.Command, substr) {
			n++
		}
	}
	return n
}

// MaxConcurrent is the highest number of overlapping Execute calls seen.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Hang blocks until ctx ends and reports a timeout.
func Hang(ctx context.Context, targetID, _ string) (string, error) {
	<-ctx.Done()
	return "", &remote.Error{Kind: remote.KindTimeout, TargetID: targetID, Err: ctx.Err()}
}

// Unreachable fails every command as if the host were down.
func Unreachable(_ context.Context, targetID, _ string) (string, error) {
	return "", &remote.Error{Kind: remote.KindUnreachable, TargetID: targetID}
}
