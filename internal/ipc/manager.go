package ipc

import (
	"context"
	"fmt"
	"sync/atomic"
)

// unset marks processRole before a worker has claimed its index.
const unset = -1

// threadRoleKey scopes the dispatcher-side "thread role" to a context
// value rather than real thread-local storage, since Go goroutines have
// no stable identity to key off of; the dispatcher's Dispatch and
// Broadcast attach the chosen channel's role to the context they pass to
// GetChannel (spec §4.D "Thread role ... set per-operation in the dispatcher").
type threadRoleKey struct{}

// WithThreadRole scopes ctx to channel index i, overriding the process
// role for any Manager.GetChannel call made with the returned context.
func WithThreadRole(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, threadRoleKey{}, index)
}

// Manager owns every channel in the runtime and resolves "the active
// channel" for a caller according to spec §4.D's two roles:
//
//   - Process role: set once, by a worker process after it re-execs
//     itself into existence. Unmaps every arena but its own.
//   - Thread role: set per-operation by the dispatcher via context,
//     and takes precedence over the process role when present.
type Manager struct {
	channels    []*Channel
	processRole int32 // atomic; unset until SetProcessRole
}

// NewManager wraps an already-created or already-opened set of channels.
// The dispatcher passes one Channel per worker, index-aligned with the
// worker pool; a worker process passes the same slice before narrowing
// it with SetProcessRole.
func NewManager(channels []*Channel) *Manager {
	return &Manager{channels: channels, processRole: unset}
}

// Channels returns every channel the manager was constructed with, in
// index order. The dispatcher uses this to spin up one poller goroutine
// per channel; a worker uses it only until SetProcessRole narrows it.
func (m *Manager) Channels() []*Channel {
	return m.channels
}

// SetProcessRole fixes this process's channel to index i and unmaps
// every other channel's arena (spec §4.D "Unmaps all arenas j != i"),
// since a worker process has no business holding shared-memory mappings
// for work it will never touch and every other worker's writes should
// stay invisible to it. Call exactly once, immediately after the
// re-exec'd worker determines its own index.
func (m *Manager) SetProcessRole(index int) error {
	if index < 0 || index >= len(m.channels) {
		return fmt.Errorf("ipc: process role index %d out of range [0,%d)", index, len(m.channels))
	}
	if !atomic.CompareAndSwapInt32(&m.processRole, unset, int32(index)) {
		return fmt.Errorf("ipc: process role already set")
	}
	for j, ch := range m.channels {
		if j == index {
			continue
		}
		if err := ch.Close(); err != nil {
			return fmt.Errorf("ipc: unmap channel %d: %w", j, err)
		}
		m.channels[j] = nil
	}
	return nil
}

// GetChannel resolves the active channel for ctx: the thread role if
// ctx carries one, else the process role, else an error (spec §4.D
// "get_channel(): returns the channel matching the active role; thread
// role overrides process role when set").
func (m *Manager) GetChannel(ctx context.Context) (*Channel, error) {
	if v := ctx.Value(threadRoleKey{}); v != nil {
		index := v.(int)
		return m.channelAt(index)
	}
	role := atomic.LoadInt32(&m.processRole)
	if role == unset {
		return nil, fmt.Errorf("ipc: no thread role in context and no process role set")
	}
	return m.channelAt(int(role))
}

func (m *Manager) channelAt(index int) (*Channel, error) {
	if index < 0 || index >= len(m.channels) {
		return nil, fmt.Errorf("ipc: channel index %d out of range [0,%d)", index, len(m.channels))
	}
	ch := m.channels[index]
	if ch == nil {
		return nil, fmt.Errorf("ipc: channel %d is unmapped in this process", index)
	}
	return ch, nil
}

// Close closes every channel this process still holds a mapping for.
func (m *Manager) Close() error {
	var firstErr error
	for _, ch := range m.channels {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy closes and removes every channel's backing file; only the
// owning dispatcher process calls this, at service stop.
func (m *Manager) Destroy() error {
	var firstErr error
	for _, ch := range m.channels {
		if ch == nil {
			continue
		}
		if err := ch.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
