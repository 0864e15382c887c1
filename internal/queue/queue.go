// Package queue implements the write queue: immediate send with fallback to
// the durable pending table, and the sequential replay pass that drains it.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
)

// Sender delivers one operation to the server. A returned error means the
// server was not reached; a non-OK result means it was reached and refused.
type Sender interface {
	Send(ctx context.Context, op types.Operation) (types.SendResult, error)
}

// PendingStore is the subset of the local store used for queueing.
type PendingStore interface {
	AddPending(ctx context.Context, op types.Operation) (int64, error)
}

// SyncRegistrar registers a named background-sync task.
type SyncRegistrar interface {
	Register(ctx context.Context, tag string) error
}

// Messenger posts a message to the active worker.
type Messenger interface {
	PostMessage(ctx context.Context, msg edgesync.Message) error
}

// Manager sends operations immediately when possible and queues them
// otherwise.
type Manager struct {
	store     PendingStore
	sender    Sender
	tag       string
	online    func() bool
	registrar SyncRegistrar
	messenger Messenger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnline sets the connectivity check. The default reports online.
func WithOnline(fn func() bool) Option {
	return func(m *Manager) { m.online = fn }
}

// WithRegistrar enables background-sync scheduling after queueing.
func WithRegistrar(r SyncRegistrar) Option {
	return func(m *Manager) { m.registrar = r }
}

// WithMessenger enables the PROCESS_QUEUE fallback when no registrar is set.
func WithMessenger(msg Messenger) Option {
	return func(m *Manager) { m.messenger = msg }
}

// NewManager creates a Manager. tag is the background-sync task name.
func NewManager(store PendingStore, sender Sender, tag string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		sender: sender,
		tag:    tag,
		online: func() bool { return true },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveOrQueue sends op right away when online. Any failure (offline,
// unreachable or rejected) persists op to the pending table and schedules a
// replay. The only error returned is a failure to persist.
func (m *Manager) SaveOrQueue(ctx context.Context, op types.Operation) (types.SaveOutcome, error) {
	if m.online() {
		res, err := m.sender.Send(ctx, op)
		switch {
		case err == nil && res.OK:
			return types.SaveOutcome{Synced: true, Status: res.Status}, nil
		case err != nil:
			slog.Debug("immediate send failed, queueing",
				"component", "queue",
				"url", op.URL,
				"error", err,
			)
		default:
			slog.Debug("immediate send rejected, queueing",
				"component", "queue",
				"url", op.URL,
				"status", res.Status,
			)
		}
	}

	id, err := m.store.AddPending(ctx, op)
	if err != nil {
		return types.SaveOutcome{}, fmt.Errorf("queue operation: %w", err)
	}
	slog.Info("operation queued",
		"component", "queue",
		"pending_id", id,
		"method", op.EffectiveMethod(),
		"url", op.URL,
	)

	m.schedule(ctx)
	return types.SaveOutcome{Queued: true, ID: id}, nil
}

// schedule asks for a replay. Failures are logged and swallowed.
func (m *Manager) schedule(ctx context.Context) {
	switch {
	case m.registrar != nil:
		if err := m.registrar.Register(ctx, m.tag); err != nil {
			slog.Debug("background sync registration failed",
				"component", "queue",
				"tag", m.tag,
				"error", err,
			)
		}
	case m.messenger != nil:
		if err := m.messenger.PostMessage(ctx, edgesync.Message{Type: edgesync.MessageProcessQueue}); err != nil {
			slog.Debug("process-queue message failed",
				"component", "queue",
				"error", err,
			)
		}
	}
}
