package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/homesync/internal/clock"
	"github.com/nerrad567/homesync/internal/entity"
)

// DefaultTimeout is how long a command may stay unconfirmed.
const DefaultTimeout = 5 * time.Second

// Logger defines the logging interface used by the Tracker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is the part of entity.Store the tracker writes to.
type Store interface {
	BeginCommand(entityID string, value entity.Value, requestID string) (uint64, error)
	ExpirePending(entityID string, token uint64) bool
}

// Tracker issues commands optimistically and expires unconfirmed ones.
type Tracker struct {
	store   Store
	sender  Sender
	clock   clock.Clock
	timeout time.Duration
	logger  Logger

	mu     sync.Mutex
	timers map[string]*clock.Timer // entity id -> expiry of the latest command
	closed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source for expiry timers.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithTimeout sets the confirmation timeout. Non-positive values keep
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker writing to store and sending through sender.
func NewTracker(store Store, sender Sender, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		sender:  sender,
		clock:   clock.Real(),
		timeout: DefaultTimeout,
		logger:  noopLogger{},
		timers:  make(map[string]*clock.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the confirmation timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Issue applies cmd optimistically and sends it. It returns the command
// as sent, with its request id filled in.
//
// A send failure is returned to the caller but the optimistic value and
// pending marker stay until confirmation or expiry.
func (t *Tracker) Issue(ctx context.Context, cmd Command) (Command, error) {
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = NewRequestID()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return cmd, ErrClosed
	}

	token, err := t.store.BeginCommand(cmd.EntityID, cmd.Value, cmd.RequestID)
	if err != nil {
		t.mu.Unlock()
		return cmd, fmt.Errorf("marking command pending: %w", err)
	}

	// The timer is armed before sending so a sender that blocks until its
	// context expires cannot leave the marker stuck.
	if prev := t.timers[cmd.EntityID]; prev != nil {
		prev.Stop()
	}
	entityID, requestID := cmd.EntityID, cmd.RequestID
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.timeout, func() {
		if t.store.ExpirePending(entityID, token) {
			t.logger.Info("command not confirmed before timeout",
				"entity_id", entityID,
				"request_id", requestID,
			)
		}
		t.mu.Lock()
		if t.timers[entityID] == timer {
			delete(t.timers, entityID)
		}
		t.mu.Unlock()
	})
	t.timers[cmd.EntityID] = timer
	t.mu.Unlock()

	t.logger.Debug("command issued",
		"device_id", cmd.DeviceID,
		"entity_id", cmd.EntityID,
		"value", cmd.Value.String(),
		"request_id", cmd.RequestID,
	)

	if err := t.sender.SendCommand(ctx, cmd); err != nil {
		t.logger.Warn("command send failed",
			"entity_id", cmd.EntityID,
			"request_id", cmd.RequestID,
			"error", err,
		)
		return cmd, fmt.Errorf("sending command: %w", err)
	}
	return cmd, nil
}

// Active returns the number of armed expiry timers.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Close stops every expiry timer and rejects further commands. Markers
// already set are left for the store's owner to discard.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
