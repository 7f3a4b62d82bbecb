package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plainshop/support-chat/internal/observability"
)

// TypingCoordinator converts continuous local keystroke events into a
// low-frequency debounced typing-signal stream, and guarantees the remote
// side eventually sees a stop signal.
type TypingCoordinator struct {
	mu          sync.Mutex
	debounce    time.Duration
	idleTimeout time.Duration
	emit        func(isTyping bool) error
	logger      zerolog.Logger

	lastStart time.Time
	idleTimer *time.Timer
	active    bool
	closed    bool
}

// NewTypingCoordinator creates a coordinator that publishes typing signals
// through emit. Signals are suppressed within the debounce window and a stop
// signal fires automatically after idleTimeout of inactivity.
func NewTypingCoordinator(debounce, idleTimeout time.Duration, emit func(isTyping bool) error, logger zerolog.Logger) *TypingCoordinator {
	return &TypingCoordinator{
		debounce:    debounce,
		idleTimeout: idleTimeout,
		emit:        emit,
		logger:      logger.With().Str("component", "typing_coordinator").Logger(),
	}
}

// InputChanged reports a local keystroke. Emits "start typing" at most once
// per debounce window; every call re-arms the sliding inactivity timer.
func (t *TypingCoordinator) InputChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	now := time.Now()
	if !t.active || now.Sub(t.lastStart) >= t.debounce {
		t.sendLocked(true)
		t.lastStart = now
	}

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.idleExpired)
}

// InputCleared reports the input became empty; the stop signal goes out
// immediately and the debounce bookkeeping resets.
func (t *TypingCoordinator) InputCleared() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stopLocked()
}

// Teardown releases the coordinator. If the last emitted signal was "start",
// a final stop goes out so the remote side never sees a stuck indicator.
func (t *TypingCoordinator) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stopLocked()
	t.closed = true
}

func (t *TypingCoordinator) idleExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.active {
		return
	}
	t.sendLocked(false)
	t.idleTimer = nil
	t.lastStart = time.Time{}
}

func (t *TypingCoordinator) stopLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.active {
		t.sendLocked(false)
	}
	t.lastStart = time.Time{}
}

func (t *TypingCoordinator) sendLocked(isTyping bool) {
	t.active = isTyping

	state := "stop"
	if isTyping {
		state = "start"
	}
	observability.ChatTypingSignals().WithLabelValues(state).Inc()

	if err := t.emit(isTyping); err != nil {
		// Typing pulses are best-effort; a failed emit never surfaces to the user.
		t.logger.Debug().Err(err).Bool("is_typing", isTyping).Msg("typing signal dropped")
	}
}
