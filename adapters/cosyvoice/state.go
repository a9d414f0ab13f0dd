package cosyvoice

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle phase of a session
type State string

const (
	StateClosed             State = "closed"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateSynthesisStarted   State = "synthesis-started"
	StateSynthesisCompleted State = "synthesis-completed"
)

// allowed lists the forward edges of the state graph; every state may also fall back to closed
var allowed = map[State]State{
	StateClosed:           StateConnecting,
	StateConnecting:       StateConnected,
	StateConnected:        StateSynthesisStarted,
	StateSynthesisStarted: StateSynthesisCompleted,
}

// StateObserver is notified of every transition, in the order they are applied.
// It runs with the state lock held and must not call back into the session.
type StateObserver func(from, to State)

type waiter struct {
	target State
	done   chan error
}

// stateMachine is the single source of truth for the session phase.
// Waiters are woken by one-shot channels keyed by their target state.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	waiters  map[*waiter]struct{}
	observer StateObserver
	// cause of the last failure, cleared when the session reconnects
	cause error
}

func newStateMachine(observer StateObserver) *stateMachine {
	return &stateMachine{
		state:    StateClosed,
		waiters:  make(map[*waiter]struct{}),
		observer: observer,
	}
}

// Current returns the current state
func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next if the edge exists in the state graph
func (m *stateMachine) Transition(next State) error {
	if next == StateClosed {
		m.Fail(nil)
		return nil
	}

	m.mu.Lock()
	from := m.state
	if allowed[from] != next {
		m.mu.Unlock()
		return fmt.Errorf("%w: transition %s -> %s", ErrInvalidState, from, next)
	}
	m.state = next
	if next == StateConnecting {
		m.cause = nil
	}
	for w := range m.waiters {
		if w.target == next {
			w.done <- nil
			delete(m.waiters, w)
		}
	}
	m.notify(from, next)
	m.mu.Unlock()

	return nil
}

// Fail moves the machine to closed from any state. Pending waiters resolve
// with cause, or ErrSessionClosed when cause is nil. Returns false if the
// machine was already closed.
func (m *stateMachine) Fail(cause error) bool {
	if cause == nil {
		cause = ErrSessionClosed
	}

	m.mu.Lock()
	from := m.state
	if from == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.state = StateClosed
	m.cause = cause
	for w := range m.waiters {
		if w.target == StateClosed {
			w.done <- nil
		} else {
			w.done <- cause
		}
		delete(m.waiters, w)
	}
	m.notify(from, StateClosed)
	m.mu.Unlock()

	return true
}

func (m *stateMachine) notify(from, to State) {
	if m.observer != nil {
		m.observer(from, to)
	}
}

// WaitUntil blocks until the machine reaches target, the timeout elapses,
// ctx is done, or the session closes. Waiting for any other state while
// closed fails at once with the failure cause.
func (m *stateMachine) WaitUntil(ctx context.Context, target State, timeout time.Duration) error {
	m.mu.Lock()
	if m.state == target {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateClosed {
		cause := m.cause
		m.mu.Unlock()
		if cause == nil {
			cause = ErrSessionClosed
		}
		return cause
	}
	w := &waiter{target: target, done: make(chan error, 1)}
	m.waiters[w] = struct{}{}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	if _, pending := m.waiters[w]; !pending {
		// resolved concurrently with the timeout
		m.mu.Unlock()
		return <-w.done
	}
	delete(m.waiters, w)
	current := m.state
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return &TimeoutError{Target: target, Current: current, Timeout: timeout}
}
