package client

import (
	"fmt"
	"sync"
	"time"
)

// ConnectorState is the lifecycle state of a connector.
//
//	CLOSED ─► CONNECTING ─► READY ◄─► EXECUTING
//	   ▲           │          │           │
//	   └───────────┴──────────┴─► BROKEN ◄┘
//
// A connector accepts a batch only in READY; EXECUTING covers the whole
// pipeline round trip including any preparation it carries.
type ConnectorState int

const (
	StateClosed ConnectorState = iota
	StateConnecting
	StateReady
	StateExecuting
	StateBroken
)

var stateNames = [...]string{
	StateClosed:     "CLOSED",
	StateConnecting: "CONNECTING",
	StateReady:      "READY",
	StateExecuting:  "EXECUTING",
	StateBroken:     "BROKEN",
}

func (cs ConnectorState) String() string {
	if cs < 0 || int(cs) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[cs]
}

func bit(s ConnectorState) uint8 { return 1 << uint(s) }

// legalTargets[from] is the set of states reachable from `from`.
var legalTargets = [...]uint8{
	StateClosed:     bit(StateConnecting),
	StateConnecting: bit(StateReady) | bit(StateClosed),
	StateReady:      bit(StateExecuting) | bit(StateClosed) | bit(StateBroken),
	StateExecuting:  bit(StateReady) | bit(StateBroken),
	StateBroken:     bit(StateClosed),
}

func isLegalTransition(from, to ConnectorState) bool {
	if from < 0 || int(from) >= len(legalTargets) || to < 0 || int(to) >= len(stateNames) {
		return false
	}
	return legalTargets[from]&bit(to) != 0
}

// StateTransition describes one state change.
//
// Metadata keys used by the connector: "connector", "reason" (connected,
// user_initiated, error, hook_aborted, closed_while_executing), and
// "statements" and "prepare" for pipeline starts.
type StateTransition struct {
	From      ConnectorState
	To        ConnectorState
	Timestamp time.Time

	// Error caused the transition, if any.
	Error error

	// Duration is how long From was held.
	Duration time.Duration

	Metadata map[string]interface{}
}

// StateChangeHandler is called after every successful transition.
type StateChangeHandler func(transition StateTransition)

const stateHistorySize = 16

// StateManager serializes connector state changes and keeps the most recent
// transitions for debugging.
type StateManager struct {
	mu             sync.RWMutex
	current        ConnectorState
	lastTransition time.Time
	handlers       []StateChangeHandler

	history    [stateHistorySize]StateTransition
	historyLen int
	historyPos int
	executions int64
}

// NewStateManager creates a manager in StateClosed.
func NewStateManager() *StateManager {
	return &StateManager{
		current:        StateClosed,
		lastTransition: time.Now(),
	}
}

// TransitionTo moves to newState or returns an ILLEGAL_STATE_TRANSITION error.
func (sm *StateManager) TransitionTo(newState ConnectorState, err error, metadata map[string]interface{}) error {
	from, ok := sm.transition(func(ConnectorState) bool { return true }, newState, err, metadata)
	if !ok {
		return &ConnectionError{
			Code:    "ILLEGAL_STATE_TRANSITION",
			Type:    "STATE_ERROR",
			Message: fmt.Sprintf("illegal state transition: %s → %s", from, newState),
			Details: map[string]interface{}{"from": from.String(), "to": newState.String()},
		}
	}
	return nil
}

// CompareAndTransition moves from `from` to `to` only if the current state is
// `from`, and returns the state observed before the attempt. The connector
// uses it to claim READY → EXECUTING so only one batch is in flight.
func (sm *StateManager) CompareAndTransition(from, to ConnectorState, metadata map[string]interface{}) (ConnectorState, bool) {
	return sm.transition(func(cur ConnectorState) bool { return cur == from }, to, nil, metadata)
}

func (sm *StateManager) transition(accept func(ConnectorState) bool, newState ConnectorState, err error, metadata map[string]interface{}) (ConnectorState, bool) {
	sm.mu.Lock()

	from := sm.current
	if !accept(from) || !isLegalTransition(from, newState) {
		sm.mu.Unlock()
		return from, false
	}

	now := time.Now()
	tr := StateTransition{
		From:      from,
		To:        newState,
		Timestamp: now,
		Error:     err,
		Duration:  now.Sub(sm.lastTransition),
		Metadata:  metadata,
	}

	sm.current = newState
	sm.lastTransition = now
	if newState == StateExecuting {
		sm.executions++
	}
	sm.history[sm.historyPos] = tr
	sm.historyPos = (sm.historyPos + 1) % stateHistorySize
	if sm.historyLen < stateHistorySize {
		sm.historyLen++
	}

	handlers := sm.handlers
	sm.mu.Unlock()

	// Handlers run unlocked so they may query the manager.
	for _, handler := range handlers {
		handler(tr)
	}
	return from, true
}

// OnStateChange registers a handler.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	// Copy so a transition already iterating the old slice is unaffected.
	handlers := make([]StateChangeHandler, len(sm.handlers), len(sm.handlers)+1)
	copy(handlers, sm.handlers)
	sm.handlers = append(handlers, handler)
}

func (sm *StateManager) GetState() ConnectorState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since returns how long the current state has been held.
func (sm *StateManager) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.lastTransition)
}

// History returns up to the last 16 transitions, oldest first.
func (sm *StateManager) History() []StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]StateTransition, 0, sm.historyLen)
	start := (sm.historyPos - sm.historyLen + stateHistorySize) % stateHistorySize
	for i := 0; i < sm.historyLen; i++ {
		out = append(out, sm.history[(start+i)%stateHistorySize])
	}
	return out
}

// Executions returns how many pipelines the connector has started.
func (sm *StateManager) Executions() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.executions
}
