package orchestrator

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

// transitions lists the legal next states of each non-terminal state.
// Failed is reachable from every one of them.
var transitions = map[store.TurnState][]store.TurnState{
	store.TurnReceived:     {store.TurnPlanning, store.TurnFailed},
	store.TurnPlanning:     {store.TurnExecuting, store.TurnSynthesizing, store.TurnFailed},
	store.TurnExecuting:    {store.TurnSynthesizing, store.TurnFailed},
	store.TurnSynthesizing: {store.TurnDelivered, store.TurnFailed},
}

// machine tracks the state of one turn and reports each transition.
type machine struct {
	turn   *store.AgentTurn
	notify func(store.TurnState)
}

func newMachine(turn *store.AgentTurn, notify func(store.TurnState)) *machine {
	turn.State = store.TurnReceived
	return &machine{turn: turn, notify: notify}
}

func (m *machine) state() store.TurnState {
	return m.turn.State
}

// to moves the turn to next. An illegal transition is a programming error.
func (m *machine) to(next store.TurnState) error {
	if !slices.Contains(transitions[m.turn.State], next) {
		return errors.Errorf("illegal turn transition %s -> %s", m.turn.State, next)
	}
	m.turn.State = next
	if m.notify != nil {
		m.notify(next)
	}
	return nil
}

// fail moves the turn to failed with reason. It is a no-op on a terminal turn.
func (m *machine) fail(reason string) {
	if m.turn.State.IsTerminal() {
		return
	}
	m.turn.FailureReason = reason
	// Every non-terminal state may fail.
	_ = m.to(store.TurnFailed)
}
