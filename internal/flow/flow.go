// Package flow implements the call-phase state machine (§4.7): four
// phases, each with declared enabled tools, a context strategy on entry,
// and allowed transitions.
//
// Grounded stylistically on the teacher's declarative per-entity config
// structs (internal/config): phases are described as plain data, not a
// hand-coded switch per transition, so the allowed-transition table is a
// single source of truth checkable by a test (§8 invariant 5).
package flow

import (
	"fmt"
	"sync"

	"github.com/careline-ai/careline/pkg/types"
)

// ContextStrategy describes how the session orchestrator should treat the
// accumulated LLM context when a phase is entered.
type ContextStrategy int

const (
	// ContextAppend keeps existing context and appends new turns.
	ContextAppend ContextStrategy = iota
	// ContextResetWithSummary summarizes prior turns (≤200 words) and drops the rest.
	ContextResetWithSummary
)

// Node describes one phase's static configuration.
type Node struct {
	Phase           types.Phase
	EnabledTools    []string
	ContextStrategy ContextStrategy
	Transitions     []types.Phase
}

// nodes is the fixed phase table from §4.7. Order matches the spec's table.
var nodes = map[types.Phase]Node{
	types.PhaseOpening: {
		Phase:           types.PhaseOpening,
		EnabledTools:    []string{"search_memories", "save_important_detail", "transition_to_main"},
		ContextStrategy: ContextAppend,
		Transitions:     []types.Phase{types.PhaseMain},
	},
	types.PhaseMain: {
		Phase: types.PhaseMain,
		EnabledTools: []string{
			"search_memories", "get_news", "save_important_detail",
			"mark_reminder_acknowledged", "transition_to_winding_down",
		},
		ContextStrategy: ContextResetWithSummary,
		Transitions:     []types.Phase{types.PhaseWindingDown, types.PhaseClosing},
	},
	types.PhaseWindingDown: {
		Phase:           types.PhaseWindingDown,
		EnabledTools:    []string{"mark_reminder_acknowledged", "transition_to_closing"},
		ContextStrategy: ContextAppend,
		Transitions:     []types.Phase{types.PhaseClosing},
	},
	types.PhaseClosing: {
		Phase:           types.PhaseClosing,
		EnabledTools:    []string{"mark_reminder_acknowledged"},
		ContextStrategy: ContextAppend,
		Transitions:     []types.Phase{types.PhaseEnded},
	},
}

// NodeFor returns the static configuration for phase p.
func NodeFor(p types.Phase) Node {
	return nodes[p]
}

// ErrInvalidTransition is returned when a requested phase transition is not
// in the allowed-transitions table for the source phase.
type ErrInvalidTransition struct {
	From, To types.Phase
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("flow: transition %s -> %s is not allowed", e.From, e.To)
}

// Machine holds the live phase for one call. Safe for concurrent use: the
// LLM tool-call goroutine and the Director/time-fallback paths may both
// attempt transitions.
type Machine struct {
	mu    sync.Mutex
	phase types.Phase
}

// New creates a Machine starting in PhaseOpening (§4.7).
func New() *Machine {
	return &Machine{phase: types.PhaseOpening}
}

// Phase returns the current phase.
func (m *Machine) Phase() types.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition attempts to move to target. Returns *ErrInvalidTransition if
// target is not in the source phase's allowed-transitions table (§8
// invariant 5). ENDED is reachable only from CLOSING, after the closing
// utterance's TTS completes — callers are responsible for sequencing that
// with the orchestrator's turn loop before calling Transition.
func (m *Machine) Transition(target types.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := nodes[m.phase]
	for _, allowed := range node.Transitions {
		if allowed == target {
			m.phase = target
			return nil
		}
	}
	return &ErrInvalidTransition{From: m.phase, To: target}
}

// CurrentNode returns the static Node configuration for the current phase.
func (m *Machine) CurrentNode() Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return nodes[m.phase]
}
