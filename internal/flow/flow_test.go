package flow_test

import (
	"testing"

	"github.com/careline-ai/careline/internal/flow"
	"github.com/careline-ai/careline/pkg/types"
)

func TestMachine_StartsInOpening(t *testing.T) {
	m := flow.New()
	if m.Phase() != types.PhaseOpening {
		t.Errorf("expected initial phase opening, got %v", m.Phase())
	}
}

func TestMachine_AllowedTransitions(t *testing.T) {
	m := flow.New()
	if err := m.Transition(types.PhaseMain); err != nil {
		t.Fatalf("opening -> main should be allowed: %v", err)
	}
	if err := m.Transition(types.PhaseWindingDown); err != nil {
		t.Fatalf("main -> winding_down should be allowed: %v", err)
	}
	if err := m.Transition(types.PhaseClosing); err != nil {
		t.Fatalf("winding_down -> closing should be allowed: %v", err)
	}
	if err := m.Transition(types.PhaseEnded); err != nil {
		t.Fatalf("closing -> ended should be allowed: %v", err)
	}
}

func TestMachine_MainCanSkipDirectlyToClosing(t *testing.T) {
	m := flow.New()
	_ = m.Transition(types.PhaseMain)
	if err := m.Transition(types.PhaseClosing); err != nil {
		t.Fatalf("main -> closing should be allowed: %v", err)
	}
}

func TestMachine_RejectsInvalidTransition(t *testing.T) {
	m := flow.New()
	err := m.Transition(types.PhaseClosing)
	if err == nil {
		t.Fatal("expected opening -> closing to be rejected")
	}
	var target *flow.ErrInvalidTransition
	if !errorsAs(err, &target) {
		t.Fatalf("expected *ErrInvalidTransition, got %T", err)
	}
	if m.Phase() != types.PhaseOpening {
		t.Errorf("phase should be unchanged after rejected transition, got %v", m.Phase())
	}
}

func TestCurrentNode_MainUsesResetWithSummary(t *testing.T) {
	m := flow.New()
	_ = m.Transition(types.PhaseMain)
	node := m.CurrentNode()
	if node.ContextStrategy != flow.ContextResetWithSummary {
		t.Errorf("expected main phase to use ContextResetWithSummary, got %v", node.ContextStrategy)
	}
}

// errorsAs avoids importing errors just for this one assertion.
func errorsAs(err error, target **flow.ErrInvalidTransition) bool {
	e, ok := err.(*flow.ErrInvalidTransition)
	if ok {
		*target = e
	}
	return ok
}
