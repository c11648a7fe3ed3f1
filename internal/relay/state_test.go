package relay

import "testing"

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	for _, next := range []State{StateResolving, StateRangeParsed, StateStreaming, StateCompleted} {
		if err := m.To(next); err != nil {
			t.Fatalf("To(%s): %v", next, err)
		}
	}
	if !m.State().Terminal() {
		t.Fatalf("completed should be terminal")
	}
	if m.Fail() {
		t.Fatalf("completed machine must not fail")
	}
}

func TestMachineRejectsSkippedSteps(t *testing.T) {
	m := NewMachine()
	if err := m.To(StateStreaming); err == nil {
		t.Fatalf("expected idle -> streaming to be rejected")
	}
	if m.State() != StateIdle {
		t.Fatalf("state changed on rejected transition: %s", m.State())
	}
}

func TestMachineFailureBeforeBytes(t *testing.T) {
	m := NewMachine()
	_ = m.To(StateResolving)
	if !m.Fail() {
		t.Fatalf("resolving -> failed should be allowed")
	}
	if m.FailedFrom() != StateResolving {
		t.Fatalf("FailedFrom = %s", m.FailedFrom())
	}
	if m.FailedMidStream() {
		t.Fatalf("no bytes were written")
	}
	if err := m.To(StateRangeParsed); err == nil {
		t.Fatalf("failed is terminal")
	}
}

func TestMachineFailureMidStream(t *testing.T) {
	m := NewMachine()
	_ = m.To(StateResolving)
	_ = m.To(StateRangeParsed)
	_ = m.To(StateStreaming)
	m.MarkBytesWritten()
	m.Fail()
	if !m.FailedMidStream() {
		t.Fatalf("expected mid-stream failure")
	}
	if m.FailedFrom() != StateStreaming {
		t.Fatalf("FailedFrom = %s", m.FailedFrom())
	}
}

func TestStateString(t *testing.T) {
	if StateRangeParsed.String() != "range_parsed" {
		t.Fatalf("String = %q", StateRangeParsed.String())
	}
	if State(42).String() != "unknown(42)" {
		t.Fatalf("String = %q", State(42).String())
	}
}

func TestGate(t *testing.T) {
	var unlimited *Gate
	if !unlimited.TryEnter() {
		t.Fatalf("nil gate must admit")
	}
	unlimited.Leave()

	if NewGate(0) != nil {
		t.Fatalf("zero limit should disable the gate")
	}

	g := NewGate(1)
	if !g.TryEnter() {
		t.Fatalf("first enter should succeed")
	}
	if g.TryEnter() {
		t.Fatalf("second enter should be refused")
	}
	g.Leave()
	if !g.TryEnter() {
		t.Fatalf("slot should be free after Leave")
	}
}
