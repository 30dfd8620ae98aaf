package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonAgentAnswer)
	if Reason(err) != ReasonAgentAnswer {
		t.Fatalf("expected reason %s, got %s", ReasonAgentAnswer, Reason(err))
	}
	if !HasReason(err, ReasonAgentAnswer) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonAgentAnswer)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
