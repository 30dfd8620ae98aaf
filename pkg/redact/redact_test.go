package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "my email is jo@example.com and my number is +1 415 555 0134"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactTranscript(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	in := "my email is jo@example.com and my number is +1 415 555 0134"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
}

func TestRedactSpokenCardNumber(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	got := Text("the card is 4111 1111 1111 1111 thanks")
	if !strings.Contains(got, "[REDACTED_NUMBER]") {
		t.Fatalf("card number survived: %q", got)
	}
	if strings.Contains(got, "4111") {
		t.Fatalf("digits leaked: %q", got)
	}
}

func TestRedactLeavesPlainSpeechAlone(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	in := "book me a table for 4 people at 7"
	if got := Text(in); got != in {
		t.Fatalf("plain speech mangled: %q", got)
	}
}
