package wire

import "testing"

func TestParseCommandWithPayload(t *testing.T) {
	cmd, payload, err := Parse(`Message {"role":"user","content":"hi"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CommandMessage {
		t.Fatalf("expected Message, got %s", cmd)
	}
	if payload != `{"role":"user","content":"hi"}` {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestParseBareCommand(t *testing.T) {
	cmd, payload, err := Parse("StartSpeaking")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CommandStartSpeaking {
		t.Fatalf("expected StartSpeaking, got %s", cmd)
	}
	if payload != "" {
		t.Fatalf("expected empty payload, got %q", payload)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	if _, _, err := Parse("Teleport now"); err != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	frame := Format(CommandToolCall, `{"name":"lookup"}`)
	cmd, payload, err := Parse(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CommandToolCall || payload != `{"name":"lookup"}` {
		t.Fatalf("round trip mismatch: %s %q", cmd, payload)
	}
	if got := Format(CommandSkipAnswer, ""); got != "SkipAnswer" {
		t.Fatalf("expected bare verb, got %q", got)
	}
}

func TestTransientCloseCodes(t *testing.T) {
	cases := map[int]bool{
		CloseNormal:        false,
		1001:               true,
		1005:               false,
		1006:               true,
		1010:               true,
		CloseInternalError: false,
		CloseBadRequest:    false,
		CloseUnauthorized:  false,
		CloseNotFound:      false,
	}
	for code, want := range cases {
		if got := Transient(code); got != want {
			t.Fatalf("Transient(%d) = %v, want %v", code, got, want)
		}
		if Terminal(code) == Transient(code) {
			t.Fatalf("Terminal(%d) must complement Transient", code)
		}
	}
}
