package convo

import (
	"encoding/json"
	"testing"
)

func TestConversationAppendAndSnapshot(t *testing.T) {
	c := NewConversation("be brief")
	c.Append(Item{Role: RoleUser, Content: "hello"})
	c.Append(Item{Role: RoleAssistant, Content: "hi"})

	if c.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", c.Len())
	}
	snap := c.Snapshot()
	if snap[0].Role != RoleSystem || snap[1].Role != RoleUser || snap[2].Role != RoleAssistant {
		t.Fatalf("unexpected order: %+v", snap)
	}

	// Snapshot is a copy.
	snap[1].Content = "mutated"
	if c.Snapshot()[1].Content != "hello" {
		t.Fatalf("snapshot must not alias internal state")
	}
}

func TestPopLastOnlyMatchesRole(t *testing.T) {
	c := NewConversation("")
	c.Append(Item{Role: RoleUser, Content: "question"})
	c.Append(Item{Role: RoleAssistant, Content: "answer"})

	if _, ok := c.PopLast(RoleUser); ok {
		t.Fatalf("expected no pop: last item is assistant")
	}
	item, ok := c.PopLast(RoleAssistant)
	if !ok || item.Content != "answer" {
		t.Fatalf("expected popped answer, got %+v ok=%v", item, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 item left, got %d", c.Len())
	}
	if _, ok := c.PopLast(RoleAssistant); ok {
		t.Fatalf("expected no second assistant pop")
	}
}

func TestWithoutSystem(t *testing.T) {
	c := NewConversation("prompt")
	c.Append(Item{Role: RoleUser, Content: "hi"})
	items := c.WithoutSystem()
	if len(items) != 1 || items[0].Role != RoleUser {
		t.Fatalf("unexpected items: %+v", items)
	}

	empty := NewConversation("")
	if got := empty.WithoutSystem(); len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}
}

func TestItemJSONFlags(t *testing.T) {
	raw, err := json.Marshal(Item{Role: RoleAssistant, Content: "bye", EndCall: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["endCall"] != true {
		t.Fatalf("expected endCall flag, got %v", decoded)
	}
	if _, present := decoded["skipAnswer"]; present {
		t.Fatalf("unset flags must be omitted: %v", decoded)
	}
}

func TestGenerationAbort(t *testing.T) {
	g := NewGeneration()
	if g.Aborted() {
		t.Fatalf("fresh generation must not be aborted")
	}
	g.Abort()
	if !g.Aborted() {
		t.Fatalf("expected aborted")
	}

	var nilGen *Generation
	if !nilGen.Aborted() {
		t.Fatalf("nil generation reads as aborted")
	}
}
