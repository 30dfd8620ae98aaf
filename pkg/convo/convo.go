// Package convo holds the conversation history shared over the wire and the
// generation token that guards one in-flight reply.
package convo

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Item is one entry of the conversation. Command flags ride along on
// assistant items when the agent embeds them in its answer.
type Item struct {
	Role    Role              `json:"role"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`

	EndCall               bool `json:"endCall,omitempty"`
	SkipAnswer            bool `json:"skipAnswer,omitempty"`
	CancelLastUserMessage bool `json:"cancelLastUserMessage,omitempty"`
}

// Conversation is an ordered, append-only item sequence. The server session
// controller is its only writer; the client rebuilds a read-only mirror from
// pushed events. Rollback of an aborted generation is the one sanctioned
// mutation besides append.
type Conversation struct {
	mu    sync.Mutex
	items []Item
}

func NewConversation(system string) *Conversation {
	c := &Conversation{}
	if system != "" {
		c.items = append(c.items, Item{Role: RoleSystem, Content: system})
	}
	return c
}

func (c *Conversation) Append(item Item) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
}

// PopLast removes and returns the newest item when it matches role. Used to
// roll back the user or assistant item of an aborted generation.
func (c *Conversation) PopLast(role Role) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return Item{}, false
	}
	last := c.items[len(c.items)-1]
	if last.Role != role {
		return Item{}, false
	}
	c.items = c.items[:len(c.items)-1]
	return last, true
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot returns a copy of the full history.
func (c *Conversation) Snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// WithoutSystem returns a copy of the history minus the leading system item,
// the shape reported in the end-of-call summary.
func (c *Conversation) WithoutSystem() []Item {
	items := c.Snapshot()
	if len(items) > 0 && items[0].Role == RoleSystem {
		items = items[1:]
	}
	return items
}

// Generation identifies one attempt to produce a reply (STT result, agent
// answer, TTS audio) for a single user turn. Abort is cooperative: producers
// check Aborted at each chunk boundary, so at most one in-flight chunk can
// outlive an abort.
type Generation struct {
	id      string
	aborted atomic.Bool
}

func NewGeneration() *Generation {
	return &Generation{id: uuid.NewString()}
}

func (g *Generation) ID() string { return g.id }

func (g *Generation) Abort() { g.aborted.Store(true) }

func (g *Generation) Aborted() bool {
	if g == nil {
		return true
	}
	return g.aborted.Load()
}
