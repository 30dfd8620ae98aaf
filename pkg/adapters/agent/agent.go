package agent

import (
	"context"

	"github.com/voxline/voxline/pkg/convo"
)

// Commands are directives the agent can embed in an answer to short-circuit
// normal delivery.
type Commands struct {
	EndCall               bool
	SkipAnswer            bool
	CancelLastUserMessage bool
}

// ToolCall is one tool invocation requested by the agent.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Final is the aggregated outcome of one answer.
type Final struct {
	Text      string
	Commands  Commands
	ToolCalls []ToolCall
	Err       error
}

// Reply streams one answer as two explicit outputs: Tokens produces many
// text chunks as they are generated, Final resolves exactly once with the
// aggregate.
type Reply struct {
	Tokens <-chan string
	Final  <-chan Final
}

// Responder defines the contract for any language-model vendor
// implementation.
type Responder interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Answer starts generating a reply for the given history.
	Answer(ctx context.Context, history []convo.Item) (Reply, error)
	// Cancel stops the in-flight generation.
	Cancel()
	// Destroy releases the adapter permanently.
	Destroy()
}
