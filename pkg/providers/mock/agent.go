package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/adapters/agent"
	"github.com/voxline/voxline/pkg/convo"
)

type AgentConfig struct {
	// Reply is the answer text, streamed word by word.
	Reply string
	// TokenDelay spaces out token emission.
	TokenDelay time.Duration
	// Commands are attached to the final result.
	Commands agent.Commands
	// ToolCalls are attached to the final result.
	ToolCalls []agent.ToolCall
	// Err makes every answer fail with this error.
	Err error
}

// Responder answers every history with a canned reply.
type Responder struct {
	cfg AgentConfig

	mu        sync.Mutex
	epoch     int
	destroyed bool
}

func NewResponder(cfg AgentConfig) *Responder {
	if cfg.Reply == "" && cfg.Err == nil {
		cfg.Reply = "mock reply"
	}
	return &Responder{cfg: cfg}
}

func (r *Responder) Name() string { return "mock_agent" }

func (r *Responder) Answer(ctx context.Context, history []convo.Item) (agent.Reply, error) {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	words := strings.Fields(r.cfg.Reply)
	tokens := make(chan string, len(words)+1)
	final := make(chan agent.Final, 1)

	go func() {
		defer close(tokens)
		if r.cfg.Err != nil {
			final <- agent.Final{Err: r.cfg.Err}
			return
		}
		var sent []string
		for i, w := range words {
			if r.cfg.TokenDelay > 0 {
				select {
				case <-time.After(r.cfg.TokenDelay):
				case <-ctx.Done():
					final <- agent.Final{Err: ctx.Err()}
					return
				}
			}
			if r.stale(epoch) {
				final <- agent.Final{Err: context.Canceled}
				return
			}
			token := w
			if i < len(words)-1 {
				token += " "
			}
			tokens <- token
			sent = append(sent, w)
		}
		final <- agent.Final{
			Text:      strings.Join(sent, " "),
			Commands:  r.cfg.Commands,
			ToolCalls: r.cfg.ToolCalls,
		}
	}()
	return agent.Reply{Tokens: tokens, Final: final}, nil
}

func (r *Responder) stale(epoch int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch != epoch || r.destroyed
}

func (r *Responder) Cancel() {
	r.mu.Lock()
	r.epoch++
	r.mu.Unlock()
}

func (r *Responder) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	r.epoch++
	r.mu.Unlock()
}
