// Package openai implements the conversational agent adapter on top of the
// OpenAI chat completions streaming API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/adapters/agent"
	"github.com/voxline/voxline/pkg/convo"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
	"github.com/voxline/voxline/pkg/resilience"
)

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	CallID  string `mapstructure:"-"`
}

// Directive markers the model may emit inline. They are stripped from the
// spoken text and surfaced as commands.
const (
	markerEndCall        = "#endCall"
	markerSkipAnswer     = "#skipAnswer"
	markerCancelLastUser = "#cancelLastUserMessage"
)

// Responder streams chat completions and aggregates each answer into a final
// result carrying text, directives, and tool calls.
type Responder struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	mu        sync.Mutex
	cancelGen context.CancelFunc
	destroyed bool
}

func New(cfg Config) *Responder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &Responder{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "openai_agent"),
	}
}

func (r *Responder) Name() string { return "openai" }

func (r *Responder) Answer(ctx context.Context, history []convo.Item) (agent.Reply, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return agent.Reply{}, errors.New("responder destroyed")
	}
	if r.cancelGen != nil {
		r.cancelGen()
	}
	genCtx, cancel := context.WithCancel(ctx)
	r.cancelGen = cancel
	r.mu.Unlock()

	if !r.breaker.Allow() {
		cancel()
		return agent.Reply{}, errorsx.Wrap(errors.New("openai circuit open"), errorsx.ReasonAgentAnswer)
	}

	body, err := r.buildRequest(history)
	if err != nil {
		cancel()
		return agent.Reply{}, errorsx.Wrap(err, errorsx.ReasonAgentAnswer)
	}
	req, err := http.NewRequestWithContext(genCtx, http.MethodPost, r.cfg.BaseURL+"/chat/completions", body)
	if err != nil {
		cancel()
		return agent.Reply{}, errorsx.Wrap(err, errorsx.ReasonAgentAnswer)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		return agent.Reply{}, errorsx.Wrap(err, errorsx.ReasonAgentAnswer)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		err := resilience.RateLimitError{Provider: "openai", Message: string(raw)}
		r.breaker.OnError(err)
		return agent.Reply{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return agent.Reply{}, errorsx.Wrap(errors.New(string(raw)), errorsx.ReasonAgentAnswer)
	}
	r.breaker.OnSuccess()

	tokens := make(chan string, 128)
	final := make(chan agent.Final, 1)
	go r.consume(genCtx, resp.Body, tokens, final)
	return agent.Reply{Tokens: tokens, Final: final}, nil
}

func (r *Responder) Cancel() {
	r.mu.Lock()
	if r.cancelGen != nil {
		r.cancelGen()
		r.cancelGen = nil
	}
	r.mu.Unlock()
}

func (r *Responder) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	if r.cancelGen != nil {
		r.cancelGen()
		r.cancelGen = nil
	}
	r.mu.Unlock()
}

// consume reads the SSE stream, forwarding spoken text as tokens and holding
// back directive markers and tool call fragments for the final result.
func (r *Responder) consume(ctx context.Context, body io.ReadCloser, tokens chan<- string, final chan<- agent.Final) {
	defer body.Close()
	defer close(tokens)

	var (
		full     strings.Builder
		held     string
		toolAcc  = map[int]*toolCallAccumulator{}
		toolSeen []int
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		for _, tc := range delta.ToolCalls {
			acc, ok := toolAcc[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				toolAcc[tc.Index] = acc
				toolSeen = append(toolSeen, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if delta.Content == "" {
			continue
		}
		full.WriteString(delta.Content)
		speak, pending := holdMarkers(held + delta.Content)
		held = pending
		if speak == "" {
			continue
		}
		select {
		case tokens <- speak:
		case <-ctx.Done():
			final <- agent.Final{Err: errorsx.Wrap(ctx.Err(), errorsx.ReasonAgentStream)}
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		final <- agent.Final{Err: errorsx.Wrap(err, errorsx.ReasonAgentStream)}
		return
	}
	if ctx.Err() != nil {
		final <- agent.Final{Err: errorsx.Wrap(ctx.Err(), errorsx.ReasonAgentStream)}
		return
	}

	text, cmds := extractCommands(full.String())
	fin := agent.Final{Text: text, Commands: cmds}
	for _, idx := range toolSeen {
		acc := toolAcc[idx]
		args := map[string]any{}
		_ = json.Unmarshal([]byte(acc.args.String()), &args)
		fin.ToolCalls = append(fin.ToolCalls, agent.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		})
	}
	final <- fin
}

func (r *Responder) buildRequest(history []convo.Item) (*bytes.Buffer, error) {
	messages := make([]map[string]any, 0, len(history))
	for _, item := range history {
		switch item.Role {
		case convo.RoleSystem, convo.RoleUser, convo.RoleAssistant:
			messages = append(messages, map[string]any{
				"role":    string(item.Role),
				"content": item.Content,
			})
		case convo.RoleToolCall, convo.RoleToolResult:
			// Tool traffic stays in the model context as plain assistant
			// text; the transcript format carries enough to ground replies.
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": item.Content,
			})
		}
	}
	req := map[string]any{
		"model":    r.cfg.Model,
		"stream":   true,
		"messages": messages,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// holdMarkers withholds any suffix that could be the start of a directive
// marker so markers never leak into spoken tokens.
func holdMarkers(text string) (speak, pending string) {
	idx := strings.LastIndex(text, "#")
	if idx < 0 {
		return text, ""
	}
	tail := text[idx:]
	for _, marker := range []string{markerEndCall, markerSkipAnswer, markerCancelLastUser} {
		if strings.HasPrefix(marker, tail) || strings.HasPrefix(tail, marker) {
			return text[:idx], tail
		}
	}
	return text, ""
}

func extractCommands(text string) (string, agent.Commands) {
	var cmds agent.Commands
	if strings.Contains(text, markerCancelLastUser) {
		cmds.CancelLastUserMessage = true
		text = strings.ReplaceAll(text, markerCancelLastUser, "")
	}
	if strings.Contains(text, markerEndCall) {
		cmds.EndCall = true
		text = strings.ReplaceAll(text, markerEndCall, "")
	}
	if strings.Contains(text, markerSkipAnswer) {
		cmds.SkipAnswer = true
		text = strings.ReplaceAll(text, markerSkipAnswer, "")
	}
	return strings.TrimSpace(text), cmds
}

var _ agent.Responder = (*Responder)(nil)
