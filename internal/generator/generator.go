// Package generator is the streaming LLM client that turns tool-event XML
// into observation/summary XML, built on
// github.com/anthropics/anthropic-sdk-go. A Conversation is opened with a
// system prompt and then driven one Send at a time; each reply streams
// back as text deltas followed by a terminal event carrying token usage.
package generator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens int64 = 4096

// StreamEvent is one increment of generator output: either a text delta, or
// (Done=true) the terminal event carrying token usage for the reply.
type StreamEvent struct {
	Text  string
	Done  bool
	Usage Usage
}

// Usage is the per-reply token accounting reported alongside each
// completed reply.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client wraps the Anthropic SDK client and the configured model.
type Client struct {
	sdk   anthropic.Client
	model string
}

func New(apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

// Conversation is a per-session streaming conversation with the generator,
// owned exclusively by that session's MemoryAgentRunner task — there is no
// concurrent access, so the mutex below guards against reentrancy bugs
// rather than real contention.
type Conversation struct {
	client       *Client
	systemPrompt string

	mu      sync.Mutex
	history []anthropic.MessageParam
}

// Start opens a conversation; the first turn always carries the init
// prompt as the system prompt.
func (c *Client) Start(systemPrompt string) *Conversation {
	return &Conversation{client: c, systemPrompt: systemPrompt}
}

// SetSystemPrompt swaps the system prompt used by subsequent Send calls,
// without touching the accumulated message history. The runner calls this
// after the first turn to drop in the shorter continuation prompt.
func (conv *Conversation) SetSystemPrompt(systemPrompt string) {
	conv.mu.Lock()
	conv.systemPrompt = systemPrompt
	conv.mu.Unlock()
}

// Send sends a turn on the conversation and streams the reply. The returned
// channels are closed when the reply completes or ctx is cancelled — ctx
// cancellation is how callers implement "cancellable output stream".
func (conv *Conversation) Send(ctx context.Context, userText string) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent, 16)
	errs := make(chan error, 1)

	conv.mu.Lock()
	history := append(conv.history, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))
	systemPrompt := conv.systemPrompt
	conv.mu.Unlock()

	go func() {
		defer close(events)
		defer close(errs)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(conv.client.model),
			Messages:  history,
			MaxTokens: defaultMaxTokens,
		}
		if systemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
		}

		stream := conv.client.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var acc anthropic.Message
		var usage anthropic.MessageDeltaUsage
		var reply strings.Builder

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				continue
			}
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					reply.WriteString(delta.Text)
					select {
					case events <- StreamEvent{Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage = ev.Usage
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case errs <- fmt.Errorf("generator stream: %w", err):
			default:
			}
			return
		}

		conv.mu.Lock()
		conv.history = append(history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply.String())))
		conv.mu.Unlock()

		final := StreamEvent{
			Done: true,
			Usage: Usage{
				InputTokens:  int(usage.InputTokens),
				OutputTokens: int(usage.OutputTokens),
			},
		}
		select {
		case events <- final:
		case <-ctx.Done():
		}
	}()

	return events, errs
}
