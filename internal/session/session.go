// Package session owns one conversation's lifecycle: loading it from
// storage, sending messages (blocking or streamed), stopping in-flight
// generation, regenerating the last exchange, and clearing history. At most
// one generation is in flight per conversation; durable storage converges
// with the in-memory view after every completed exchange.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"CharChat/internal/backend"
	"CharChat/internal/chat"
	"CharChat/internal/gateway"
	"CharChat/internal/store"

	"github.com/google/uuid"
)

// Gateway is the transport the engine generates through.
type Gateway interface {
	SendMessage(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error)
	StreamMessage(ctx context.Context, req backend.ChatRequest, emit func(gateway.StreamEvent)) error
}

// Notifier is the user-facing notification channel (a toast equivalent).
type Notifier interface {
	Success(msg string)
	Info(msg string)
	Error(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Info(string)    {}
func (nopNotifier) Error(string)   {}

// Options configures an Engine.
type Options struct {
	Notifier Notifier
	Logger   *slog.Logger

	// OnToken, when set, is called for every streamed token after it has
	// been applied to the in-memory conversation, so the presentation
	// layer can re-render incrementally.
	OnToken func(token string)

	// DiscardPartialOnError drops a partially streamed reply from the
	// visible conversation when the stream fails. The default keeps the
	// partial visible; it is never persisted either way.
	DiscardPartialOnError bool
}

// SendOptions are per-call overrides for one Send.
type SendOptions struct {
	Model        string   // overrides the stored model when non-empty
	Temperature  *float64 // overrides the stored temperature when set
	MaxTokens    *int     // overrides the stored token limit when set
	SystemPrompt string   // fallback prompt when no stored context prompt exists
	NoStreaming  bool     // forces the blocking path for this call
}

// Engine manages one conversation, identified by its character id.
type Engine struct {
	characterID    string
	store          *store.Store
	gateway        Gateway
	notify         Notifier
	logger         *slog.Logger
	onToken        func(string)
	discardPartial bool

	mu        sync.Mutex
	messages  []chat.Message
	loading   bool
	streaming bool
	lastErr   error
	cancel    context.CancelFunc
}

// State is a snapshot of the engine for the presentation layer.
type State struct {
	Messages  []chat.Message
	Loading   bool
	Streaming bool
	LastErr   error
}

// NewEngine creates an engine for one conversation key.
func NewEngine(characterID string, st *store.Store, gw Gateway, opts Options) *Engine {
	notify := opts.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		characterID:    characterID,
		store:          st,
		gateway:        gw,
		notify:         notify,
		logger:         logger,
		onToken:        opts.OnToken,
		discardPartial: opts.DiscardPartialOnError,
	}
}

// Load reads the conversation from storage and seeds the context from the
// character's default system prompt if no context was ever saved. Subsequent
// loads always prefer the saved context, even an empty one.
func (e *Engine) Load(ctx context.Context) {
	messages := e.store.ChatFor(ctx, e.characterID)

	e.mu.Lock()
	e.messages = messages
	e.loading = false
	e.streaming = false
	e.lastErr = nil
	e.mu.Unlock()

	if _, ok := e.store.ContextFor(ctx, e.characterID); !ok {
		prompt := ""
		if c, found := chat.CharacterByID(e.store.Characters(ctx), e.characterID); found {
			prompt = c.SystemPrompt
		}
		if err := e.store.SaveContext(ctx, e.characterID, chat.Context{SystemPrompt: prompt}); err != nil {
			e.logger.Warn("failed to seed context", "character_id", e.characterID, "error", err)
		}
	}
}

// Send appends the user's message, persists it, and requests a reply.
// Empty input and calls made while a generation is in flight are silent
// no-ops. Transport failures are surfaced through the notifier and
// LastError; they never leave the engine unusable.
func (e *Engine) Send(ctx context.Context, content string, opts *SendOptions) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if opts == nil {
		opts = &SendOptions{}
	}

	e.mu.Lock()
	if e.loading {
		e.mu.Unlock()
		return nil
	}
	e.loading = true
	e.lastErr = nil

	opCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	userMsg := chat.Message{Role: chat.RoleUser, Content: content, Timestamp: time.Now()}
	e.messages = append(e.messages, userMsg)
	history := make([]chat.Message, len(e.messages))
	copy(history, e.messages)
	e.mu.Unlock()

	if err := e.store.AppendMessage(ctx, e.characterID, userMsg); err != nil {
		e.logger.Warn("failed to persist user message", "character_id", e.characterID, "error", err)
	}

	// Context and settings are re-read on every send so saved edits take
	// effect immediately.
	convCtx, _ := e.store.ContextFor(ctx, e.characterID)
	settings := e.store.Settings(ctx)

	systemPrompt := convCtx.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = opts.SystemPrompt
	}
	model := settings.Model
	if opts.Model != "" {
		model = opts.Model
	}
	temperature := settings.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := settings.MaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}

	req := backend.ChatRequest{
		Message:             content,
		CharacterID:         e.characterID,
		SystemPrompt:        systemPrompt,
		Memory:              convCtx.Memory,
		ConversationHistory: historyTurns(history[:len(history)-1]),
		Model:               model,
		Temperature:         temperature,
		MaxTokens:           maxTokens,
	}

	opID := uuid.NewString()
	streaming := settings.StreamingEnabled && !opts.NoStreaming
	e.logger.Info("sending message",
		"op_id", opID, "character_id", e.characterID,
		"model", model, "streaming", streaming, "history", len(req.ConversationHistory))

	if streaming {
		return e.sendStreaming(opCtx, opID, req)
	}
	return e.sendBlocking(opCtx, opID, req)
}

func (e *Engine) sendBlocking(ctx context.Context, opID string, req backend.ChatRequest) error {
	resp, err := e.gateway.SendMessage(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Stopped by the user; the stop itself already reset state
			// and posted the informational notice.
			e.finish(nil)
			return nil
		}
		e.fail(opID, err)
		return err
	}

	assistantMsg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   resp.Response,
		Timestamp: time.Now(),
		ModelUsed: resp.ModelUsed,
	}

	e.mu.Lock()
	e.messages = append(e.messages, assistantMsg)
	e.mu.Unlock()
	e.finish(nil)

	if err := e.store.AppendMessage(context.WithoutCancel(ctx), e.characterID, assistantMsg); err != nil {
		e.logger.Warn("failed to persist assistant message", "character_id", e.characterID, "error", err)
	}

	e.logger.Info("message completed", "op_id", opID, "model", assistantMsg.ModelUsed)
	return nil
}

func (e *Engine) sendStreaming(ctx context.Context, opID string, req backend.ChatRequest) error {
	e.mu.Lock()
	e.streaming = true
	// Placeholder grows token by token; it is persisted only once complete.
	e.messages = append(e.messages, chat.Message{Role: chat.RoleAssistant})
	idx := len(e.messages) - 1
	e.mu.Unlock()

	var streamErr error
	var completed bool

	err := e.gateway.StreamMessage(ctx, req, func(ev gateway.StreamEvent) {
		switch ev.Kind {
		case gateway.EventToken:
			e.mu.Lock()
			if idx < len(e.messages) {
				e.messages[idx].Content += ev.Token
			}
			e.mu.Unlock()
			if e.onToken != nil {
				e.onToken(ev.Token)
			}
		case gateway.EventError:
			streamErr = ev.Err
		case gateway.EventDone:
			completed = true
		}
	})

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Stopped mid-stream: partial content stays visible, nothing is
		// persisted, so a reload will not show it.
		e.finish(nil)
		return nil

	case err != nil:
		e.dropPartial(idx)
		e.fail(opID, err)
		return err

	case streamErr != nil:
		e.dropPartial(idx)
		e.fail(opID, streamErr)
		return streamErr

	case completed:
		e.mu.Lock()
		// The placeholder can be gone if the conversation was cleared
		// mid-stream; there is nothing to finalize then.
		present := idx < len(e.messages)
		var final chat.Message
		if present {
			e.messages[idx].Timestamp = time.Now()
			final = e.messages[idx]
		}
		e.mu.Unlock()
		e.finish(nil)

		if present {
			if err := e.store.AppendMessage(context.WithoutCancel(ctx), e.characterID, final); err != nil {
				e.logger.Warn("failed to persist assistant message", "character_id", e.characterID, "error", err)
			}
		}

		e.logger.Info("stream completed", "op_id", opID, "length", len(final.Content))
		return nil
	}

	// Unreachable with a conforming gateway, which always ends in exactly
	// one terminal event.
	e.finish(nil)
	return nil
}

// dropPartial removes the streaming placeholder when the partial-discard
// policy is enabled.
func (e *Engine) dropPartial(idx int) {
	if !e.discardPartial {
		return
	}
	e.mu.Lock()
	if idx < len(e.messages) {
		e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
	}
	e.mu.Unlock()
}

// finish resets the in-flight state and invalidates the cancellation token.
func (e *Engine) finish(err error) {
	e.mu.Lock()
	e.loading = false
	e.streaming = false
	e.lastErr = err
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
}

func (e *Engine) fail(opID string, err error) {
	e.finish(err)
	e.notify.Error(gateway.UserMessage(err))
	e.logger.Error("message failed", "op_id", opID, "character_id", e.characterID, "error", err)
}

// Stop cancels any in-flight generation, closing the underlying connection.
// Partial streamed content stays visible but is never persisted. Calling
// Stop with nothing in flight is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	inFlight := e.cancel != nil
	if inFlight {
		e.cancel()
		e.cancel = nil
	}
	e.loading = false
	e.streaming = false
	e.mu.Unlock()

	if inFlight {
		e.notify.Info("Generation stopped")
		e.logger.Info("generation stopped", "character_id", e.characterID)
	}
}

// Regenerate rewinds the conversation to just before the most recent user
// message and resends its content. No-op while a generation is in flight or
// when no user message exists.
func (e *Engine) Regenerate(ctx context.Context, opts *SendOptions) error {
	e.mu.Lock()
	if e.loading {
		e.mu.Unlock()
		return nil
	}

	idx := -1
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == chat.RoleUser {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return nil
	}

	content := e.messages[idx].Content
	truncated := make([]chat.Message, idx)
	copy(truncated, e.messages[:idx])
	e.messages = truncated
	e.mu.Unlock()

	if err := e.store.SetChat(ctx, e.characterID, truncated); err != nil {
		e.logger.Warn("failed to persist truncated history", "character_id", e.characterID, "error", err)
	}

	return e.Send(ctx, content, opts)
}

// Clear empties the conversation in memory and in storage. Context is left
// untouched.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	e.messages = nil
	e.mu.Unlock()

	if err := e.store.ClearChat(ctx, e.characterID); err != nil {
		e.notify.Error("Failed to clear conversation")
		return err
	}
	e.notify.Success("Conversation cleared")
	return nil
}

// SaveContext saves the conversation's system prompt and memory. Takes
// effect on the next send.
func (e *Engine) SaveContext(ctx context.Context, systemPrompt, memory string) error {
	return e.store.SaveContext(ctx, e.characterID, chat.Context{
		SystemPrompt: systemPrompt,
		Memory:       memory,
	})
}

// Context returns the saved context for this conversation.
func (e *Engine) Context(ctx context.Context) chat.Context {
	c, _ := e.store.ContextFor(ctx, e.characterID)
	return c
}

// CharacterID returns the conversation key.
func (e *Engine) CharacterID() string {
	return e.characterID
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	messages := make([]chat.Message, len(e.messages))
	copy(messages, e.messages)
	return State{
		Messages:  messages,
		Loading:   e.loading,
		Streaming: e.streaming,
		LastErr:   e.lastErr,
	}
}

// Messages returns a copy of the visible conversation.
func (e *Engine) Messages() []chat.Message {
	return e.Snapshot().Messages
}

// Loading reports whether a generation is in flight.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Streaming reports whether a streamed reply is in progress.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// LastError returns the error from the most recent failed operation, nil
// after a successful or stopped one.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// historyTurns maps the trailing window of the conversation to wire turns.
func historyTurns(messages []chat.Message) []backend.Turn {
	if len(messages) > chat.HistoryWindow {
		messages = messages[len(messages)-chat.HistoryWindow:]
	}
	turns := make([]backend.Turn, len(messages))
	for i, msg := range messages {
		turns[i] = backend.Turn{Role: msg.Role, Content: msg.Content}
	}
	return turns
}
