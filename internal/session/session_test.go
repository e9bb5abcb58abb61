package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"CharChat/internal/chat"
	"CharChat/internal/gateway"
	"CharChat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "aria_voss_001"

func newTestEngine(t *testing.T, gw Gateway) (*Engine, *store.Store, *fakeNotifier) {
	t.Helper()
	st := store.New(store.NewMemoryKV(), nil)
	notifier := &fakeNotifier{}
	engine := NewEngine(testKey, st, gw, Options{Notifier: notifier})
	engine.Load(context.Background())
	return engine, st, notifier
}

func roles(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Role
	}
	return out
}

func TestSendBlockingAppendsAndPersists(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "Well met.", model: "dolphin-mistral"}
	engine, st, _ := newTestEngine(t, gw)

	require.NoError(t, engine.Send(ctx, "  hello there  ", &SendOptions{NoStreaming: true}))

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, "hello there", messages[0].Content)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Well met.", messages[1].Content)
	assert.Equal(t, "dolphin-mistral", messages[1].ModelUsed)
	assert.False(t, messages[1].Timestamp.IsZero())

	// Durable and in-memory copies converge after a completed exchange.
	assert.Equal(t, messages, st.ChatFor(ctx, testKey))
	assert.False(t, engine.Loading())
	assert.NoError(t, engine.LastError())
}

func TestSendOrderingAcrossCalls(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "reply", model: "m"}
	engine, _, _ := newTestEngine(t, gw)

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Send(ctx, fmt.Sprintf("message %d", i), &SendOptions{NoStreaming: true}))
	}

	assert.Equal(t,
		[]string{"user", "assistant", "user", "assistant", "user", "assistant"},
		roles(engine.Messages()))
}

func TestSendIgnoresEmptyInput(t *testing.T) {
	gw := &fakeGateway{response: "reply"}
	engine, _, _ := newTestEngine(t, gw)

	require.NoError(t, engine.Send(context.Background(), "   \t\n ", nil))

	send, stream := gw.calls()
	assert.Zero(t, send)
	assert.Zero(t, stream)
	assert.Empty(t, engine.Messages())
}

func TestSendBusyGuard(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{hang: true}
	engine, _, _ := newTestEngine(t, gw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Send(ctx, "first", &SendOptions{NoStreaming: true})
	}()

	require.Eventually(t, func() bool { return engine.Loading() }, 5*time.Second, time.Millisecond)

	// A second send while one is in flight is a silent no-op.
	require.NoError(t, engine.Send(ctx, "second", &SendOptions{NoStreaming: true}))
	send, _ := gw.calls()
	assert.Equal(t, 1, send)

	engine.Stop()
	<-done

	// Only the first call's user message is present.
	messages := engine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "first", messages[0].Content)
}

func TestStreamingReassemblySinglePersist(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{script: tokens("Hel", "lo", " world")}

	kv := newCountingKV()
	st := store.New(kv, nil)
	notifier := &fakeNotifier{}
	engine := NewEngine(testKey, st, gw, Options{Notifier: notifier})
	engine.Load(ctx)

	require.NoError(t, engine.Send(ctx, "hi", nil))

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello world", messages[1].Content)
	assert.False(t, messages[1].Timestamp.IsZero())
	assert.False(t, engine.Streaming())
	assert.False(t, engine.Loading())

	// One write for the user message, one for the finalized reply; tokens
	// are never persisted individually.
	assert.Equal(t, 2, kv.writeCount("chats"))
	assert.Equal(t, messages, st.ChatFor(ctx, testKey))
}

func TestStopMidStreamKeepsPartialUnpersisted(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		script: []gateway.StreamEvent{
			{Kind: gateway.EventToken, Token: "par"},
			{Kind: gateway.EventToken, Token: "tial"},
		},
		hang:      true,
		delivered: make(chan struct{}),
	}
	engine, st, notifier := newTestEngine(t, gw)

	done := make(chan error, 1)
	go func() { done <- engine.Send(ctx, "hi", nil) }()

	select {
	case <-gw.delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("tokens never delivered")
	}
	engine.Stop()
	require.NoError(t, <-done)

	// Partial content stays visible but durable storage has only the user
	// message, so a reload will not show the partial.
	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "partial", messages[1].Content)

	durable := st.ChatFor(ctx, testKey)
	require.Len(t, durable, 1)
	assert.Equal(t, chat.RoleUser, durable[0].Role)

	assert.False(t, engine.Loading())
	assert.False(t, engine.Streaming())
	assert.NoError(t, engine.LastError())
	assert.Equal(t, 1, notifier.infoCount())
	assert.Zero(t, notifier.errorCount())

	// A fresh send works normally afterwards.
	gw.hang = false
	gw.script = tokens("again")
	require.NoError(t, engine.Send(ctx, "new message", nil))
	messages = engine.Messages()
	assert.Equal(t, "again", messages[len(messages)-1].Content)
}

func TestRegenerateRewind(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "A2'", model: "m"}
	engine, st, _ := newTestEngine(t, gw)

	seed := []chat.Message{
		{Role: chat.RoleUser, Content: "U1", Timestamp: time.Now()},
		{Role: chat.RoleAssistant, Content: "A1", Timestamp: time.Now()},
		{Role: chat.RoleUser, Content: "U2", Timestamp: time.Now()},
		{Role: chat.RoleAssistant, Content: "A2", Timestamp: time.Now()},
	}
	require.NoError(t, st.SetChat(ctx, testKey, seed))
	engine.Load(ctx)

	require.NoError(t, engine.Regenerate(ctx, &SendOptions{NoStreaming: true}))

	messages := engine.Messages()
	require.Len(t, messages, 4)
	assert.Equal(t, []string{"U1", "A1", "U2", "A2'"}, []string{
		messages[0].Content, messages[1].Content, messages[2].Content, messages[3].Content,
	})
	assert.Equal(t, "U2", gw.request().Message)
	// History sent to the backend is the rewound prefix.
	require.Len(t, gw.request().ConversationHistory, 2)
	assert.Equal(t, "A1", gw.request().ConversationHistory[1].Content)

	assert.Equal(t, messages, st.ChatFor(ctx, testKey))
}

func TestRegenerateAfterStopResendsUnansweredMessage(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "A2", model: "m"}
	engine, st, _ := newTestEngine(t, gw)

	seed := []chat.Message{
		{Role: chat.RoleUser, Content: "U1", Timestamp: time.Now()},
		{Role: chat.RoleAssistant, Content: "A1", Timestamp: time.Now()},
		{Role: chat.RoleUser, Content: "U2", Timestamp: time.Now()},
	}
	require.NoError(t, st.SetChat(ctx, testKey, seed))
	engine.Load(ctx)

	require.NoError(t, engine.Regenerate(ctx, &SendOptions{NoStreaming: true}))

	messages := engine.Messages()
	require.Len(t, messages, 4)
	assert.Equal(t, "U2", messages[2].Content)
	assert.Equal(t, "A2", messages[3].Content)
}

func TestRegenerateWithoutUserMessageIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	engine, _, _ := newTestEngine(t, gw)

	require.NoError(t, engine.Regenerate(context.Background(), nil))
	send, stream := gw.calls()
	assert.Zero(t, send+stream)
}

func TestContextSeededOncePrefersSaved(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "ok", model: "m"}
	engine, st, _ := newTestEngine(t, gw)

	// First load seeded the character's default prompt.
	defaultPrompt, found := chat.CharacterByID(chat.DefaultCharacters(), testKey)
	require.True(t, found)

	require.NoError(t, engine.Send(ctx, "hi", &SendOptions{NoStreaming: true}))
	assert.Equal(t, defaultPrompt.SystemPrompt, gw.request().SystemPrompt)

	// An explicit save, even an empty one, wins over the default on every
	// later load.
	require.NoError(t, engine.SaveContext(ctx, "", "remember: prefers tea"))
	engine.Load(ctx)

	require.NoError(t, engine.Send(ctx, "hi again", &SendOptions{NoStreaming: true}))
	assert.Empty(t, gw.request().SystemPrompt)
	assert.Equal(t, "remember: prefers tea", gw.request().Memory)

	saved, ok := st.ContextFor(ctx, testKey)
	require.True(t, ok)
	assert.Empty(t, saved.SystemPrompt)
}

func TestSendErrorSurfacesAndEngineRecovers(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{sendErr: &gateway.BackendError{
		Kind:    gateway.KindEngineNotRunning,
		Message: "Ollama is not running. Start it with: ollama serve",
	}}
	engine, st, notifier := newTestEngine(t, gw)

	err := engine.Send(ctx, "hi", &SendOptions{NoStreaming: true})
	require.Error(t, err)

	assert.False(t, engine.Loading())
	assert.Error(t, engine.LastError())
	assert.Equal(t, 1, notifier.errorCount())
	assert.Contains(t, notifier.errors[0], "Ollama is not running")

	// No assistant message was appended or persisted.
	require.Len(t, engine.Messages(), 1)
	require.Len(t, st.ChatFor(ctx, testKey), 1)

	// The engine remains usable.
	gw.sendErr = nil
	gw.response = "recovered"
	require.NoError(t, engine.Send(ctx, "again", &SendOptions{NoStreaming: true}))
	messages := engine.Messages()
	assert.Equal(t, "recovered", messages[len(messages)-1].Content)
	assert.NoError(t, engine.LastError())
}

func TestStreamErrorKeepsPartialUnpersisted(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{script: []gateway.StreamEvent{
		{Kind: gateway.EventToken, Token: "par"},
		{Kind: gateway.EventError, Err: errors.New("model exploded")},
	}}
	engine, st, notifier := newTestEngine(t, gw)

	err := engine.Send(ctx, "hi", nil)
	require.Error(t, err)

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "par", messages[1].Content)
	require.Len(t, st.ChatFor(ctx, testKey), 1)
	assert.Equal(t, 1, notifier.errorCount())
	assert.False(t, engine.Streaming())
}

func TestStreamErrorDiscardPolicy(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{script: []gateway.StreamEvent{
		{Kind: gateway.EventToken, Token: "par"},
		{Kind: gateway.EventError, Err: errors.New("model exploded")},
	}}
	st := store.New(store.NewMemoryKV(), nil)
	engine := NewEngine(testKey, st, gw, Options{Notifier: &fakeNotifier{}, DiscardPartialOnError: true})
	engine.Load(ctx)

	require.Error(t, engine.Send(ctx, "hi", nil))

	messages := engine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
}

func TestPerCallOverridesLeaveStoredSettingsAlone(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "ok", model: "llama3"}
	engine, st, _ := newTestEngine(t, gw)

	temp := 0.2
	maxTokens := 64
	require.NoError(t, engine.Send(ctx, "hi", &SendOptions{
		NoStreaming: true,
		Model:       "llama3",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}))

	req := gw.request()
	assert.Equal(t, "llama3", req.Model)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 64, req.MaxTokens)

	// The stored singleton is untouched.
	assert.Equal(t, chat.DefaultSettings(), st.Settings(ctx))
}

func TestHistoryWindowExcludesCurrentMessage(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "ok", model: "m"}
	engine, st, _ := newTestEngine(t, gw)

	seed := make([]chat.Message, 30)
	for i := range seed {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		seed[i] = chat.Message{Role: role, Content: fmt.Sprintf("m%d", i), Timestamp: time.Now()}
	}
	require.NoError(t, st.SetChat(ctx, testKey, seed))
	engine.Load(ctx)

	require.NoError(t, engine.Send(ctx, "current", &SendOptions{NoStreaming: true}))

	history := gw.request().ConversationHistory
	require.Len(t, history, chat.HistoryWindow)
	assert.Equal(t, "m10", history[0].Content)
	assert.Equal(t, "m29", history[len(history)-1].Content)
	for _, turn := range history {
		assert.NotEqual(t, "current", turn.Content)
	}
}

func TestStreamingBranchFollowsSettings(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{script: tokens("streamed"), response: "blocked", model: "m"}
	engine, st, _ := newTestEngine(t, gw)

	require.NoError(t, engine.Send(ctx, "one", nil))
	send, stream := gw.calls()
	assert.Equal(t, 0, send)
	assert.Equal(t, 1, stream)

	require.NoError(t, st.UpdateSettings(ctx, func(s *chat.Settings) { s.StreamingEnabled = false }))

	require.NoError(t, engine.Send(ctx, "two", nil))
	send, stream = gw.calls()
	assert.Equal(t, 1, send)
	assert.Equal(t, 1, stream)
}

func TestClearEmptiesMemoryAndStorageButKeepsContext(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{response: "ok", model: "m"}
	engine, st, notifier := newTestEngine(t, gw)

	require.NoError(t, engine.Send(ctx, "hi", &SendOptions{NoStreaming: true}))
	require.NoError(t, engine.SaveContext(ctx, "prompt", "memory"))

	require.NoError(t, engine.Clear(ctx))

	assert.Empty(t, engine.Messages())
	assert.Empty(t, st.ChatFor(ctx, testKey))
	require.Len(t, notifier.successes, 1)

	c, ok := st.ContextFor(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "prompt", c.SystemPrompt)
	assert.Equal(t, "memory", c.Memory)
}

func TestStopWithNothingInFlightIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	engine, _, notifier := newTestEngine(t, gw)

	engine.Stop()
	engine.Stop()

	assert.Zero(t, notifier.infoCount())
	assert.False(t, engine.Loading())
}
