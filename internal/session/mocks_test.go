package session

import (
	"context"
	"sync"

	"CharChat/internal/backend"
	"CharChat/internal/gateway"
	"CharChat/internal/store"
)

// fakeGateway scripts blocking responses and stream event sequences.
type fakeGateway struct {
	mu          sync.Mutex
	sendCalls   int
	streamCalls int
	lastReq     backend.ChatRequest

	// Blocking path
	response string
	model    string
	sendErr  error

	// Streaming path
	script    []gateway.StreamEvent
	openErr   error
	hang      bool          // block after emitting the script until ctx cancels
	delivered chan struct{} // closed once the script has been emitted
}

func (g *fakeGateway) SendMessage(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error) {
	g.mu.Lock()
	g.sendCalls++
	g.lastReq = req
	hang := g.hang
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	return &backend.ChatResponse{Response: g.response, ModelUsed: g.model}, nil
}

func (g *fakeGateway) StreamMessage(ctx context.Context, req backend.ChatRequest, emit func(gateway.StreamEvent)) error {
	g.mu.Lock()
	g.streamCalls++
	g.lastReq = req
	openErr := g.openErr
	script := g.script
	hang := g.hang
	delivered := g.delivered
	g.delivered = nil
	g.mu.Unlock()

	if openErr != nil {
		return openErr
	}
	for _, ev := range script {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(ev)
	}
	if delivered != nil {
		close(delivered)
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (g *fakeGateway) calls() (send, stream int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendCalls, g.streamCalls
}

func (g *fakeGateway) request() backend.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReq
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	infos     []string
	errors    []string
}

func (n *fakeNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *fakeNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msg)
}

func (n *fakeNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *fakeNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

func (n *fakeNotifier) infoCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.infos)
}

// countingKV counts writes per key so tests can assert write amplification.
type countingKV struct {
	store.KV
	mu     sync.Mutex
	writes map[string]int
}

func newCountingKV() *countingKV {
	return &countingKV{KV: store.NewMemoryKV(), writes: map[string]int{}}
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.writes[key]++
	c.mu.Unlock()
	return c.KV.Set(ctx, key, value)
}

func (c *countingKV) writeCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[key]
}

func tokens(parts ...string) []gateway.StreamEvent {
	events := make([]gateway.StreamEvent, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, gateway.StreamEvent{Kind: gateway.EventToken, Token: p})
	}
	return append(events, gateway.StreamEvent{Kind: gateway.EventDone})
}
