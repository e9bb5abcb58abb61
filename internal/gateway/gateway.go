// Package gateway is the HTTP transport to the inference backend. It hides
// wire mechanics from the session engine: health checks resolve to a
// tri-state value, blocking chat calls return kinded errors, and streaming
// chat calls are decoded into discrete token/error/done events.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"CharChat/internal/backend"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Blocking generation can be slow on local hardware; the timeout is
// deliberately generous.
const requestTimeout = 120 * time.Second

// quickTimeout bounds health and model-list calls.
const quickTimeout = 10 * time.Second

// StreamEventKind discriminates stream events.
type StreamEventKind int

const (
	// EventToken carries one incremental text fragment.
	EventToken StreamEventKind = iota
	// EventError terminates the stream with a failure.
	EventError
	// EventDone terminates the stream normally.
	EventDone
)

// StreamEvent is one decoded event from the streaming chat endpoint.
// Exactly one terminal event (error or done) is emitted per stream.
type StreamEvent struct {
	Kind  StreamEventKind
	Token string
	Err   error
}

// HealthState is the tri-state outcome of a health check.
type HealthState int

const (
	// StateHealthy means the backend and its inference engine are up.
	StateHealthy HealthState = iota
	// StateDegraded means the backend answered but reports a problem.
	StateDegraded
	// StateUnreachable means the backend could not be reached.
	StateUnreachable
)

// Health is the result of a health check. CheckHealth never fails; network
// errors resolve to StateUnreachable.
type Health struct {
	State           HealthState
	Message         string
	OllamaStatus    string
	AvailableModels []string
	Err             string
}

// Client talks to the inference backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client // blocking chat calls
	quickClient  *http.Client // health and model listing
	streamClient *http.Client // streaming calls; lifetime governed by ctx
	logger       *slog.Logger
	tracer       trace.Tracer
	meter        metric.Meter
}

// NewClient creates a gateway client for the backend at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: requestTimeout},
		quickClient:  &http.Client{Timeout: quickTimeout},
		streamClient: &http.Client{},
		logger:       logger,
		tracer:       otel.Tracer("charchat"),
		meter:        otel.Meter("charchat"),
	}
}

// CheckHealth probes the backend. It never returns an error: any failure to
// reach or parse resolves to StateUnreachable.
func (c *Client) CheckHealth(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return Health{State: StateUnreachable, Message: "Cannot connect to backend", Err: err.Error()}
	}

	resp, err := c.quickClient.Do(req)
	if err != nil {
		return Health{State: StateUnreachable, Message: "Cannot connect to backend", Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{
			State:   StateUnreachable,
			Message: "Cannot connect to backend",
			Err:     fmt.Sprintf("health endpoint returned %s", resp.Status),
		}
	}

	var payload backend.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Health{State: StateUnreachable, Message: "Cannot connect to backend", Err: err.Error()}
	}

	if payload.Status == "healthy" {
		return Health{
			State:           StateHealthy,
			Message:         "Connected to backend",
			OllamaStatus:    payload.OllamaStatus,
			AvailableModels: payload.AvailableModels,
		}
	}

	message := payload.Message
	if message == "" {
		message = "Backend is degraded"
	}
	return Health{
		State:        StateDegraded,
		Message:      message,
		OllamaStatus: payload.OllamaStatus,
		Err:          payload.Error,
	}
}

// ListModels fetches the models available on the backend.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.quickClient.Do(req)
	if err != nil {
		return nil, &BackendError{Kind: KindUnreachable, Message: "Cannot connect to backend", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{
			Kind:    KindBadResponse,
			Message: fmt.Sprintf("models endpoint returned %s", resp.Status),
		}
	}

	var payload backend.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &BackendError{Kind: KindBadResponse, Message: "failed to parse models response", Err: err}
	}
	return payload.Models, nil
}

// SendMessage issues a single blocking chat request.
func (c *Client) SendMessage(ctx context.Context, chatReq backend.ChatRequest) (*backend.ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "chat_request")
	defer span.End()

	start := time.Now()

	jsonData, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BackendError{Kind: KindUnreachable, Message: "Cannot connect to backend", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Kind: KindBadResponse, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &BackendError{
			Kind:    KindEngineNotRunning,
			Message: "Ollama is not running. Start it with: ollama serve",
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{
			Kind:    KindBadResponse,
			Message: fmt.Sprintf("API error: %s", resp.Status),
			Err:     fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	var chatResp backend.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &BackendError{Kind: KindBadResponse, Message: "failed to parse chat response", Err: err}
	}

	c.recordDuration(ctx, time.Since(start))
	c.logger.Info("chat request completed",
		"character_id", chatReq.CharacterID, "model", chatResp.ModelUsed,
		"duration_ms", time.Since(start).Milliseconds())

	return &chatResp, nil
}

// StreamMessage opens a streaming chat call and emits decoded events.
// Failures before the stream opens are returned as errors; once the stream
// is open all outcomes arrive through emit, with exactly one terminal event.
// Cancelling ctx closes the connection and returns ctx.Err() without any
// further events.
func (c *Client) StreamMessage(ctx context.Context, chatReq backend.ChatRequest, emit func(StreamEvent)) error {
	ctx, span := c.tracer.Start(ctx, "chat_stream")
	defer span.End()

	start := time.Now()

	jsonData, err := json.Marshal(chatReq)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/stream", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &BackendError{Kind: KindUnreachable, Message: "Cannot connect to backend", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return &BackendError{
			Kind:    KindEngineNotRunning,
			Message: "Ollama is not running. Start it with: ollama serve",
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &BackendError{
			Kind:    KindBadResponse,
			Message: fmt.Sprintf("API error: %s", resp.Status),
		}
	}

	tokenCounter, _ := c.meter.Int64Counter("llm.stream.tokens",
		metric.WithDescription("Tokens received over streaming chat calls"))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var payload backend.StreamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			// Malformed events are skipped, not fatal.
			c.logger.Warn("skipping malformed stream event", "error", err)
			continue
		}

		switch {
		case payload.Error != "":
			emit(StreamEvent{Kind: EventError, Err: fmt.Errorf("%s", payload.Error)})
			return nil
		case payload.Done:
			c.recordDuration(ctx, time.Since(start))
			emit(StreamEvent{Kind: EventDone})
			return nil
		case payload.Token != "":
			if tokenCounter != nil {
				tokenCounter.Add(ctx, 1)
			}
			emit(StreamEvent{Kind: EventToken, Token: payload.Token})
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Kind: EventError, Err: fmt.Errorf("stream read failed: %w", err)})
		return nil
	}

	// End of stream without an in-band done signal counts as completion.
	c.recordDuration(ctx, time.Since(start))
	emit(StreamEvent{Kind: EventDone})
	return nil
}

// recordDuration records the request-duration histogram shared by both call
// styles.
func (c *Client) recordDuration(ctx context.Context, d time.Duration) {
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(d.Milliseconds()))
	}
}
