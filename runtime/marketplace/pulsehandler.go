package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/ccos/pkg/value"
)

// PulseClient opens named Pulse streams. It narrows goa.design/pulse's
// streaming.Client to the publish-call/await-result shape a
// PulseSessionHandler needs, the same layering
// runtime/toolregistry/executor puts in front of its Redis connection.
type PulseClient interface {
	Stream(name string) (PulseStream, error)
}

// PulseStream is the publish/subscribe handle for one Pulse stream.
type PulseStream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (PulseSink, error)
}

// PulseSink is a consumer-group handle reading events off a PulseStream,
// mirroring runtime/toolregistry/executor's per-call result sink lifecycle:
// Subscribe, Ack every event read, Close when done.
type PulseSink interface {
	Subscribe() <-chan *streaming.Event
	Ack(ctx context.Context, ev *streaming.Event) error
	Close(ctx context.Context)
}

// NewPulseClient adapts a live Redis connection into a PulseClient backed by
// real goa.design/pulse streams.
func NewPulseClient(redis *goredis.Client) PulseClient {
	return &pulseClientAdapter{redis: redis}
}

type pulseClientAdapter struct{ redis *goredis.Client }

func (c *pulseClientAdapter) Stream(name string) (PulseStream, error) {
	s, err := streaming.NewStream(name, c.redis)
	if err != nil {
		return nil, fmt.Errorf("marketplace: open pulse stream %q: %w", name, err)
	}
	return &pulseStreamAdapter{stream: s}, nil
}

type pulseStreamAdapter struct{ stream *streaming.Stream }

func (s *pulseStreamAdapter) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func (s *pulseStreamAdapter) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (PulseSink, error) {
	sink, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &pulseSinkAdapter{sink: sink}, nil
}

type pulseSinkAdapter struct{ sink *streaming.Sink }

func (s *pulseSinkAdapter) Subscribe() <-chan *streaming.Event { return s.sink.Subscribe() }
func (s *pulseSinkAdapter) Ack(ctx context.Context, ev *streaming.Event) error {
	return s.sink.Ack(ctx, ev)
}
func (s *pulseSinkAdapter) Close(ctx context.Context) { s.sink.Close(ctx) }

// PulseSessionHandler is a Handler for MCP/A2A providers that deliver
// results asynchronously over a Pulse stream instead of a synchronous RPC
// reply. Execute publishes the call to the server's request stream and
// blocks on a fresh per-call result stream until the matching event
// arrives, directly grounded on runtime/toolregistry/executor's
// publish-call/await-result loop.
type PulseSessionHandler struct {
	client    PulseClient
	serverKey string
	sinkName  string

	mu     sync.Mutex
	opened bool
}

// NewPulseSessionHandler constructs a Handler that dispatches capability
// calls onto serverKey's Pulse request stream and awaits the reply on a
// dedicated per-call result stream.
func NewPulseSessionHandler(client PulseClient, serverKey string) *PulseSessionHandler {
	return &PulseSessionHandler{client: client, serverKey: serverKey, sinkName: "marketplace"}
}

var (
	_ Handler          = (*PulseSessionHandler)(nil)
	_ SessionLifecycle = (*PulseSessionHandler)(nil)
)

func pulseRequestStreamID(serverKey string) string {
	return fmt.Sprintf("marketplace:%s:requests", serverKey)
}

func pulseResultStreamID(serverKey, callID string) string {
	return fmt.Sprintf("marketplace:%s:result:%s", serverKey, callID)
}

// Open marks the session usable. The underlying Pulse client owns the real
// connection lifecycle; Open/Close here only gate SessionPool's
// idempotent-reconnect bookkeeping.
func (h *PulseSessionHandler) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = true
	return nil
}

// Close marks the session unusable, causing the next SessionPool.Get to
// reopen it.
func (h *PulseSessionHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = false
	return nil
}

// Healthy reports whether Open has run without a matching Close.
func (h *PulseSessionHandler) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened
}

// Execute publishes manifest's call as a JSON envelope onto the server's
// Pulse request stream, then awaits the matching result event on a fresh
// per-call result stream, acking every event it reads (per
// runtime/toolregistry/executor's rule that a consumer group must never
// stall on an unrelated or malformed event) and decoding the first match as
// a pkg/value.Value.
func (h *PulseSessionHandler) Execute(ctx context.Context, manifest CapabilityManifest, args []value.Value, metadata value.Value) (value.Value, error) {
	callID := uuid.New().String()

	reqStream, err := h.client.Stream(pulseRequestStreamID(h.serverKey))
	if err != nil {
		return value.Nil, fmt.Errorf("marketplace: open pulse request stream: %w", err)
	}
	payload, err := encodePulseCall(callID, manifest.ID, args, metadata)
	if err != nil {
		return value.Nil, err
	}
	if _, err := reqStream.Add(ctx, "call", payload); err != nil {
		return value.Nil, fmt.Errorf("marketplace: publish pulse call: %w", err)
	}

	resStream, err := h.client.Stream(pulseResultStreamID(h.serverKey, callID))
	if err != nil {
		return value.Nil, fmt.Errorf("marketplace: open pulse result stream: %w", err)
	}
	sink, err := resStream.NewSink(ctx, h.sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return value.Nil, fmt.Errorf("marketplace: create pulse result sink: %w", err)
	}
	defer sink.Close(ctx)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return value.Nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return value.Nil, fmt.Errorf("marketplace: pulse result stream closed for call %s", callID)
			}
			if ackErr := sink.Ack(ctx, ev); ackErr != nil {
				return value.Nil, fmt.Errorf("marketplace: ack pulse result event: %w", ackErr)
			}
			if ev.EventName != "result" {
				continue
			}
			return decodePulseResult(ev.Payload)
		}
	}
}

type pulseCallEnvelope struct {
	CallID       string `json:"call_id"`
	CapabilityID string `json:"capability_id"`
	Args         string `json:"args"`
	Metadata     string `json:"metadata"`
}

func encodePulseCall(callID, capabilityID string, args []value.Value, metadata value.Value) ([]byte, error) {
	argsJSON, err := value.ToJSON(value.Vector(args))
	if err != nil {
		return nil, fmt.Errorf("marketplace: encode pulse call args: %w", err)
	}
	metaJSON, err := value.ToJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("marketplace: encode pulse call metadata: %w", err)
	}
	raw, err := json.Marshal(pulseCallEnvelope{
		CallID:       callID,
		CapabilityID: capabilityID,
		Args:         argsJSON,
		Metadata:     metaJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("marketplace: marshal pulse call envelope: %w", err)
	}
	return raw, nil
}

type pulseResultEnvelope struct {
	Value string `json:"value,omitempty"`
	Err   string `json:"err,omitempty"`
}

func decodePulseResult(payload []byte) (value.Value, error) {
	var env pulseResultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return value.Nil, fmt.Errorf("marketplace: decode pulse result envelope: %w", err)
	}
	if env.Err != "" {
		return value.Nil, errors.New(env.Err)
	}
	return value.FromJSON(env.Value)
}
