package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics. Events are informational, alerts demand operator attention.
const (
	TopicEvents = "core.events"
	TopicAlerts = "core.alerts"
)

// Event kinds published by the core.
const (
	KindSlowRequest      = "slow_request"
	KindHandlerPanic     = "handler_panic"
	KindSaveFailed       = "save_failed"
	KindBreakerChange    = "breaker_change"
	KindSessionKicked    = "session_kicked"
	KindSystemOverloaded = "system_overloaded"
	KindActorEvicted     = "actor_evicted"
)

// Event is the envelope carried by every bus message. Fields vary per kind;
// consumers must not assume a fixed shape beyond kind/at/trace_id.
type Event struct {
	Kind    string         `json:"kind"`
	At      time.Time      `json:"at"`
	TraceID string         `json:"trace_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Bus is the in-process pub/sub seam between the core and whatever consumes
// its operational events. Cluster fan-out, metrics export and alert routing
// subscribe here; the core never calls them directly.
//
// All publish helpers are safe on a nil *Bus and drop the event.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates an in-process bus. Messages published with no subscriber are
// dropped, matching fire-and-forget observability semantics.
func New(log *slog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(log),
		),
	}
}

// Subscribe returns a channel of messages for the topic. The channel closes
// when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down; pending deliveries are dropped.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.pubsub.Close()
}

func (b *Bus) publish(topic string, ev Event) {
	if b == nil {
		return
	}
	ev.At = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ev.TraceID != "" {
		msg.Metadata.Set("trace_id", ev.TraceID)
	}

	if err := b.pubsub.Publish(topic, msg); err != nil {
		slog.Debug("event publish failed", "topic", topic, "kind", ev.Kind, "error", err)
	}
}

// SlowRequest reports a handler that exceeded its slow threshold.
func (b *Bus) SlowRequest(key, handler string, elapsed time.Duration, traceID string) {
	b.publish(TopicEvents, Event{
		Kind:    KindSlowRequest,
		TraceID: traceID,
		Fields: map[string]any{
			"key":        key,
			"handler":    handler,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

// HandlerPanic reports a recovered panic in a handler or actor callback.
func (b *Bus) HandlerPanic(key, handler string, recovered any, traceID string) {
	b.publish(TopicAlerts, Event{
		Kind:    KindHandlerPanic,
		TraceID: traceID,
		Fields: map[string]any{
			"key":     key,
			"handler": handler,
			"panic":   stringify(recovered),
		},
	})
}

// SaveFailed reports a failed state save; the entity stays dirty and the save
// will be retried on the next flush tick.
func (b *Bus) SaveFailed(kind string, id int64, err error) {
	b.publish(TopicAlerts, Event{
		Kind: KindSaveFailed,
		Fields: map[string]any{
			"actor_kind": kind,
			"actor_id":   id,
			"error":      err.Error(),
		},
	})
}

// BreakerChange reports a storage circuit breaker state transition.
func (b *Bus) BreakerChange(name, from, to string) {
	b.publish(TopicAlerts, Event{
		Kind: KindBreakerChange,
		Fields: map[string]any{
			"breaker": name,
			"from":    from,
			"to":      to,
		},
	})
}

// SessionKicked reports a forced session removal (displacement or admin kick).
func (b *Bus) SessionKicked(sessionID uint64, roleID int64, reason string) {
	b.publish(TopicEvents, Event{
		Kind: KindSessionKicked,
		Fields: map[string]any{
			"session_id": sessionID,
			"role_id":    roleID,
			"reason":     reason,
		},
	})
}

// SystemOverloaded reports a rejected admission (session cap or actor cap).
func (b *Bus) SystemOverloaded(resource string, limit int) {
	b.publish(TopicAlerts, Event{
		Kind: KindSystemOverloaded,
		Fields: map[string]any{
			"resource": resource,
			"limit":    limit,
		},
	})
}

// ActorEvicted reports an idle or pressure eviction.
func (b *Bus) ActorEvicted(kind string, id int64, reason string, idleFor time.Duration) {
	b.publish(TopicEvents, Event{
		Kind: KindActorEvicted,
		Fields: map[string]any{
			"actor_kind": kind,
			"actor_id":   id,
			"reason":     reason,
			"idle_ms":    idleFor.Milliseconds(),
		},
	})
}

func stringify(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "unserializable panic value"
	}
	return string(b)
}
