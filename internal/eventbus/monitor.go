package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/tidwall/gjson"
)

// Monitor subscribes to both core topics and mirrors every event into slog.
// It is the default consumer wired in main; external collectors subscribe to
// the same topics independently.
type Monitor struct {
	bus *Bus
	log *slog.Logger
}

// NewMonitor creates a Monitor over the bus.
func NewMonitor(bus *Bus, log *slog.Logger) *Monitor {
	return &Monitor{bus: bus, log: log}
}

// Run consumes events until ctx is cancelled or the bus closes.
func (m *Monitor) Run(ctx context.Context) error {
	events, err := m.bus.Subscribe(ctx, TopicEvents)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicEvents, err)
	}
	alerts, err := m.bus.Subscribe(ctx, TopicAlerts)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicAlerts, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			m.observe(ctx, slog.LevelInfo, msg)
		case msg, ok := <-alerts:
			if !ok {
				return nil
			}
			m.observe(ctx, slog.LevelWarn, msg)
		}
	}
}

// observe extracts the common envelope fields without binding to any per-kind
// payload schema.
func (m *Monitor) observe(ctx context.Context, level slog.Level, msg *message.Message) {
	defer msg.Ack()

	kind := gjson.GetBytes(msg.Payload, "kind").String()
	attrs := []any{"kind", kind}

	if traceID := gjson.GetBytes(msg.Payload, "trace_id").String(); traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}
	if fields := gjson.GetBytes(msg.Payload, "fields"); fields.Exists() {
		fields.ForEach(func(key, value gjson.Result) bool {
			attrs = append(attrs, key.String(), value.Value())
			return true
		})
	}

	m.log.Log(ctx, level, "core event", attrs...)
}
