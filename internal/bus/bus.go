// Package bus carries submissions and decisions between the API and the
// async worker, in process over channels or across nodes over NATS.
package bus

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MetadataTraceID is the message metadata key holding the publisher's
// trace id.
const MetadataTraceID = "trace_id"

type traceIDKey struct{}

// WithTraceID returns a context whose published messages carry traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace id attached with WithTraceID. Handlers receive
// the trace id of the message they are processing.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// New creates an event bus based on configuration.
// "channel" returns an in-process ChannelBus; "nats" returns a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if id := TraceID(ctx); id != "" {
		msg.Metadata[MetadataTraceID] = id
	}
	return msg
}

// handlerContext scopes ctx to one delivered message.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	return WithTraceID(ctx, msg.Metadata[MetadataTraceID])
}

// copyMessage gives each subscriber its own metadata map.
func copyMessage(msg *domain.Message) *domain.Message {
	cp := *msg
	cp.Metadata = maps.Clone(msg.Metadata)
	return &cp
}
