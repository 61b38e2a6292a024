package domain

import "context"

// EventBus moves queued submissions to the worker and fans decisions out
// to downstream consumers. Delivery is at most once.
type EventBus interface {
	// Publish sends payload to every subscriber of topic, or to one member
	// of a queue group.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for each message on topic until the returned
	// subscription or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message. A returned error is
// logged; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around a published payload. Metadata carries
// cross-cutting values such as the publisher's trace id.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type" validate:"omitempty,oneof=channel nats"`

	// Channel settings
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize" validate:"gte=0"`

	// NATS settings
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl" validate:"required_if=Type nats"`
	NATSToken         string `json:"natsToken" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances subscribers across nodes; empty means fan-out
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"natsQueueGroup"`
}

// Standard topic names for the evaluation pipeline.
const (
	TopicSubmissionReceived = "kestrel.submission.received"
	TopicDecision           = "kestrel.decision"
	TopicDecisionFlagged    = "kestrel.decision.flagged"
)
