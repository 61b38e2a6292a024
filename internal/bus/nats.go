package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATS headers. The payload travels as the raw message body so non-Go
// consumers of the decision topics can read it without an envelope.
const (
	headerMessageID  = "Nats-Msg-Id"
	headerTimestamp  = "Kestrel-Timestamp"
	headerMetaPrefix = "Kestrel-Meta-"
)

// NATSBus implements EventBus using NATS.
// Used as the multi-node event bus.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[*nats.Subscription]struct{}
	queueGroup    string
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// NewNATSBus connects to NATS. The initial connection is retried up to
// NATSMaxReconnects times; later disconnects are handled by the client.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := natsOptions(cfg)

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, opts...); err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(time.Duration(cfg.NATSReconnectWait) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"queue_group", cfg.NATSQueueGroup,
	)
	return NewNATSBusWithConn(conn, cfg.NATSQueueGroup), nil
}

// NewNATSBusWithConn wraps an existing connection.
func NewNATSBusWithConn(conn *nats.Conn, queueGroup string) *NATSBus {
	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[*nats.Subscription]struct{}),
		queueGroup:    queueGroup,
	}
}

// Publish sends payload as the message body; id, timestamp and metadata
// travel as headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.PublishMsg(encodeNATS(newMessage(ctx, topic, payload))); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. With a queue group configured,
// each message is delivered to one subscriber in the group.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := decodeNATS(m)
		if err := handler(handlerContext(ctx, msg), msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"trace_id", msg.Metadata[MetadataTraceID],
				"error", err,
			)
		}
	}

	var natsSub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		natsSub, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subscriptions[natsSub] = struct{}{}
	b.mu.Unlock()

	return &natsSubscription{bus: b, topic: topic, sub: natsSub}, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subscriptions)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}

func encodeNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

func decodeNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k, vals := range m.Header {
		if len(vals) == 0 {
			continue
		}
		switch {
		case k == headerMessageID:
			msg.ID = vals[0]
		case k == headerTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(vals[0], 10, 64)
		case strings.HasPrefix(k, headerMetaPrefix):
			msg.Metadata[strings.TrimPrefix(k, headerMetaPrefix)] = vals[0]
		}
	}
	return msg
}
