package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

// keyHeader carries the ordering key on NATS messages. NATS has no
// partitions, so the key travels as metadata for brokers and tooling
// that understand it.
const keyHeader = "Nats-Msg-Key"

// NATSBus implements Bus on a NATS connection with automatic
// reconnection.
type NATSBus struct {
	conn         *nats.Conn
	flushTimeout time.Duration
	logger       *logger.Logger
}

// NewNATSBus connects to the configured NATS server. The connection
// reconnects forever by default and logs every state change.
func NewNATSBus(cfg config.BusConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS error", fields...)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{
		conn:         conn,
		flushTimeout: cfg.FlushTimeoutDuration(),
		logger:       log,
	}, nil
}

// Publish sends the message and flushes the connection so the handoff
// is confirmed before returning. A flush overrun is reported as
// ErrDispatchTimeout so callers can surface it as a dispatch failure
// rather than waiting on an agent that never saw the task.
func (b *NATSBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    data,
		Header:  nats.Header{},
	}
	if key != "" {
		msg.Header.Set(keyHeader, key)
	}

	if err := b.conn.PublishMsg(msg); err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("topic", topic),
			zap.Error(err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	timeout := b.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := b.conn.FlushTimeout(timeout); err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %v", ErrDispatchTimeout, topic, timeout)
		}
		return fmt.Errorf("flush %s: %w", topic, err)
	}

	b.logger.Debug("Published message",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, b.msgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe implements Bus.
func (b *NATSBus) QueueSubscribe(topic, group string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, group, b.msgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("Queue subscribed to topic",
		zap.String("topic", topic),
		zap.String("group", group))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) msgHandler(topic string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := handler(context.Background(), topic, msg.Data); err != nil {
			b.logger.Error("Message handler failed",
				zap.String("topic", msg.Subject),
				zap.Error(err))
		}
	}
}

// Connected implements Bus.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains pending messages before closing the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS connection closed")
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
