package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

// MemoryBus is an in-process Bus for tests and single-node development.
// Topics are exact strings, no wildcard matching.
//
// Handlers run synchronously in publish order, which mirrors the serial
// per-subscription delivery of the real transport and keeps per-session
// ordering intact. All bus locks are released before a handler runs, so
// handlers may publish again.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	queues map[string]*queueGroup
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	topic   string
	group   string
	handler Handler

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish implements Bus. The key is accepted for interface parity but
// carries no meaning in-process.
func (b *MemoryBus) Publish(_ context.Context, topic, key string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}

	var targets []*memorySubscription
	deliveredGroups := make(map[string]bool)
	for _, sub := range b.subs[topic] {
		if !sub.isActive() {
			continue
		}

		if sub.group != "" {
			groupKey := sub.group + ":" + topic
			if deliveredGroups[groupKey] {
				continue
			}
			deliveredGroups[groupKey] = true
			if member := b.pickMember(groupKey); member != nil {
				targets = append(targets, member)
			}
			continue
		}

		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		payload := make([]byte, len(data))
		copy(payload, data)
		if err := sub.handler(context.Background(), topic, payload); err != nil {
			b.logger.Error("Message handler failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published message",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// pickMember advances the round-robin cursor to the next active group
// member. Called with b.mu held; only qg.mu is taken here.
func (b *MemoryBus) pickMember(groupKey string) *memorySubscription {
	qg, ok := b.queues[groupKey]
	if !ok {
		return nil
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		member := qg.members[idx]
		if member.isActive() {
			qg.next = (idx + 1) % len(qg.members)
			return member
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	return b.subscribe(topic, "", handler)
}

// QueueSubscribe implements Bus. Each message on the topic reaches one
// group member, rotated round-robin.
func (b *MemoryBus) QueueSubscribe(topic, group string, handler Handler) (Subscription, error) {
	return b.subscribe(topic, group, handler)
}

func (b *MemoryBus) subscribe(topic, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		group:   group,
		handler: handler,
		active:  true,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	if group != "" {
		groupKey := group + ":" + topic
		qg, ok := b.queues[groupKey]
		if !ok {
			qg = &queueGroup{}
			b.queues[groupKey] = qg
		}
		qg.members = append(qg.members, sub)
	}

	b.logger.Debug("Subscribed to topic",
		zap.String("topic", topic),
		zap.String("group", group))
	return sub, nil
}

// Connected implements Bus.
func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close implements Bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
	b.logger.Info("Memory bus closed")
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Unsubscribe removes the subscription from its topic and group.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if s.group != "" {
		groupKey := s.group + ":" + s.topic
		if qg, ok := s.bus.queues[groupKey]; ok {
			qg.mu.Lock()
			for i, member := range qg.members {
				if member == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}
