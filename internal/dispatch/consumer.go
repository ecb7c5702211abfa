package dispatch

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 256
)

// ResponseHandler consumes one decoded task response.
type ResponseHandler func(ctx context.Context, resp *agentmsg.TaskResponse)

// Consumer subscribes the orchestrator's consumer group to every agent
// response topic and feeds decoded responses to a bounded worker pool.
// The pool is sharded by session id so responses for one session are
// handled in arrival order. When a shard's queue is full, the bus
// handler blocks, which pauses intake instead of growing memory without
// bound.
type Consumer struct {
	bus     bus.Bus
	group   string
	topics  []string
	handler ResponseHandler
	workers int

	queues   []chan *agentmsg.TaskResponse
	subs     []bus.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewConsumer builds a consumer for the given response topics. Worker
// and queue sizes come from configuration, falling back to the package
// defaults. QueueSize bounds the pool as a whole; each worker's shard
// gets an even share of it.
func NewConsumer(b bus.Bus, cfg config.BusConfig, topics []string, handler ResponseHandler, m *metrics.Metrics, log *logger.Logger) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	shardCap := queueSize / workers
	if shardCap < 1 {
		shardCap = 1
	}

	queues := make([]chan *agentmsg.TaskResponse, workers)
	for i := range queues {
		queues[i] = make(chan *agentmsg.TaskResponse, shardCap)
	}

	return &Consumer{
		bus:     b,
		group:   cfg.Group,
		topics:  topics,
		handler: handler,
		workers: workers,
		queues:  queues,
		stop:    make(chan struct{}),
		metrics: m,
		logger:  log,
	}
}

// Start subscribes all topics and launches the worker pool.
func (c *Consumer) Start() error {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	for _, topic := range c.topics {
		sub, err := c.bus.QueueSubscribe(topic, c.group, c.consume)
		if err != nil {
			c.Stop()
			return err
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info("response consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group", c.group),
		zap.Int("workers", c.workers))
	return nil
}

// Stop unsubscribes and waits for in-flight handlers to finish. Queued
// but unprocessed responses are dropped; the provisional messages they
// would have completed are closed out by the correlation sweeper.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		for _, sub := range c.subs {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Warn("unsubscribe failed", zap.Error(err))
			}
		}
		c.subs = nil

		close(c.stop)
		c.wg.Wait()
		c.logger.Info("response consumer stopped")
	})
}

// consume is the bus handler: decode, validate, enqueue.
func (c *Consumer) consume(_ context.Context, topic string, data []byte) error {
	resp, err := agentmsg.DecodeTaskResponse(data)
	if err != nil {
		c.metrics.ProtocolError()
		c.logger.Warn("dropping malformed task response",
			zap.String("topic", topic),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return nil
	}

	c.logger.Debug("task response received",
		zap.String("topic", topic),
		zap.String("correlation_id", resp.CorrelationID),
		zap.String("status", resp.Status))

	select {
	case c.queues[c.shard(resp)] <- resp:
		return nil
	case <-c.stop:
		return nil
	}
}

// shard routes all responses of one session to the same worker so that
// per-session handling preserves arrival order.
func (c *Consumer) shard(resp *agentmsg.TaskResponse) int {
	key := resp.Result.SessionID
	if key == "" {
		key = resp.CorrelationID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(c.workers))
}

func (c *Consumer) worker(i int) {
	defer c.wg.Done()
	for {
		select {
		case resp := <-c.queues[i]:
			c.handler(context.Background(), resp)
		case <-c.stop:
			return
		}
	}
}
