// Package dispatch moves task traffic between the engine and the bus:
// the Dispatcher publishes task requests, the Consumer pulls task
// responses through a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/agents"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

// Dispatcher publishes task requests to agent request topics.
type Dispatcher struct {
	bus     bus.Bus
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewDispatcher creates a dispatcher on the given bus.
func NewDispatcher(b bus.Bus, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	return &Dispatcher{bus: b, metrics: m, logger: log}
}

// Dispatch encodes the task request and publishes it on the route's
// request topic, keyed by session id so partition-aware brokers keep
// one session's tasks in order. The caller owns the correlation id; it
// is already written into the session's provisional message when this
// runs.
func (d *Dispatcher) Dispatch(ctx context.Context, route agents.Route, correlationID string, payload agentmsg.Payload) error {
	req := agentmsg.NewTaskRequest(correlationID, route.TaskType, payload)
	data, err := req.Encode()
	if err != nil {
		d.metrics.DispatchFailure()
		return fmt.Errorf("encode task request: %w", err)
	}

	if err := d.bus.Publish(ctx, route.RequestTopic, payload.SessionID, data); err != nil {
		d.metrics.DispatchFailure()
		d.logger.Error("task dispatch failed",
			zap.String("correlation_id", correlationID),
			zap.String("topic", route.RequestTopic),
			zap.String("task_type", route.TaskType),
			zap.Error(err))
		return err
	}

	d.logger.Info("task dispatched",
		zap.String("correlation_id", correlationID),
		zap.String("topic", route.RequestTopic),
		zap.String("task_type", route.TaskType),
		zap.String("session_id", payload.SessionID))
	return nil
}
