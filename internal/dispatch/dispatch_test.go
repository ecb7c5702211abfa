package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/agents"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

var testRoute = agents.Route{
	Intent:        "general_info",
	RequestTopic:  "general-info-requests",
	ResponseTopic: "general-info-responses",
	TaskType:      "general_info_request",
	Timeout:       15 * time.Second,
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{Group: "orchestrator", Workers: 2, QueueSize: 8}
}

func TestDispatchPublishesTaskRequest(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := metrics.New()

	var got *agentmsg.TaskRequest
	_, err := b.Subscribe("general-info-requests", func(_ context.Context, _ string, data []byte) error {
		req, err := agentmsg.DecodeTaskRequest(data)
		require.NoError(t, err)
		got = req
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(b, m, logger.Default())
	payload := agentmsg.Payload{
		Message:   "what are your visiting hours?",
		SessionID: "s1",
		ConversationHistory: []agentmsg.HistoryEntry{
			{Role: "user", Content: "hi"},
		},
	}
	require.NoError(t, d.Dispatch(context.Background(), testRoute, "c1", payload))

	require.NotNil(t, got)
	assert.Equal(t, agentmsg.TypeTaskRequest, got.MessageType)
	assert.Equal(t, "c1", got.CorrelationID)
	assert.Equal(t, "general_info_request", got.TaskType)
	assert.Equal(t, "c1", got.Payload.CorrelationID)
	assert.Equal(t, "s1", got.Payload.SessionID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestDispatchFailureCounts(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	b.Close()
	m := metrics.New()

	d := NewDispatcher(b, m, logger.Default())
	err := d.Dispatch(context.Background(), testRoute, "c1", agentmsg.Payload{SessionID: "s1"})
	require.Error(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.DispatchFailures)
}

func TestConsumerRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := metrics.New()

	// Fake agent: answers every task request on the response topic.
	_, err := b.Subscribe("general-info-requests", func(ctx context.Context, _ string, data []byte) error {
		req, err := agentmsg.DecodeTaskRequest(data)
		if err != nil {
			return err
		}
		resp := agentmsg.NewTaskResponse(req.CorrelationID, agentmsg.StatusSuccess, agentmsg.Result{
			Response:  "Visiting hours are 9 to 5.",
			SessionID: req.Payload.SessionID,
		})
		out, err := resp.Encode()
		if err != nil {
			return err
		}
		return b.Publish(ctx, "general-info-responses", req.Payload.SessionID, out)
	})
	require.NoError(t, err)

	handled := make(chan *agentmsg.TaskResponse, 1)
	c := NewConsumer(b, testBusConfig(), []string{"general-info-responses"}, func(_ context.Context, resp *agentmsg.TaskResponse) {
		handled <- resp
	}, m, logger.Default())
	require.NoError(t, c.Start())
	defer c.Stop()

	d := NewDispatcher(b, m, logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), testRoute, "c42", agentmsg.Payload{
		Message:   "what are your visiting hours?",
		SessionID: "s1",
	}))

	select {
	case resp := <-handled:
		assert.Equal(t, "c42", resp.CorrelationID)
		assert.Equal(t, agentmsg.StatusSuccess, resp.Status)
		assert.Equal(t, "Visiting hours are 9 to 5.", resp.Result.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("no response consumed")
	}
}

func TestConsumerDropsMalformed(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := metrics.New()

	handled := 0
	c := NewConsumer(b, testBusConfig(), []string{"general-info-responses"}, func(_ context.Context, _ *agentmsg.TaskResponse) {
		handled++
	}, m, logger.Default())
	require.NoError(t, c.Start())
	defer c.Stop()

	require.NoError(t, b.Publish(context.Background(), "general-info-responses", "", []byte("not json")))
	require.NoError(t, b.Publish(context.Background(), "general-info-responses", "", []byte(`{"message_type":"task_response"}`)))

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.ProtocolErrors)
	assert.Equal(t, 0, handled)
}

func TestConsumerPerSessionOrdering(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := metrics.New()

	cfg := testBusConfig()
	cfg.Workers = 4
	cfg.QueueSize = 64

	const n = 10
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	c := NewConsumer(b, cfg, []string{"general-info-responses"}, func(_ context.Context, resp *agentmsg.TaskResponse) {
		mu.Lock()
		order = append(order, resp.CorrelationID)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	}, m, logger.Default())
	require.NoError(t, c.Start())
	defer c.Stop()

	var want []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		want = append(want, id)
		resp := agentmsg.NewTaskResponse(id, agentmsg.StatusSuccess, agentmsg.Result{SessionID: "s1"})
		data, err := resp.Encode()
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), "general-info-responses", "s1", data))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("responses never handled")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestConsumerBackpressure(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := metrics.New()

	cfg := testBusConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	started := make(chan struct{}, 4)
	gate := make(chan struct{})
	handled := make(chan string, 4)
	c := NewConsumer(b, cfg, []string{"general-info-responses"}, func(_ context.Context, resp *agentmsg.TaskResponse) {
		started <- struct{}{}
		<-gate
		handled <- resp.CorrelationID
	}, m, logger.Default())
	require.NoError(t, c.Start())
	defer c.Stop()

	publish := func(id string) error {
		resp := agentmsg.NewTaskResponse(id, agentmsg.StatusSuccess, agentmsg.Result{SessionID: "s1"})
		data, err := resp.Encode()
		require.NoError(t, err)
		return b.Publish(context.Background(), "general-info-responses", "s1", data)
	}

	// First response occupies the single worker.
	require.NoError(t, publish("c1"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}

	// Second fills the queue; the third must block in the bus handler.
	require.NoError(t, publish("c2"))
	third := make(chan error, 1)
	go func() { third <- publish("c3") }()

	select {
	case <-third:
		t.Fatal("publish should block while the pool queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-third:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked publish never completed")
	}

	for _, want := range []string{"c1", "c2", "c3"} {
		select {
		case got := <-handled:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("response %s never handled", want)
		}
	}
}
