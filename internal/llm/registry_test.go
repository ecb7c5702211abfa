package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
)

type fakeReply struct {
	resp *Response
	err  error
}

// fakeProvider replays a scripted sequence of replies; the last entry
// repeats once the script runs out.
type fakeProvider struct {
	name    string
	replies []fakeReply
	calls   int
}

func (f *fakeProvider) Generate(_ context.Context, _ *Request) (*Response, error) {
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	r := f.replies[idx]
	return r.resp, r.err
}

func (f *fakeProvider) Health(_ context.Context) bool { return true }
func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Models() []string              { return []string{"fake-model"} }

func reply(provider string) fakeReply {
	return fakeReply{resp: &Response{Content: "ok", Provider: provider}}
}

func newTestRegistry(t *testing.T, entries ...Entry) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	reg, err := NewRegistry(entries, 30*time.Second, m, logger.Default())
	require.NoError(t, err)
	return reg, m
}

func TestRegistryPrimaryServes(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{reply("primary")}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, m := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	resp, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, 0, fallback.calls)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.FallbackUsed)
}

func TestRegistryFallsBackOnSoftFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{{err: ErrUnavailable}}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, m := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	resp, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.FallbackUsed)
}

func TestRegistryBadInputAborts(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{{err: ErrBadInput}}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, _ := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	_, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrBadInput)
	assert.Equal(t, 0, fallback.calls, "bad input must not be retried on another provider")
}

func TestRegistryRateLimitOpensBreaker(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{
		{err: ErrRateLimited},
		reply("primary"),
	}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, _ := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	now := time.Now()
	reg.now = func() time.Time { return now }

	resp, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, 1, primary.calls)

	// While the circuit is open the primary is skipped without a call.
	resp, err = reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, 1, primary.calls)

	// After the cool-off the primary is back in rotation.
	now = now.Add(31 * time.Second)
	resp, err = reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, 2, primary.calls)
}

func TestRegistryLocalBudget(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{reply("primary")}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, m := newTestRegistry(t, Entry{Provider: primary, RPM: 1}, Entry{Provider: fallback})

	resp, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)

	// The single token is spent; the next request routes to the fallback
	// without touching the primary.
	resp, err = reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, 1, primary.calls)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.ProviderRateLimits["primary"])
}

func TestRegistryChainExhausted(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{{err: ErrUnavailable}}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{{err: ErrTimeout}}}
	reg, _ := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	_, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistryAllBroken(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{{err: ErrRateLimited}}}
	reg, _ := newTestRegistry(t, Entry{Provider: primary})

	now := time.Now()
	reg.now = func() time.Time { return now }

	_, err := reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.Error(t, err)

	_, err = reg.Generate(context.Background(), &Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, primary.calls)
}

func TestRegistryAccessors(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []fakeReply{reply("primary")}}
	fallback := &fakeProvider{name: "fallback", replies: []fakeReply{reply("fallback")}}
	reg, _ := newTestRegistry(t, Entry{Provider: primary}, Entry{Provider: fallback})

	assert.Equal(t, "primary", reg.Primary())
	assert.Equal(t, []string{"fallback"}, reg.Fallbacks())
	assert.Equal(t, []string{"primary", "fallback"}, reg.Names())

	healthy := reg.Healthy(context.Background())
	assert.True(t, healthy["primary"])
	assert.True(t, healthy["fallback"])
}

func TestRegistryRequiresProviders(t *testing.T) {
	_, err := NewRegistry(nil, 30*time.Second, metrics.New(), logger.Default())
	require.Error(t, err)
}
