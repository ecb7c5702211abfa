package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAggregatesCounters(t *testing.T) {
	m := New()

	m.MessageProcessed(0.120)
	m.MessageProcessed(0.250)
	m.IntentClassified("appointment_booking")
	m.IntentClassified("appointment_booking")
	m.IntentClassified("general_info")
	m.ErrorOccurred("AGENT_TIMEOUT")
	m.ProviderTimeout("anthropic")
	m.FallbackUsed()
	m.PushDropped()
	m.DuplicateResponse()
	m.ProtocolError()
	m.AgentTimeout()
	m.DispatchFailure()

	snap, err := m.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), snap.TotalMessages)
	assert.Equal(t, uint64(2), snap.Intents["appointment_booking"])
	assert.Equal(t, uint64(1), snap.Intents["general_info"])
	assert.Equal(t, uint64(1), snap.Errors["AGENT_TIMEOUT"])
	assert.Equal(t, uint64(1), snap.ProviderTimeouts["anthropic"])
	assert.Equal(t, uint64(1), snap.FallbackUsed)
	assert.Equal(t, uint64(1), snap.PushDropped)
	assert.Equal(t, uint64(1), snap.DuplicateResponses)
	assert.Equal(t, uint64(1), snap.ProtocolErrors)
	assert.Equal(t, uint64(1), snap.AgentTimeouts)
	assert.Equal(t, uint64(1), snap.DispatchFailures)

	// Both observations fall between the recorded bounds
	assert.GreaterOrEqual(t, snap.ResponseTimeMS.P95, snap.ResponseTimeMS.P50)
	assert.Greater(t, snap.ResponseTimeMS.P50, 0.0)
}

func TestSnapshotOnEmptyRegistry(t *testing.T) {
	m := New()

	snap, err := m.Snapshot()
	require.NoError(t, err)

	assert.Zero(t, snap.TotalMessages)
	assert.Empty(t, snap.Intents)
	// No observations yet: quantiles stay at their zero value
	assert.Zero(t, snap.ResponseTimeMS.P50)
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	assert.NotNil(t, m.Handler())
}
