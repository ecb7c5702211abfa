package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
)

func testAgentsConfig() config.AgentsConfig {
	return config.AgentsConfig{Routes: []config.RouteConfig{
		{Intent: "general_info", RequestTopic: "general-info-requests", ResponseTopic: "general-info-responses", TaskType: "general_info_request", Timeout: 15, Placeholder: "Looking that up for you..."},
		{Intent: "appointment_booking", RequestTopic: "appointment-agent-requests", ResponseTopic: "appointment-agent-responses", TaskType: "appointment_booking", Timeout: 30, Placeholder: "Checking available slots..."},
		{Intent: "appointment_modify", RequestTopic: "appointment-agent-requests", ResponseTopic: "appointment-agent-responses", TaskType: "appointment_modify", Timeout: 30, Placeholder: "Pulling up your appointment..."},
		{Intent: "pre_admission", RequestTopic: "info-dissemination-requests", ResponseTopic: "info-dissemination-responses", TaskType: "pre_admission_info", Timeout: 25, Placeholder: "Gathering your admission information..."},
		{Intent: "post_discharge", RequestTopic: "info-dissemination-requests", ResponseTopic: "info-dissemination-responses", TaskType: "post_discharge_info", Timeout: 25, Placeholder: "Reviewing your discharge notes..."},
	}}
}

func TestRouterResolve(t *testing.T) {
	r, err := NewRouter(testAgentsConfig())
	require.NoError(t, err)

	t.Run("known intent", func(t *testing.T) {
		route := r.Resolve("appointment_booking")
		assert.Equal(t, "appointment-agent-requests", route.RequestTopic)
		assert.Equal(t, "appointment-agent-responses", route.ResponseTopic)
		assert.Equal(t, "appointment_booking", route.TaskType)
		assert.Equal(t, 30*time.Second, route.Timeout)
	})

	t.Run("task type differs from intent", func(t *testing.T) {
		route := r.Resolve("pre_admission")
		assert.Equal(t, "pre_admission_info", route.TaskType)
	})

	t.Run("unknown intent falls back", func(t *testing.T) {
		route := r.Resolve("medical_emergency")
		assert.Equal(t, "general_info", route.Intent)
		assert.Equal(t, "general-info-requests", route.RequestTopic)
	})
}

func TestRouterResponseTopics(t *testing.T) {
	r, err := NewRouter(testAgentsConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"general-info-responses",
		"appointment-agent-responses",
		"info-dissemination-responses",
	}, r.ResponseTopics())
}

func TestNewRouterValidation(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		_, err := NewRouter(config.AgentsConfig{})
		assert.Error(t, err)
	})

	t.Run("missing general_info", func(t *testing.T) {
		cfg := config.AgentsConfig{Routes: []config.RouteConfig{
			{Intent: "appointment_booking", RequestTopic: "a", ResponseTopic: "b", TaskType: "c", Timeout: 30},
		}}
		_, err := NewRouter(cfg)
		assert.Error(t, err)
	})

	t.Run("duplicate intent", func(t *testing.T) {
		cfg := testAgentsConfig()
		cfg.Routes = append(cfg.Routes, cfg.Routes[0])
		_, err := NewRouter(cfg)
		assert.Error(t, err)
	})

	t.Run("missing topic", func(t *testing.T) {
		cfg := testAgentsConfig()
		cfg.Routes[0].ResponseTopic = ""
		_, err := NewRouter(cfg)
		assert.Error(t, err)
	})

	t.Run("bad timeout", func(t *testing.T) {
		cfg := testAgentsConfig()
		cfg.Routes[2].Timeout = 0
		_, err := NewRouter(cfg)
		assert.Error(t, err)
	})
}
