// Package agentmsg defines the task envelopes exchanged with worker
// agents over the message bus. Worker agents import this package (or
// mirror its JSON shape) to consume task requests and produce task
// responses.
package agentmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope message types.
const (
	TypeTaskRequest  = "task_request"
	TypeTaskResponse = "task_response"
)

// Task response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorCodeAgentTimeout marks responses synthesized by the orchestrator
// when an agent misses its deadline. Agents set their own codes for
// failures they report themselves.
const ErrorCodeAgentTimeout = "AGENT_TIMEOUT"

// ErrBadEnvelope is returned for envelopes missing required fields.
// Consumers log and drop such messages; they never crash on them.
var ErrBadEnvelope = errors.New("malformed task envelope")

// UserContext carries request context captured at the API edge.
type UserContext struct {
	Language   string `json:"language,omitempty"`
	UserType   string `json:"user_type,omitempty"`
	Department string `json:"department,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// HistoryEntry is one trimmed conversation turn shipped to an agent.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the task request body.
type Payload struct {
	Message             string         `json:"message"`
	SessionID           string         `json:"session_id"`
	UserContext         UserContext    `json:"user_context"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	CorrelationID       string         `json:"correlation_id"`
}

// TaskRequest is the orchestrator -> agent envelope.
type TaskRequest struct {
	MessageType   string  `json:"message_type"`
	CorrelationID string  `json:"correlation_id"`
	TaskType      string  `json:"task_type"`
	Payload       Payload `json:"payload"`
	Timestamp     Time    `json:"timestamp"`
}

// Result is the agent's answer.
type Result struct {
	Response             string   `json:"response"`
	Sources              []string `json:"sources,omitempty"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions,omitempty"`
	SessionID            string   `json:"session_id"`
}

// TaskResponse is the agent -> orchestrator envelope.
type TaskResponse struct {
	MessageType   string `json:"message_type"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Result        Result `json:"result"`
	ErrorCode     string `json:"error_code,omitempty"`
	Timestamp     Time   `json:"timestamp"`
}

// NewTaskRequest builds a task request envelope stamped now.
func NewTaskRequest(correlationID, taskType string, payload Payload) *TaskRequest {
	payload.CorrelationID = correlationID
	return &TaskRequest{
		MessageType:   TypeTaskRequest,
		CorrelationID: correlationID,
		TaskType:      taskType,
		Payload:       payload,
		Timestamp:     Now(),
	}
}

// NewTaskResponse builds a task response envelope stamped now.
func NewTaskResponse(correlationID, status string, result Result) *TaskResponse {
	return &TaskResponse{
		MessageType:   TypeTaskResponse,
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     Now(),
	}
}

// Encode serializes the request for the bus.
func (r *TaskRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Encode serializes the response for the bus.
func (r *TaskResponse) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeTaskRequest parses and validates a request envelope.
func DecodeTaskRequest(data []byte) (*TaskRequest, error) {
	var req TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if req.MessageType != TypeTaskRequest {
		return nil, fmt.Errorf("%w: message_type %q", ErrBadEnvelope, req.MessageType)
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrBadEnvelope)
	}
	if req.TaskType == "" {
		return nil, fmt.Errorf("%w: missing task_type", ErrBadEnvelope)
	}
	return &req, nil
}

// DecodeTaskResponse parses and validates a response envelope.
func DecodeTaskResponse(data []byte) (*TaskResponse, error) {
	var resp TaskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if resp.MessageType != TypeTaskResponse {
		return nil, fmt.Errorf("%w: message_type %q", ErrBadEnvelope, resp.MessageType)
	}
	if resp.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrBadEnvelope)
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		return nil, fmt.Errorf("%w: status %q", ErrBadEnvelope, resp.Status)
	}
	return &resp, nil
}

// Time wraps time.Time with wire-friendly JSON: it marshals as UTC with
// millisecond precision and accepts timestamps without a zone suffix,
// which some agent runtimes emit (treated as UTC).
type Time struct {
	time.Time
}

const wireLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current wire time.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(wireLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	// Zone-less ISO 8601, e.g. Python's datetime.isoformat()
	parsed, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return fmt.Errorf("unsupported timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}
