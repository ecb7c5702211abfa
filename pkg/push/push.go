// Package push defines the JSON envelopes delivered to chat clients
// over the live push channel. Frontends decode these frames; worker
// agents never see them.
package push

import (
	"encoding/json"
	"time"
)

// Envelope types.
const (
	TypeFinalResponse = "final_response"
	TypeTyping        = "typing"
	TypeStatus        = "status"
	TypeError         = "error"
)

// Envelope is the server -> client push frame.
type Envelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// FinalResponse is the data payload carrying an agent's answer.
type FinalResponse struct {
	SessionID            string   `json:"session_id"`
	Response             string   `json:"response"`
	Intent               string   `json:"intent"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions,omitempty"`
	CorrelationID        string   `json:"correlation_id"`
}

// Typing is the data payload signalling assistant activity.
type Typing struct {
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
}

// Status is the data payload for request lifecycle updates.
type Status struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorPayload is the data payload for error envelopes.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewFinalResponse creates a final_response envelope.
func NewFinalResponse(data FinalResponse) (*Envelope, error) {
	return newEnvelope(TypeFinalResponse, data.CorrelationID, data)
}

// NewTyping creates a typing envelope.
func NewTyping(sessionID string, active bool) (*Envelope, error) {
	return newEnvelope(TypeTyping, "", Typing{SessionID: sessionID, Active: active})
}

// NewStatus creates a status envelope.
func NewStatus(sessionID, state, detail string) (*Envelope, error) {
	return newEnvelope(TypeStatus, "", Status{SessionID: sessionID, State: state, Detail: detail})
}

// NewError creates an error envelope.
func NewError(sessionID, code, message string) (*Envelope, error) {
	return newEnvelope(TypeError, "", ErrorPayload{SessionID: sessionID, Code: code, Message: message})
}

func newEnvelope(envType, correlationID string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:          envType,
		Data:          raw,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseData unmarshals the envelope data into v.
func (e *Envelope) ParseData(v interface{}) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// SessionID extracts the session id common to all data payloads.
// Returns the empty string when the data carries none.
func (e *Envelope) SessionID() string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := e.ParseData(&probe); err != nil {
		return ""
	}
	return probe.SessionID
}
