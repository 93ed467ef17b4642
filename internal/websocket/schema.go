package websocket

import (
	"encoding/json"

	"github.com/stemsi/kubelab-exams/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing   Action = "ping"
	ActionTime   Action = "time"
	ActionSubmit Action = "submit"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SubmitRequest finishes the session and grades it, like the REST submit.
type SubmitRequest struct {
	Action    Action                     `json:"action"`
	SessionID string                     `json:"sessionId"`
	Answers   map[string]json.RawMessage `json:"answers"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventTime   Event = "time"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

// TimeResponse is pushed on every tick and in reply to ActionTime.
type TimeResponse struct {
	Event         Event  `json:"event"`
	SessionID     string `json:"sessionId"`
	TimeRemaining int    `json:"timeRemaining"`
}

type GradedResponse struct {
	Event  Event             `json:"event"`
	Result *model.ExamResult `json:"result"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
