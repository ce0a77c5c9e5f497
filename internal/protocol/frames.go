package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates messages on an analyzer connection.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameProgress FrameType = "progress"
	FrameResult   FrameType = "result"
	FrameError    FrameType = "error"
	FrameOverload FrameType = "overload"
)

// Frame is the wire envelope. Payload holds the type-specific body; decoding
// is deferred so a dispatcher can route on Type alone.
type Frame struct {
	Type      FrameType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request asks an analyzer replica to run one analysis.
type Request struct {
	TaskID    string            `json:"task_id"`
	Kind      string            `json:"kind"`
	Model     string            `json:"model"`
	AppNum    int               `json:"app_num"`
	Tools     []string          `json:"tools,omitempty"`
	TargetURL string            `json:"target_url,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Progress reports interim state while an analysis runs.
type Progress struct {
	Stage   string  `json:"stage"`
	Tool    string  `json:"tool,omitempty"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Result carries the analyzer's full response payload: one entry per tool
// plus whatever reserved metadata keys the replica adds. The orchestrator's
// normaliser takes it from here.
type Result struct {
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status"`
	Payload  map[string]any `json:"payload"`
	Duration float64        `json:"duration_seconds"`
}

// ErrorFrame reports a failed analysis. Transient failures are retried on
// another endpoint; permanent ones fail the task.
type ErrorFrame struct {
	TaskID    string `json:"task_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// Overload tells the caller the replica's queue is full. The scheduler treats
// it like a transient error and tries another endpoint.
type Overload struct {
	QueueDepth int `json:"queue_depth"`
	QueueLimit int `json:"queue_limit"`
}

// Error codes used in ErrorFrame.Code.
const (
	CodeToolFailure    = "tool_failure"
	CodeTargetDown     = "target_down"
	CodeTimeout        = "timeout"
	CodeCancelled      = "cancelled"
	CodeInternal       = "internal"
	CodeQueueFull      = "queue_full"
	CodeUnknownKind    = "unknown_kind"
	CodeInvalidRequest = "invalid_request"
)

// New wraps a typed body into a Frame.
func New(frameType FrameType, taskID string, body any) (Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{
		Type:      frameType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// DecodePayload unmarshals the frame body into dst and validates the frame
// type matches what the caller expects.
func (f Frame) DecodePayload(want FrameType, dst any) error {
	if f.Type != want {
		return fmt.Errorf("frame type %q, expected %q", f.Type, want)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Validate rejects malformed envelopes before routing.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameRequest, FrameProgress, FrameResult, FrameError, FrameOverload:
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.Type == FrameRequest && len(f.Payload) == 0 {
		return fmt.Errorf("request frame without payload")
	}
	return nil
}

// Validate checks the request names a runnable analysis.
func (r Request) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("request missing task_id")
	}
	if r.Kind == "" {
		return fmt.Errorf("request missing kind")
	}
	if r.Model == "" || r.AppNum <= 0 {
		return fmt.Errorf("request missing target application")
	}
	return nil
}
