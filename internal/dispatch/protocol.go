// SPDX-License-Identifier: MIT

package dispatch

import "encoding/json"

// FrameType enumerates the encoder wire protocol messages. Frames are JSON
// objects over a persistent WebSocket; receivers ignore unknown fields and a
// reconnect always starts with a fresh HELLO.
type FrameType string

const (
	// encoder -> server
	FrameHello     FrameType = "HELLO"
	FrameAccept    FrameType = "ACCEPT"
	FrameReject    FrameType = "REJECT"
	FrameProgress  FrameType = "PROGRESS"
	FrameCompleted FrameType = "COMPLETED"
	FrameFailed    FrameType = "FAILED"
	FrameHeartbeat FrameType = "HEARTBEAT"

	// server -> encoder
	FrameOffer  FrameType = "OFFER"
	FrameCancel FrameType = "CANCEL"
	FramePing   FrameType = "PING"
)

// Frame is the envelope shared by both directions.
type Frame struct {
	Type      FrameType       `json:"type"`
	EncoderID string          `json:"encoderId,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload identifies a worker and declares its capacity.
type HelloPayload struct {
	MaxConcurrent int      `json:"maxConcurrent"`
	CurrentJobs   int      `json:"currentJobs,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// RejectPayload carries the refusal reason for an offer.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// ProgressPayload streams encode progress.
type ProgressPayload struct {
	Pct        float64 `json:"pct"`
	ETASeconds int     `json:"etaSeconds,omitempty"`
}

// CompletedPayload reports a finished job with its output metrics.
type CompletedPayload struct {
	OutputPath       string  `json:"outputPath"`
	Size             int64   `json:"size"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	DurationMs       int64   `json:"durationMs,omitempty"`
}

// FailedPayload reports a failed job.
type FailedPayload struct {
	Error string `json:"error"`
}

// OfferPayload assigns a job to a worker. Paths are already translated into
// the worker's view via its path mapping.
type OfferPayload struct {
	InputPath  string         `json:"inputPath"`
	OutputPath string         `json:"outputPath"`
	Config     map[string]any `json:"config,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
