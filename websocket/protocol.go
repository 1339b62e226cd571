package websocket

import (
	"fmt"

	"github.com/abdelmounim-dev/voice-gateway/pipeline"
)

// Status values of server-to-client text frames.
const (
	StatusProcessing = "processing"
	StatusError      = "error"
	StatusDone       = "done"
	StatusResetOK    = "reset_ok"
)

// CommandReset clears the conversation history.
const CommandReset = "reset"

// Messages shown to the peer. Internal causes are never included.
const (
	MsgRateLimited       = "Rate limit exceeded. Please wait before sending more audio."
	MsgServerBusy        = "Server is busy. Please try again shortly."
	MsgUtteranceTooLarge = "Utterance too large."
	MsgNotAllowed        = "Not allowed."
	MsgInternalError     = "Internal server error"
)

// StageFailedMessage is the peer-facing text for a pipeline failure.
func StageFailedMessage(stage string) string {
	return fmt.Sprintf("Processing failed at stage '%s'. Please try again.", stage)
}

// StatusFrame carries processing, error and reset_ok notifications.
type StatusFrame struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DoneFrame follows the synthesized audio of a successful utterance.
type DoneFrame struct {
	Status     string                  `json:"status"`
	Transcript string                  `json:"transcript"`
	Latency    *pipeline.LatencyReport `json:"latency"`
	TotalMS    float64                 `json:"total_ms"`
}

// ControlCommand is a client text frame.
type ControlCommand struct {
	Cmd string `json:"cmd"`
}

func errorFrame(msg string) StatusFrame {
	return StatusFrame{Status: StatusError, Message: msg}
}
