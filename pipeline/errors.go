package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTranscript is returned when speech-to-text produced no text.
	// It is never retried.
	ErrEmptyTranscript = errors.New("empty transcript: audio may be silent or unclear")

	// ErrStageTimeout marks a stage attempt that missed its deadline.
	ErrStageTimeout = errors.New("stage timed out")
)

// PipelineError is returned by Executor.Run when a stage cannot recover.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at stage '%s': %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// FailedStage reports the stage name carried by err, if it is a PipelineError.
func FailedStage(err error) (string, bool) {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Stage, true
	}
	return "", false
}
