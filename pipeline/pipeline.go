package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/abdelmounim-dev/voice-gateway/logging"
	"github.com/abdelmounim-dev/voice-gateway/metrics"
)

// Stage names, in execution order.
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

const DefaultMimeType = "audio/webm"

// Config bounds how long and how often each stage may run.
type Config struct {
	Timeout       time.Duration // per attempt
	MaxRetries    int
	RetryDelay    time.Duration // first back-off, doubled on every retry
	MaxRetryDelay time.Duration // back-off cap
	MimeType      string
}

func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxRetries:    2,
		RetryDelay:    time.Second,
		MaxRetryDelay: 5 * time.Second,
		MimeType:      DefaultMimeType,
	}
}

// Result is the outcome of one successful execution.
type Result struct {
	Transcript string
	Reply      string
	Audio      []byte
	Report     *LatencyReport
}

// Executor runs stt -> llm -> tts with per-stage timeout and retry. It never
// touches session state; callers persist turns from the Result.
type Executor struct {
	stt    Transcriber
	llm    ChatModel
	tts    Synthesizer
	cfg    Config
	logger *slog.Logger
}

func NewExecutor(stt Transcriber, llm ChatModel, tts Synthesizer, cfg Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.MimeType == "" {
		cfg.MimeType = def.MimeType
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{stt: stt, llm: llm, tts: tts, cfg: cfg, logger: logger}
}

// Run executes the pipeline for one utterance. history is copied, never
// modified. On failure the error is a *PipelineError naming the stage.
func (e *Executor) Run(ctx context.Context, audio []byte, history []Message, sessionID string) (*Result, error) {
	requestID := uuid.NewString()[:8]
	report := NewLatencyReport(sessionID, requestID)
	ctx = logging.WithRequestID(logging.WithSessionID(ctx, sessionID), requestID)

	e.logger.InfoContext(ctx, "pipeline started", "audio_bytes", len(audio))

	transcript, err := runStage(ctx, e, StageSTT, report, func(ctx context.Context) (string, error) {
		return e.stt.Transcribe(ctx, audio, e.cfg.MimeType)
	})
	if err != nil {
		return nil, e.fail(ctx, report, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, e.fail(ctx, report, &PipelineError{Stage: StageSTT, Err: ErrEmptyTranscript})
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: transcript})

	reply, err := runStage(ctx, e, StageLLM, report, func(ctx context.Context) (string, error) {
		return e.llm.Chat(ctx, messages)
	})
	if err != nil {
		return nil, e.fail(ctx, report, err)
	}

	speech, err := runStage(ctx, e, StageTTS, report, func(ctx context.Context) ([]byte, error) {
		return e.tts.Synthesize(ctx, reply)
	})
	if err != nil {
		return nil, e.fail(ctx, report, err)
	}

	total := report.TotalMS()
	metrics.PipelineRuns.WithLabelValues("success").Inc()
	metrics.PipelineDuration.Observe(total / 1000)
	e.logger.InfoContext(ctx, "pipeline latency report", "latency", report)
	e.logger.InfoContext(ctx, "pipeline completed", "total_ms", RoundMS(total))

	return &Result{
		Transcript: transcript,
		Reply:      reply,
		Audio:      speech,
		Report:     report,
	}, nil
}

func (e *Executor) fail(ctx context.Context, report *LatencyReport, err error) error {
	kind := "error"
	if errors.Is(err, ErrEmptyTranscript) {
		kind = "empty_transcript"
	}
	metrics.PipelineRuns.WithLabelValues(kind).Inc()

	stage, _ := FailedStage(err)
	e.logger.ErrorContext(ctx, "pipeline failed", "stage", stage, "error", err, "latency", report)
	return err
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(e.cfg.RetryDelay),
				backoff.WithRandomizationFactor(0),
				backoff.WithMultiplier(2),
				backoff.WithMaxInterval(e.cfg.MaxRetryDelay),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(e.cfg.MaxRetries),
		),
		ctx,
	)
}

// runStage invokes fn until it succeeds or the retry budget is spent. Every
// attempt is timed into report: the first under name, later ones under
// name_retryN.
func runStage[T any](ctx context.Context, e *Executor, name string, report *LatencyReport, fn func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)

	operation := func() error {
		label := name
		if attempt > 0 {
			label = fmt.Sprintf("%s_retry%d", name, attempt)
			metrics.StageRetries.WithLabelValues(name).Inc()
		}
		attempt++

		stop := report.Measure(label)
		out, err := callWithTimeout(ctx, e.cfg.Timeout, fn)
		elapsed := stop()
		metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())

		if err != nil {
			if errors.Is(err, ErrStageTimeout) {
				metrics.StageFailures.WithLabelValues(name, "timeout").Inc()
				e.logger.ErrorContext(ctx, "stage timed out", "stage", name, "attempt", attempt-1, "timeout", e.cfg.Timeout)
			} else {
				metrics.StageFailures.WithLabelValues(name, "error").Inc()
				e.logger.ErrorContext(ctx, "stage failed", "stage", name, "attempt", attempt-1, "error", err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out
		return nil
	}

	notify := func(err error, delay time.Duration) {
		e.logger.WarnContext(ctx, "retrying stage", "stage", name, "attempt", attempt, "delay", delay, "cause", err)
	}

	if err := backoff.RetryNotify(operation, e.newBackOff(ctx), notify); err != nil {
		var zero T
		return zero, &PipelineError{Stage: name, Err: err}
	}
	return result, nil
}

// callWithTimeout runs fn in its own goroutine under a deadline. When the
// deadline passes first, fn's context is cancelled and its eventual result is
// dropped.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{val: zero, err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		v, err := fn(stageCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return o.val, fmt.Errorf("%w after %s: %v", ErrStageTimeout, timeout, o.err)
		}
		return o.val, o.err
	case <-stageCtx.Done():
		select {
		case o := <-done:
			if o.err == nil {
				return o.val, nil
			}
		default:
		}
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}
}
