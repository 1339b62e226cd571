package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/voice-gateway/logging"
)

type fakeStages struct {
	sttCalls atomic.Int32
	llmCalls atomic.Int32
	ttsCalls atomic.Int32

	transcript string
	reply      string
	audio      []byte

	sttErrs int32 // fail this many stt calls before succeeding
	llmErrs int32
	ttsErrs int32

	sttBlock bool
	gotMime  atomic.Value
	gotChat  atomic.Value
}

func newFakeStages() *fakeStages {
	return &fakeStages{
		transcript: "test input",
		reply:      "test reply",
		audio:      []byte("audio_data"),
	}
}

func (f *fakeStages) executor(cfg Config) *Executor {
	stt := TranscriberFunc(func(ctx context.Context, audio []byte, mimeType string) (string, error) {
		n := f.sttCalls.Add(1)
		f.gotMime.Store(mimeType)
		if f.sttBlock {
			<-ctx.Done()
			return "", ctx.Err()
		}
		if n <= f.sttErrs {
			return "", errors.New("stt provider unavailable")
		}
		return f.transcript, nil
	})
	llm := ChatModelFunc(func(ctx context.Context, messages []Message) (string, error) {
		n := f.llmCalls.Add(1)
		f.gotChat.Store(append([]Message(nil), messages...))
		if n <= f.llmErrs {
			return "", errors.New("llm provider unavailable")
		}
		return f.reply, nil
	})
	tts := SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) {
		n := f.ttsCalls.Add(1)
		if n <= f.ttsErrs {
			return nil, errors.New("tts provider unavailable")
		}
		return f.audio, nil
	})
	return NewExecutor(stt, llm, tts, cfg, logging.Discard())
}

func testConfig() Config {
	return Config{
		Timeout:       time.Second,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	}
}

func TestRun_Success(t *testing.T) {
	f := newFakeStages()
	res, err := f.executor(testConfig()).Run(context.Background(), []byte("raw_audio"), nil, "test-session")
	require.NoError(t, err)

	assert.Equal(t, "test input", res.Transcript)
	assert.Equal(t, "test reply", res.Reply)
	assert.Equal(t, []byte("audio_data"), res.Audio)
	assert.Equal(t, DefaultMimeType, f.gotMime.Load())

	require.NotNil(t, res.Report)
	assert.Equal(t, "test-session", res.Report.SessionID)
	assert.Len(t, res.Report.RequestID, 8)
	assert.Equal(t, []string{StageSTT, StageLLM, StageTTS}, res.Report.Names())
	for stage, ms := range res.Report.Stages() {
		assert.Greater(t, ms, 0.0, "stage %s", stage)
	}
	assert.Greater(t, res.Report.TotalMS(), 0.0)
}

func TestRun_PassesHistoryToLLM(t *testing.T) {
	f := newFakeStages()
	f.transcript = "follow-up question"

	history := make([]Message, 2, 8)
	history[0] = Message{Role: RoleUser, Content: "first question"}
	history[1] = Message{Role: RoleAssistant, Content: "first answer"}

	_, err := f.executor(testConfig()).Run(context.Background(), []byte("audio"), history, "sess")
	require.NoError(t, err)

	got := f.gotChat.Load().([]Message)
	require.Len(t, got, 3)
	assert.Equal(t, "first question", got[0].Content)
	assert.Equal(t, "first answer", got[1].Content)
	assert.Equal(t, Message{Role: RoleUser, Content: "follow-up question"}, got[2])

	assert.Len(t, history, 2)
	assert.Equal(t, Message{}, history[:3][2], "caller's backing array must not be written")
}

func TestRun_EmptyTranscriptFailsWithoutRetry(t *testing.T) {
	f := newFakeStages()
	f.transcript = "   "
	cfg := testConfig()
	cfg.MaxRetries = 3

	res, err := f.executor(cfg).Run(context.Background(), []byte("audio"), nil, "sess")
	require.Error(t, err)
	assert.Nil(t, res)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StageSTT, stage)
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	assert.EqualValues(t, 1, f.sttCalls.Load())
	assert.Zero(t, f.llmCalls.Load())
	assert.Zero(t, f.ttsCalls.Load())
}

func TestRun_TransientFailuresThenSuccess(t *testing.T) {
	testCases := []struct {
		name       string
		maxRetries int
		failures   int32
	}{
		{name: "one failure", maxRetries: 2, failures: 1},
		{name: "exhausts all but last", maxRetries: 3, failures: 3},
		{name: "no failures", maxRetries: 2, failures: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStages()
			f.llmErrs = tc.failures
			cfg := testConfig()
			cfg.MaxRetries = tc.maxRetries

			res, err := f.executor(cfg).Run(context.Background(), []byte("audio"), nil, "sess")
			require.NoError(t, err)

			assert.EqualValues(t, tc.failures+1, f.llmCalls.Load())
			assert.EqualValues(t, 1, f.sttCalls.Load(), "completed stages are not re-run")
			assert.EqualValues(t, 1, f.ttsCalls.Load())

			stages := res.Report.Stages()
			assert.Contains(t, stages, StageLLM)
			for i := 1; i <= int(tc.failures); i++ {
				assert.Contains(t, stages, fmt.Sprintf("llm_retry%d", i))
			}
		})
	}
}

func TestRun_StageAlwaysFails(t *testing.T) {
	f := newFakeStages()
	f.llmErrs = 100
	cfg := testConfig()
	cfg.MaxRetries = 2

	_, err := f.executor(cfg).Run(context.Background(), []byte("audio"), nil, "sess")
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageLLM, perr.Stage)
	assert.EqualError(t, perr.Err, "llm provider unavailable")

	assert.EqualValues(t, 3, f.llmCalls.Load())
	assert.Zero(t, f.ttsCalls.Load())
}

func TestRun_StageTimeout(t *testing.T) {
	f := newFakeStages()
	f.sttBlock = true
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1

	_, err := f.executor(cfg).Run(context.Background(), []byte("audio"), nil, "sess")
	require.Error(t, err)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StageSTT, stage)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.EqualValues(t, 2, f.sttCalls.Load())
	assert.Zero(t, f.llmCalls.Load())
}

func TestRun_TimeoutEnforcedWhenCapabilityIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stt := TranscriberFunc(func(ctx context.Context, audio []byte, mimeType string) (string, error) {
		<-release
		return "too late", nil
	})
	llm := ChatModelFunc(func(ctx context.Context, messages []Message) (string, error) { return "x", nil })
	tts := SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) { return []byte("x"), nil })

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 0

	start := time.Now()
	_, err := NewExecutor(stt, llm, tts, cfg, logging.Discard()).Run(context.Background(), []byte("a"), nil, "sess")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_BackOffGrowsAndIsCapped(t *testing.T) {
	f := newFakeStages()
	f.ttsErrs = 3
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.MaxRetryDelay = 30 * time.Millisecond

	start := time.Now()
	_, err := f.executor(cfg).Run(context.Background(), []byte("audio"), nil, "sess")
	require.NoError(t, err)

	// 20ms + 30ms (capped from 40) + 30ms (capped from 80)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	assert.EqualValues(t, 4, f.ttsCalls.Load())
}

func TestRun_ParentCancellationStopsRetries(t *testing.T) {
	f := newFakeStages()
	f.sttErrs = 100
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.RetryDelay = 50 * time.Millisecond
	cfg.MaxRetryDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := f.executor(cfg).Run(ctx, []byte("audio"), nil, "sess")
	require.Error(t, err)

	stage, _ := FailedStage(err)
	assert.Equal(t, StageSTT, stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, f.sttCalls.Load(), int32(6))
}

func TestNewExecutor_Defaults(t *testing.T) {
	e := NewExecutor(nil, nil, nil, Config{MaxRetries: -1, RetryDelay: time.Second}, nil)
	assert.Equal(t, 30*time.Second, e.cfg.Timeout)
	assert.Equal(t, 0, e.cfg.MaxRetries)
	assert.Equal(t, time.Second, e.cfg.MaxRetryDelay)
	assert.Equal(t, DefaultMimeType, e.cfg.MimeType)
}
