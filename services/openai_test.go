package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/voice-gateway/logging"
	"github.com/abdelmounim-dev/voice-gateway/pipeline"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeAPI(t *testing.T) (*httptest.Server, *chatRequest) {
	t.Helper()
	var lastChat chatRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "audio.wav", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"  hello there  "}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastChat))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Hi! How can I help?"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastChat
}

func newTestProvider(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	cfg := DefaultOpenAIConfig()
	cfg.APIKey = "sk-test"
	cfg.BaseURL = baseURL
	p, err := NewOpenAIProvider(cfg, logging.Discard())
	require.NoError(t, err)
	return p
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(DefaultOpenAIConfig(), nil)
	assert.Error(t, err)
}

func TestAudioFilename(t *testing.T) {
	assert.Equal(t, "audio.webm", AudioFilename("audio/webm"))
	assert.Equal(t, "audio.wav", AudioFilename("audio/x-wav"))
	assert.Equal(t, "audio.mp3", AudioFilename("audio/mpeg"))
	assert.Equal(t, "audio.webm", AudioFilename("application/octet-stream"))
}

func TestOpenAIProvider_Transcribe(t *testing.T) {
	srv, _ := newFakeAPI(t)
	p := newTestProvider(t, srv.URL+"/v1/")

	text, err := p.Transcribe(testContext(t), []byte("RIFF...."), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestOpenAIProvider_Chat(t *testing.T) {
	srv, lastChat := newFakeAPI(t)
	p := newTestProvider(t, srv.URL+"/v1/")

	reply, err := p.Chat(testContext(t), []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "hi"},
		{Role: pipeline.RoleAssistant, Content: "hello"},
		{Role: pipeline.RoleUser, Content: "what's up"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", reply)

	assert.Equal(t, "gpt-4o-mini", lastChat.Model)
	require.Len(t, lastChat.Messages, 4)
	assert.Equal(t, "system", lastChat.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, lastChat.Messages[0].Content)
	assert.Equal(t, "user", lastChat.Messages[1].Role)
	assert.Equal(t, "assistant", lastChat.Messages[2].Role)
	assert.Equal(t, "what's up", lastChat.Messages[3].Content)
}

func TestOpenAIProvider_Synthesize(t *testing.T) {
	srv, _ := newFakeAPI(t)
	p := newTestProvider(t, srv.URL+"/v1/")

	audio, err := p.Synthesize(testContext(t), "Hi!")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), audio)
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()
	p := newTestProvider(t, srv.URL+"/v1/")

	_, err := p.Chat(testContext(t), []pipeline.Message{{Role: pipeline.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai chat")
}

func TestBuildChatMessages_NoSystemPrompt(t *testing.T) {
	msgs := buildChatMessages("", []pipeline.Message{{Role: pipeline.RoleUser, Content: "x"}})
	assert.Len(t, msgs, 1)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
