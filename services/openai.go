package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/abdelmounim-dev/voice-gateway/pipeline"
)

const DefaultSystemPrompt = "You are a helpful voice-based customer support assistant. " +
	"Keep answers concise and clear. They will be read aloud."

// OpenAIConfig configures the speech-to-text, chat and speech clients.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	ChatModel    string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	STTModel string
	Language string

	TTSModel       string
	Voice          string
	ResponseFormat string
}

func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		ChatModel:      "gpt-4o-mini",
		SystemPrompt:   DefaultSystemPrompt,
		MaxTokens:      300,
		Temperature:    0.7,
		STTModel:       "whisper-1",
		Language:       "en",
		TTSModel:       "tts-1",
		Voice:          "alloy",
		ResponseFormat: "mp3",
	}
}

var audioExtensions = map[string]string{
	"audio/webm":  "webm",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/mp4":   "mp4",
	"audio/mpeg":  "mp3",
	"audio/ogg":   "ogg",
}

// AudioFilename maps a MIME type to the upload filename the transcription
// endpoint expects. Unknown types fall back to webm.
func AudioFilename(mimeType string) string {
	ext, ok := audioExtensions[mimeType]
	if !ok {
		ext = "webm"
	}
	return "audio." + ext
}

// OpenAIProvider implements pipeline.Transcriber, pipeline.ChatModel and
// pipeline.Synthesizer against an OpenAI-compatible API. Client-level
// retries are disabled because the pipeline retries each stage itself.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

var (
	_ pipeline.Transcriber = (*OpenAIProvider)(nil)
	_ pipeline.ChatModel   = (*OpenAIProvider)(nil)
	_ pipeline.Synthesizer = (*OpenAIProvider)(nil)
)

func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "services.openai")),
	}, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	filename := AudioFilename(mimeType)
	p.logger.DebugContext(ctx, "sending audio to transcription", "bytes", len(audio), "filename", filename)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, mimeType),
		Model: openai.AudioModel(p.cfg.STTModel),
	}
	if p.cfg.Language != "" {
		params.Language = openai.String(p.cfg.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	transcript := strings.TrimSpace(resp.Text)
	p.logger.DebugContext(ctx, "transcript received", "length", len(transcript))
	return transcript, nil
}

// Chat prepends the configured system prompt to messages and returns the
// first choice's content.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []pipeline.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    p.cfg.ChatModel,
		Messages: buildChatMessages(p.cfg.SystemPrompt, messages),
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	params.Temperature = openai.Float(p.cfg.Temperature)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices returned")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	p.logger.DebugContext(ctx, "chat reply received",
		"length", len(reply),
		"usage_prompt", resp.Usage.PromptTokens,
		"usage_completion", resp.Usage.CompletionTokens,
	)
	return reply, nil
}

func buildChatMessages(systemPrompt string, messages []pipeline.Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		params = append(params, openai.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case pipeline.RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case pipeline.RoleUser:
			params = append(params, openai.UserMessage(m.Content))
		case pipeline.RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		}
	}
	return params
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(p.cfg.TTSModel),
		Voice:          openai.AudioSpeechNewParamsVoice(p.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(p.cfg.ResponseFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai speech: read body: %w", err)
	}
	p.logger.DebugContext(ctx, "speech received", "bytes", len(audio))
	return audio, nil
}
