package pipeline

import "context"

// Message roles understood by chat models.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of the conversation handed to a ChatModel.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcriber turns recorded audio into text. An empty result is valid and
// means the audio contained no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// ChatModel produces the assistant reply for an ordered conversation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Synthesizer renders text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, audio []byte, mimeType string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f(ctx, audio, mimeType)
}

// ChatModelFunc adapts a function to the ChatModel interface.
type ChatModelFunc func(ctx context.Context, messages []Message) (string, error)

func (f ChatModelFunc) Chat(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}
