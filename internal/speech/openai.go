// ABOUTME: OpenAI-compatible speech adapters built on sashabaranov/go-openai
// ABOUTME: Whisper transcription and TTS synthesis against a configurable base URL

package speech

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/parley-gateway/internal/cycle"
)

// Defaults for the OpenAI speech endpoints
const (
	DefaultTranscriptionModel = openai.Whisper1
	DefaultSpeechModel        = string(openai.TTSModel1)
	DefaultVoice              = string(openai.VoiceAlloy)
	DefaultSpeechFormat       = string(openai.SpeechResponseFormatMp3)
)

// ClientConfig locates an OpenAI-compatible API
type ClientConfig struct {
	BaseURL string
	APIKey  string
}

func newClient(cfg ClientConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(oc)
}

// OpenAITranscriber implements Transcriber with the audio transcription endpoint.
type OpenAITranscriber struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

// NewOpenAITranscriber creates a transcriber. Empty model uses whisper-1.
func NewOpenAITranscriber(cfg ClientConfig, model, language string, logger *slog.Logger) *OpenAITranscriber {
	if model == "" {
		model = DefaultTranscriptionModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAITranscriber{
		client:   newClient(cfg),
		model:    model,
		language: language,
		logger:   logger.With("component", "transcriber"),
	}
}

// Transcribe sends audio to the provider and returns the trimmed transcript.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	format = NormalizeFormat(format)
	if !IsSupportedFormat(format) {
		return "", cycle.Errorf(cycle.KindUnsupportedFormat, cycle.StageTranscribing, "unsupported audio format %q", format)
	}
	if len(audio) == 0 {
		return "", cycle.New(cycle.KindTranscriptionFailed, cycle.StageTranscribing, "empty audio")
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "audio." + format,
		Reader:   bytes.NewReader(audio),
		Language: t.language,
	})
	if err != nil {
		t.logger.Warn("transcription failed", "format", format, "bytes", len(audio), "error", err)
		return "", cycle.Wrap(cycle.KindTranscriptionFailed, cycle.StageTranscribing, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", cycle.New(cycle.KindTranscriptionFailed, cycle.StageTranscribing, "empty transcript")
	}

	t.logger.Debug("transcribed audio", "format", format, "bytes", len(audio), "chars", len(text))
	return text, nil
}

// OpenAISynthesizer implements Synthesizer with the text-to-speech endpoint.
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
	format string
	logger *slog.Logger
}

// NewOpenAISynthesizer creates a synthesizer. Empty values fall back to tts-1, alloy and mp3.
func NewOpenAISynthesizer(cfg ClientConfig, model, voice, format string, logger *slog.Logger) *OpenAISynthesizer {
	if model == "" {
		model = DefaultSpeechModel
	}
	if voice == "" {
		voice = DefaultVoice
	}
	if format == "" {
		format = DefaultSpeechFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAISynthesizer{
		client: newClient(cfg),
		model:  model,
		voice:  voice,
		format: NormalizeFormat(format),
		logger: logger.With("component", "synthesizer"),
	}
}

// Format returns the configured output encoding.
func (s *OpenAISynthesizer) Format() string {
	return s.format
}

// Synthesize renders text to audio.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voiceProfile string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, cycle.New(cycle.KindEmptyInput, cycle.StageSynthesizing, "nothing to synthesize")
	}
	voice := voiceProfile
	if voice == "" {
		voice = s.voice
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(s.format),
	})
	if err != nil {
		s.logger.Warn("synthesis failed", "voice", voice, "error", err)
		return nil, cycle.Wrap(cycle.KindSynthesisFailed, cycle.StageSynthesizing, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, cycle.Wrap(cycle.KindSynthesisFailed, cycle.StageSynthesizing, err)
	}
	if len(audio) == 0 {
		return nil, cycle.New(cycle.KindSynthesisFailed, cycle.StageSynthesizing, "provider returned no audio")
	}

	s.logger.Debug("synthesized speech", "voice", voice, "format", s.format, "bytes", len(audio))
	return audio, nil
}

var (
	_ Transcriber = (*OpenAITranscriber)(nil)
	_ Synthesizer = (*OpenAISynthesizer)(nil)
)
