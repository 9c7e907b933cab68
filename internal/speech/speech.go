// ABOUTME: Transcriber and Synthesizer contracts for converting between audio and text
// ABOUTME: Failures are reported as *cycle.Error with the transcribing or synthesizing stage

package speech

import (
	"context"
	"slices"
	"strings"
)

// Transcriber converts an audio payload to text.
type Transcriber interface {
	// Transcribe returns the recognized text of audio encoded as format.
	// Unknown formats fail with UnsupportedFormat; empty audio, provider errors
	// and empty transcripts fail with TranscriptionFailed.
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Synthesizer converts text to audio in a fixed output format.
type Synthesizer interface {
	// Synthesize renders text with the given voice profile; an empty profile uses the default.
	// Blank text fails with EmptyInput, provider errors with SynthesisFailed.
	Synthesize(ctx context.Context, text, voiceProfile string) ([]byte, error)
	// Format is the encoding of the audio Synthesize returns, e.g. "mp3".
	Format() string
}

// SupportedFormats lists the audio encodings accepted for transcription.
var SupportedFormats = []string{"flac", "m4a", "mp3", "mp4", "mpeg", "mpga", "oga", "ogg", "wav", "webm"}

// NormalizeFormat lowercases a format name and strips a leading dot.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// IsSupportedFormat reports whether format names a transcribable encoding.
func IsSupportedFormat(format string) bool {
	return slices.Contains(SupportedFormats, NormalizeFormat(format))
}

// ContentType returns the MIME type used when serving audio of the given format.
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "mp3", "mpeg", "mpga":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "ogg", "oga", "opus":
		return "audio/ogg"
	case "webm":
		return "audio/webm"
	case "m4a", "mp4":
		return "audio/mp4"
	case "aac":
		return "audio/aac"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
