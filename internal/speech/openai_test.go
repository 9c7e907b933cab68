// ABOUTME: Tests for the OpenAI speech adapters against an httptest fake of the API
// ABOUTME: Covers format validation, empty transcripts, provider errors and synthesis output

package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/cycle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider serves the audio endpoints of an OpenAI-compatible API.
func fakeProvider(t *testing.T, transcript string, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "audio.wav", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"provider exploded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": transcript})
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"tts down","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("voice:" + body["voice"].(string) + ":" + body["input"].(string)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func clientConfig(srv *httptest.Server) ClientConfig {
	return ClientConfig{BaseURL: srv.URL + "/v1", APIKey: "test-key"}
}

func TestTranscribe_Success(t *testing.T) {
	srv := fakeProvider(t, "  Hello from voice \n", http.StatusOK)
	tr := NewOpenAITranscriber(clientConfig(srv), "", "", testLogger())

	text, err := tr.Transcribe(context.Background(), []byte("RIFF...."), ".WAV")
	require.NoError(t, err)
	assert.Equal(t, "Hello from voice", text)
}

func TestTranscribe_UnsupportedFormat(t *testing.T) {
	tr := NewOpenAITranscriber(ClientConfig{BaseURL: "http://127.0.0.1:1"}, "", "", testLogger())

	_, err := tr.Transcribe(context.Background(), []byte("data"), "aiff")
	assert.ErrorIs(t, err, cycle.ErrUnsupportedFormat)
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	tr := NewOpenAITranscriber(ClientConfig{BaseURL: "http://127.0.0.1:1"}, "", "", testLogger())

	_, err := tr.Transcribe(context.Background(), nil, "wav")
	assert.ErrorIs(t, err, cycle.ErrTranscriptionFailed)
}

func TestTranscribe_EmptyTranscript(t *testing.T) {
	srv := fakeProvider(t, "   ", http.StatusOK)
	tr := NewOpenAITranscriber(clientConfig(srv), "", "", testLogger())

	_, err := tr.Transcribe(context.Background(), []byte("RIFF"), "wav")
	require.ErrorIs(t, err, cycle.ErrTranscriptionFailed)
	assert.Contains(t, err.Error(), "empty transcript")
}

func TestTranscribe_ProviderError(t *testing.T) {
	srv := fakeProvider(t, "", http.StatusInternalServerError)
	tr := NewOpenAITranscriber(clientConfig(srv), "", "", testLogger())

	_, err := tr.Transcribe(context.Background(), []byte("RIFF"), "wav")
	require.ErrorIs(t, err, cycle.ErrTranscriptionFailed)
	assert.Contains(t, err.Error(), "provider exploded")
}

func TestSynthesize_Success(t *testing.T) {
	srv := fakeProvider(t, "", http.StatusOK)
	syn := NewOpenAISynthesizer(clientConfig(srv), "", "", "", testLogger())

	audio, err := syn.Synthesize(context.Background(), "Hi!", "")
	require.NoError(t, err)
	assert.Equal(t, "voice:alloy:Hi!", string(audio))
	assert.Equal(t, "mp3", syn.Format())

	audio, err = syn.Synthesize(context.Background(), "Hi!", "nova")
	require.NoError(t, err)
	assert.Equal(t, "voice:nova:Hi!", string(audio))
}

func TestSynthesize_EmptyInput(t *testing.T) {
	syn := NewOpenAISynthesizer(ClientConfig{BaseURL: "http://127.0.0.1:1"}, "", "", "", testLogger())

	_, err := syn.Synthesize(context.Background(), " \t\n", "")
	assert.ErrorIs(t, err, cycle.ErrEmptyInput)
}

func TestSynthesize_ProviderError(t *testing.T) {
	srv := fakeProvider(t, "", http.StatusServiceUnavailable)
	syn := NewOpenAISynthesizer(clientConfig(srv), "", "", "", testLogger())

	_, err := syn.Synthesize(context.Background(), "Hi", "")
	assert.ErrorIs(t, err, cycle.ErrSynthesisFailed)
}

func TestFormats(t *testing.T) {
	assert.True(t, IsSupportedFormat("MP3"))
	assert.True(t, IsSupportedFormat(".webm"))
	assert.False(t, IsSupportedFormat("aiff"))
	assert.False(t, IsSupportedFormat(""))

	assert.Equal(t, "audio/mpeg", ContentType("mp3"))
	assert.Equal(t, "audio/wav", ContentType("WAV"))
	assert.Equal(t, "application/octet-stream", ContentType("xyz"))
}
