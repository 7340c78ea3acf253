package transcript

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "segment", r.FormValue("timestamp_granularities[]"))
		assert.Equal(t, "en", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "recording.webm", header.Filename)
		body, _ := io.ReadAll(file)
		assert.Equal(t, "webm-bytes", string(body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text":     " Hello there. General Kenobi!",
			"language": "english",
			"duration": 9.84,
			"segments": []map[string]any{
				{"start": 0.0, "end": 5.2, "text": " Hello there."},
				{"start": 5.2, "end": 9.84, "text": " General Kenobi!"},
			},
		})
	}))
	defer srv.Close()

	client := NewWhisperClient(WhisperOptions{BaseURL: srv.URL + "/", Model: "whisper-1", Language: "en", APIKey: "sk-test"})
	data, err := client.Transcribe(context.Background(), Audio{Filename: "recording.webm", MimeType: "audio/webm", Data: []byte("webm-bytes")})
	require.NoError(t, err)

	assert.False(t, data.IsBusy)
	assert.Equal(t, "Hello there. General Kenobi!", data.Text)
	require.Len(t, data.Chunks, 2)
	assert.Equal(t, " General Kenobi!", data.Chunks[1].Text)
	assert.Equal(t, 5.2, *data.Chunks[1].Timestamp[0])
	assert.Equal(t, 9.84, *data.Chunks[1].Timestamp[1])
	assert.Equal(t, "Hello there. General Kenobi!", ExportText(data.Chunks))
}

func TestWhisperClient_TextOnlyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "just text", "duration": 3.5}`))
	}))
	defer srv.Close()

	client := NewWhisperClient(WhisperOptions{BaseURL: srv.URL, Model: "base"})
	data, err := client.Transcribe(context.Background(), Audio{Filename: "a.wav", Data: []byte("x")})
	require.NoError(t, err)
	require.Len(t, data.Chunks, 1)
	assert.Equal(t, 3.5, *data.Chunks[0].Timestamp[1])
}

func TestWhisperClient_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "Invalid file format."}}`))
	}))
	defer srv.Close()

	client := NewWhisperClient(WhisperOptions{BaseURL: srv.URL, Model: "whisper-1"})
	_, err := client.Transcribe(context.Background(), Audio{Filename: "a.bin", Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Invalid file format.")
}

func TestWhisperClient_EmptyRecording(t *testing.T) {
	client := NewWhisperClient(WhisperOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Transcribe(context.Background(), Audio{Filename: "a.webm"})
	assert.Error(t, err)
}
