package transcript

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/audiolibrelab/audiotrans/internal/metrics"
)

const transcriptionsPath = "/v1/audio/transcriptions"

// Audio is a recording handed to a transcriber.
type Audio struct {
	Filename string
	MimeType string
	Data     []byte
}

// Transcriber turns a recording into timestamped chunks.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (*Data, error)
}

// WhisperOptions configures a WhisperClient.
type WhisperOptions struct {
	BaseURL  string
	Model    string
	Language string
	APIKey   string
	Timeout  time.Duration
}

// WhisperClient calls an OpenAI-compatible transcription endpoint
// (faster-whisper-server, whisper.cpp server, the OpenAI API) and asks for
// segment timestamps.
type WhisperClient struct {
	opts   WhisperOptions
	client *resty.Client
}

func NewWhisperClient(opts WhisperOptions) *WhisperClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &WhisperClient{opts: opts, client: client}
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (w *WhisperClient) Transcribe(ctx context.Context, audio Audio) (*Data, error) {
	if len(audio.Data) == 0 {
		return nil, fmt.Errorf("recording is empty")
	}

	form := map[string]string{
		"model":                     w.opts.Model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if w.opts.Language != "" {
		form["language"] = w.opts.Language
	}

	start := time.Now()
	var result verboseResponse
	var apiErr errorResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetFileReader("file", audio.Filename, bytes.NewReader(audio.Data)).
		SetResult(&result).
		SetError(&apiErr).
		Post(transcriptionsPath)
	metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TranscriptionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	if resp.IsError() {
		metrics.TranscriptionsTotal.WithLabelValues("error").Inc()
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, fmt.Errorf("transcription service returned %d: %s", resp.StatusCode(), msg)
	}
	metrics.TranscriptionsTotal.WithLabelValues("ok").Inc()

	data := &Data{Text: strings.TrimSpace(result.Text)}
	for _, seg := range result.Segments {
		data.Chunks = append(data.Chunks, NewChunk(seg.Text, seg.Start, seg.End))
	}
	if len(data.Chunks) == 0 && data.Text != "" {
		// Servers without segment support still return the text.
		end := result.Duration
		data.Chunks = []Chunk{NewChunk(result.Text, 0, end)}
	}

	slog.Info("Transcription complete", "file", audio.Filename, "chunks", len(data.Chunks),
		"language", result.Language, "elapsed", time.Since(start).Round(time.Millisecond))
	return data, nil
}
