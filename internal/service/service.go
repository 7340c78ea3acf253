package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/audiotrans/internal/audio"
	"github.com/audiolibrelab/audiotrans/internal/config"
	"github.com/audiolibrelab/audiotrans/internal/metrics"
	"github.com/audiolibrelab/audiotrans/internal/transcode"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

var (
	ErrNotRecording  = errors.New("no recording in progress")
	ErrNoRecording   = errors.New("nothing has been recorded yet")
	ErrNoTranscript  = errors.New("no transcript available")
	ErrBusy          = errors.New("transcription already in progress")
	ErrUnknownFormat = errors.New("unknown export format")
)

const recordingFileTime = "20060102-150405"

// Status is the combined recorder and transcriber state reported to the
// CLI and the HTTP API.
type Status struct {
	State        audio.Status       `json:"state"`
	Session      *audio.SessionInfo `json:"session,omitempty"`
	Elapsed      string             `json:"elapsed,omitempty"`
	Transcribing bool               `json:"transcribing"`
	LatestFile   string             `json:"latest_file,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
}

// SavedRecording is a finalized recording together with where it was
// written.
type SavedRecording struct {
	*audio.Recording
	Path string `json:"path"`
}

// Option customizes a Service.
type Option func(*Service)

// WithDevice replaces the backend device.
func WithDevice(d audio.Device) Option {
	return func(s *Service) { s.device = d }
}

// WithProber replaces the backend format prober.
func WithProber(p audio.FormatProber) Option {
	return func(s *Service) { s.prober = p }
}

// WithTranscriber replaces the configured transcription client.
func WithTranscriber(t transcript.Transcriber) Option {
	return func(s *Service) { s.transcriber = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service records, stores and transcribes one recording at a time.
type Service struct {
	cfg         *config.Config
	device      audio.Device
	prober      audio.FormatProber
	transcriber transcript.Transcriber
	now         func() time.Time
	pipeline    *audio.Pipeline

	mu           sync.RWMutex
	latest       *SavedRecording
	transcript   *transcript.Data
	transcribing bool
	lastError    string
}

// New wires the pipeline to the configured backend and transcriber.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.device == nil || s.prober == nil {
		backend := audio.NewBackend(cfg)
		slog.Debug("Using audio backend", "type", backend.GetType())
		if s.device == nil {
			s.device = backend.NewDevice()
		}
		if s.prober == nil {
			s.prober = backend.NewProber()
		}
	}

	if s.transcriber == nil {
		s.transcriber = newTranscriber(cfg)
	}

	s.pipeline = audio.NewPipeline(audio.Options{
		Device:     s.device,
		Prober:     s.prober,
		Formats:    audio.ParseFormats(cfg.Recorder.Formats),
		Now:        s.now,
		OnComplete: s.saveRecording,
	})
	return s
}

func newTranscriber(cfg *config.Config) transcript.Transcriber {
	client := transcript.NewWhisperClient(transcript.WhisperOptions{
		BaseURL:  cfg.Transcriber.URL,
		Model:    cfg.Transcriber.Model,
		Language: cfg.Transcriber.Language,
		APIKey:   cfg.Transcriber.APIKey,
		Timeout:  cfg.Transcriber.Timeout,
	})
	if !cfg.Transcriber.Preprocess {
		return client
	}
	return &transcode.Preprocessing{Next: client, Transcoder: transcode.New(cfg.Recorder.FFmpegPath)}
}

// StartRecording begins a capture session, or returns the running one.
func (s *Service) StartRecording(ctx context.Context) (*audio.SessionInfo, error) {
	slog.Debug("Service.StartRecording called")
	s.clearLastError()

	if _, err := s.pipeline.StartCapture(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	_, info := s.pipeline.Status()
	return info, nil
}

// StopRecording stops the running session and waits until the recording
// has been finalized and written to disk. If the recorder already ended on
// its own, that recording is returned.
func (s *Service) StopRecording(ctx context.Context) (*SavedRecording, error) {
	session := s.pipeline.Stop()
	if session == nil {
		return nil, ErrNotRecording
	}

	rec, err := session.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for recording to finalize: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil || s.latest.Recording != rec {
		if s.lastError != "" {
			return nil, errors.New(s.lastError)
		}
		return &SavedRecording{Recording: rec}, nil
	}
	return s.latest, nil
}

// saveRecording runs on the pipeline's consumer goroutine for every
// finalized session.
func (s *Service) saveRecording(rec *audio.Recording) {
	name := fmt.Sprintf("recording-%s.%s", rec.StartedAt.Format(recordingFileTime), rec.MimeType.Extension())
	path, err := transcript.Save(s.cfg.Output.Directory, name, rec.Data)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return
	}

	slog.Info("Recording saved", "path", path, "bytes", len(rec.Data), "duration", rec.Duration)

	s.mu.Lock()
	s.latest = &SavedRecording{Recording: rec, Path: path}
	s.transcript = nil
	s.mu.Unlock()
}

// Status reports the recorder state with a snapshot of the session.
func (s *Service) Status() Status {
	state, info := s.pipeline.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:        state,
		Session:      info,
		Transcribing: s.transcribing,
		LastError:    s.lastError,
	}
	if info != nil {
		st.Elapsed = transcript.FormatTimestamp(float64(info.ElapsedSeconds))
	}
	if s.latest != nil {
		st.LatestFile = s.latest.Path
	}
	return st
}

// LatestRecording returns the most recent saved recording.
func (s *Service) LatestRecording() (*SavedRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, ErrNoRecording
	}
	return s.latest, nil
}

// Transcribe sends the latest recording to the transcriber and keeps the
// result as the current transcript.
func (s *Service) Transcribe(ctx context.Context) (*transcript.Data, error) {
	latest, err := s.LatestRecording()
	if err != nil {
		return nil, err
	}

	return s.transcribe(ctx, transcript.Audio{
		Filename: filepath.Base(latest.Path),
		MimeType: string(latest.MimeType),
		Data:     latest.Data,
	})
}

// TranscribeFile transcribes an audio file from disk.
func (s *Service) TranscribeFile(ctx context.Context, path string) (*transcript.Data, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}

	mime, ok := audio.MimeTypeFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported audio file: %s", path)
	}

	return s.transcribe(ctx, transcript.Audio{Filename: filepath.Base(path), MimeType: string(mime), Data: data})
}

func (s *Service) transcribe(ctx context.Context, in transcript.Audio) (*transcript.Data, error) {
	s.mu.Lock()
	if s.transcribing {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.transcribing = true
	s.mu.Unlock()

	slog.Info("Transcribing", "file", in.Filename, "bytes", len(in.Data))
	data, err := s.transcriber.Transcribe(ctx, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcribing = false
	if err != nil {
		s.lastError = fmt.Sprintf("Transcription failed: %v", err)
		slog.Error("Service error occurred", "error_message", s.lastError)
		return nil, err
	}
	s.transcript = data
	return data, nil
}

// Transcript returns the current transcript. IsBusy is set while a
// transcription is running.
func (s *Service) Transcript() *transcript.Data {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &transcript.Data{IsBusy: s.transcribing}
	if s.transcript != nil {
		out.Text = s.transcript.Text
		out.Chunks = s.transcript.Chunks
	}
	return out
}

// Export renders the current transcript as "txt" or "json" and returns the
// bytes with a default file name.
func (s *Service) Export(format string) ([]byte, string, error) {
	s.mu.RLock()
	data := s.transcript
	s.mu.RUnlock()

	if data == nil {
		return nil, "", ErrNoTranscript
	}
	return ExportChunks(data.Chunks, format)
}

// ExportChunks renders chunks in the named format.
func ExportChunks(chunks []transcript.Chunk, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "txt", "text":
		return []byte(transcript.ExportText(chunks)), transcript.DefaultTextName, nil
	case "json":
		out, err := transcript.ExportJSON(chunks)
		if err != nil {
			return nil, "", err
		}
		return out, transcript.DefaultJSONName, nil
	default:
		return nil, "", fmt.Errorf("%w: %q (valid: txt, json)", ErrUnknownFormat, format)
	}
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Close stops any recording, waits for it to be saved and releases the
// device.
func (s *Service) Close(ctx context.Context) error {
	return s.pipeline.Shutdown(ctx)
}

// GetLastError returns the last error message (thread-safe)
func (s *Service) GetLastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *Service) setLastError(err string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *Service) clearLastError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
}

// LiveStats feeds the scrape-time gauges.
func (s *Service) LiveStats() metrics.LiveStats {
	st := s.Status()
	out := metrics.LiveStats{
		Recording:    st.State == audio.StatusRecording || st.State == audio.StatusFinalizing,
		Transcribing: st.Transcribing,
	}
	if st.Session != nil {
		out.SessionBytes = st.Session.Bytes
		out.SessionChunks = st.Session.ChunkCount
	}
	return out
}
