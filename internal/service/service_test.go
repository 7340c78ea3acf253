package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/audiotrans/internal/audio"
	"github.com/audiolibrelab/audiotrans/internal/config"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

type stubRecorder struct {
	data     chan []byte
	once     sync.Once
	mu       sync.Mutex
	state    audio.RecorderState
	fragment []byte
	selfEnd  bool
}

func (r *stubRecorder) Start() error {
	r.mu.Lock()
	r.state = audio.RecorderRecording
	r.mu.Unlock()
	r.data <- r.fragment
	if r.selfEnd {
		r.Stop()
	}
	return nil
}

func (r *stubRecorder) Stop() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.state = audio.RecorderInactive
		r.mu.Unlock()
		close(r.data)
	})
	return nil
}

func (r *stubRecorder) State() audio.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *stubRecorder) Data() <-chan []byte { return r.data }

type stubStream struct{ selfEnd bool }

func (s stubStream) NewRecorder(mime audio.MimeType) (audio.MediaRecorder, error) {
	return &stubRecorder{
		data:     make(chan []byte, 8),
		state:    audio.RecorderInactive,
		fragment: []byte("audio-" + string(mime.Base())),
		selfEnd:  s.selfEnd,
	}, nil
}

func (stubStream) Close() error { return nil }

type stubDevice struct {
	err     error
	selfEnd bool
}

func (d stubDevice) RequestStream(ctx context.Context) (audio.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return stubStream{selfEnd: d.selfEnd}, nil
}

type stubTranscriber struct {
	mu    sync.Mutex
	got   []transcript.Audio
	err   error
	gate  chan struct{}
	start chan struct{}
}

func (t *stubTranscriber) Transcribe(ctx context.Context, in transcript.Audio) (*transcript.Data, error) {
	t.mu.Lock()
	t.got = append(t.got, in)
	t.mu.Unlock()
	if t.start != nil {
		close(t.start)
	}
	if t.gate != nil {
		<-t.gate
	}
	if t.err != nil {
		return nil, t.err
	}
	return &transcript.Data{
		Text:   "Hello world.",
		Chunks: []transcript.Chunk{transcript.NewChunk(" Hello", 0, 1.5), transcript.NewChunk(" world.", 1.5, 3)},
	}, nil
}

func newTestService(t *testing.T, device audio.Device, tr transcript.Transcriber) *Service {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Output.Directory = t.TempDir()

	clock := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	svc := New(cfg,
		WithDevice(device),
		WithProber(audio.ProberFunc(func(m audio.MimeType) bool { return m == audio.MimeOgg })),
		WithTranscriber(tr),
		WithClock(func() time.Time { return clock }),
	)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func record(t *testing.T, svc *Service) *SavedRecording {
	t.Helper()
	_, err := svc.StartRecording(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := svc.Status()
		return st.Session != nil && st.Session.ChunkCount == 1
	}, time.Second, 5*time.Millisecond)

	saved, err := svc.StopRecording(context.Background())
	require.NoError(t, err)
	return saved
}

func TestRecordingIsSavedToOutputDirectory(t *testing.T) {
	svc := newTestService(t, stubDevice{}, &stubTranscriber{})

	saved := record(t, svc)
	assert.Equal(t, audio.MimeOgg, saved.MimeType)
	assert.Equal(t, "recording-20240501-103000.ogg", filepath.Base(saved.Path))

	content, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, "audio-audio/ogg", string(content))

	latest, err := svc.LatestRecording()
	require.NoError(t, err)
	assert.Equal(t, saved.Path, latest.Path)
	assert.Equal(t, audio.StatusIdle, svc.Status().State)
	assert.Equal(t, saved.Path, svc.Status().LatestFile)
}

func TestStopWithoutRecording(t *testing.T) {
	svc := newTestService(t, stubDevice{}, &stubTranscriber{})

	_, err := svc.StopRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	_, err = svc.LatestRecording()
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestStopAfterRecorderEndedOnItsOwn(t *testing.T) {
	svc := newTestService(t, stubDevice{selfEnd: true}, &stubTranscriber{})

	_, err := svc.StartRecording(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := svc.LatestRecording()
		return err == nil
	}, time.Second, 5*time.Millisecond)

	saved, err := svc.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recording-20240501-103000.ogg", filepath.Base(saved.Path))
	assert.Equal(t, "audio-audio/ogg", string(saved.Data))

	_, err = svc.StopRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStartFailureSetsLastError(t *testing.T) {
	svc := newTestService(t, stubDevice{err: errors.New("permission denied")}, &stubTranscriber{})

	_, err := svc.StartRecording(context.Background())
	require.ErrorIs(t, err, audio.ErrDeviceAccess)

	st := svc.Status()
	assert.Equal(t, audio.StatusIdle, st.State)
	assert.Contains(t, st.LastError, "permission denied")
}

func TestTranscribeLatestAndExport(t *testing.T) {
	tr := &stubTranscriber{}
	svc := newTestService(t, stubDevice{}, tr)

	_, err := svc.Transcribe(context.Background())
	assert.ErrorIs(t, err, ErrNoRecording)

	saved := record(t, svc)
	data, err := svc.Transcribe(context.Background())
	require.NoError(t, err)
	assert.Len(t, data.Chunks, 2)

	require.Len(t, tr.got, 1)
	assert.Equal(t, filepath.Base(saved.Path), tr.got[0].Filename)
	assert.Equal(t, "audio/ogg", tr.got[0].MimeType)

	txt, name, err := svc.Export("txt")
	require.NoError(t, err)
	assert.Equal(t, "Hello world.", string(txt))
	assert.Equal(t, "transcript.txt", name)

	js, name, err := svc.Export("json")
	require.NoError(t, err)
	assert.Equal(t, "transcript.json", name)
	assert.Contains(t, string(js), `"timestamp": [1.5, 3]`)

	_, _, err = svc.Export("srt")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestNewRecordingClearsTranscript(t *testing.T) {
	svc := newTestService(t, stubDevice{}, &stubTranscriber{})

	record(t, svc)
	_, err := svc.Transcribe(context.Background())
	require.NoError(t, err)

	record(t, svc)
	_, _, err = svc.Export("txt")
	assert.ErrorIs(t, err, ErrNoTranscript)
	assert.Empty(t, svc.Transcript().Chunks)
}

func TestTranscriptReportsBusy(t *testing.T) {
	tr := &stubTranscriber{gate: make(chan struct{}), start: make(chan struct{})}
	svc := newTestService(t, stubDevice{}, tr)
	record(t, svc)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Transcribe(context.Background())
		done <- err
	}()

	<-tr.start
	assert.True(t, svc.Transcript().IsBusy)
	assert.True(t, svc.Status().Transcribing)

	_, err := svc.Transcribe(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(tr.gate)
	require.NoError(t, <-done)
	assert.False(t, svc.Transcript().IsBusy)
	assert.Equal(t, "Hello world.", svc.Transcript().Text)
}

func TestTranscriptionFailure(t *testing.T) {
	svc := newTestService(t, stubDevice{}, &stubTranscriber{err: errors.New("service unavailable")})
	record(t, svc)

	_, err := svc.Transcribe(context.Background())
	require.Error(t, err)
	assert.Contains(t, svc.GetLastError(), "service unavailable")
	assert.False(t, svc.Transcript().IsBusy)
}

func TestTranscribeFile(t *testing.T) {
	tr := &stubTranscriber{}
	svc := newTestService(t, stubDevice{}, tr)

	path := filepath.Join(t.TempDir(), "memo.m4a")
	require.NoError(t, os.WriteFile(path, []byte("m4a"), 0644))

	_, err := svc.TranscribeFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, tr.got, 1)
	assert.Equal(t, "audio/mp4", tr.got[0].MimeType)

	_, err = svc.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "missing.webm"))
	assert.Error(t, err)
}
