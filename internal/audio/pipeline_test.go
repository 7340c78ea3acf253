package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/audiotrans/internal/webm"
)

type fakeRecorder struct {
	mu       sync.Mutex
	state    RecorderState
	data     chan []byte
	startErr error
	stopOnce sync.Once
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{state: RecorderInactive, data: make(chan []byte, 64)}
}

func (r *fakeRecorder) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.state = RecorderRecording
	r.mu.Unlock()
	return nil
}

// Stop flushes like a real recorder: the channel closes after the last
// fragment.
func (r *fakeRecorder) Stop() error {
	r.end()
	return nil
}

func (r *fakeRecorder) end() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = RecorderInactive
		r.mu.Unlock()
		close(r.data)
	})
}

func (r *fakeRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecorder) Data() <-chan []byte { return r.data }

func (r *fakeRecorder) push(fragments ...string) {
	for _, f := range fragments {
		r.data <- []byte(f)
	}
}

type fakeStream struct {
	mu        sync.Mutex
	recorders []*fakeRecorder
	mimes     []MimeType
	closed    bool
	newErr    error
}

func (s *fakeStream) NewRecorder(mime MimeType) (MediaRecorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.newErr != nil {
		return nil, s.newErr
	}
	r := newFakeRecorder()
	s.recorders = append(s.recorders, r)
	s.mimes = append(s.mimes, mime)
	return r, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) recorder(i int) *fakeRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorders[i]
}

type fakeDevice struct {
	stream   *fakeStream
	err      error
	gate     chan struct{}
	requests atomic.Int32
}

func (d *fakeDevice) RequestStream(ctx context.Context) (Stream, error) {
	d.requests.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func supportOnly(mimes ...MimeType) FormatProber {
	return ProberFunc(func(m MimeType) bool {
		for _, s := range mimes {
			if s == m {
				return true
			}
		}
		return false
	})
}

type harness struct {
	device   *fakeDevice
	stream   *fakeStream
	clock    *fakeClock
	pipeline *Pipeline

	mu            sync.Mutex
	completed     []*Recording
	streamWasOpen []bool
	repairs       []time.Duration
}

func newHarness(t *testing.T, prober FormatProber, repair RepairFunc) *harness {
	t.Helper()
	h := &harness{
		stream: &fakeStream{},
		clock:  newFakeClock(),
	}
	h.device = &fakeDevice{stream: h.stream}
	if repair == nil {
		repair = func(data []byte, d time.Duration) ([]byte, error) {
			return append(append([]byte(nil), data...), "+repaired"...), nil
		}
	}
	counted := func(data []byte, d time.Duration) ([]byte, error) {
		h.mu.Lock()
		h.repairs = append(h.repairs, d)
		h.mu.Unlock()
		return repair(data, d)
	}
	h.pipeline = NewPipeline(Options{
		Device: h.device,
		Prober: prober,
		Repair: counted,
		Now:    h.clock.Now,
		OnComplete: func(r *Recording) {
			open := !h.stream.isClosed()
			h.mu.Lock()
			h.completed = append(h.completed, r)
			h.streamWasOpen = append(h.streamWasOpen, open)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.pipeline.Shutdown(ctx)
	})
	return h
}

func (h *harness) completions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

func (h *harness) repairCalls() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.repairs...)
}

func waitRecording(t *testing.T, s *Session) *Recording {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestPipeline_ConcatenatesFragmentsInOrder(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWAV), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MimeWAV, s.MimeType)

	r := h.stream.recorder(0)
	r.push("RIFF", "", "fmt ", "data", "", "\x01\x02\x03")
	h.clock.Advance(2 * time.Second)

	require.True(t, h.pipeline.StopCapture(s))
	rec := waitRecording(t, s)

	assert.Equal(t, []byte("RIFFfmt data\x01\x02\x03"), rec.Data)
	assert.Equal(t, MimeWAV, rec.MimeType)
	assert.Equal(t, int64(2000), rec.DurationMillis())
	assert.Equal(t, s.ID, rec.SessionID)
	assert.False(t, rec.Repaired)
	assert.Equal(t, 4, s.ChunkCount(), "empty fragments are not appended")
	assert.Equal(t, len(rec.Data), s.Size())
	assert.Empty(t, h.repairCalls())

	status, info := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Nil(t, info)
	assert.Equal(t, 1, h.completions())
}

func TestPipeline_FragmentsAreCopied(t *testing.T) {
	h := newHarness(t, supportOnly(MimeOgg), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)

	buf := []byte("abc")
	r := h.stream.recorder(0)
	r.data <- buf
	r.data <- []byte("def")
	require.Eventually(t, func() bool { return s.ChunkCount() == 2 }, time.Second, 5*time.Millisecond)
	buf[0] = 'X'

	h.pipeline.StopCapture(s)
	rec := waitRecording(t, s)

	assert.Equal(t, []byte("abcdef"), rec.Data)
}

func TestPipeline_SelectsFirstSupportedFormat(t *testing.T) {
	h := newHarness(t, supportOnly(DefaultFormats[1], DefaultFormats[3]), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultFormats[1], s.MimeType)
	assert.Equal(t, []MimeType{DefaultFormats[1]}, h.stream.mimes)
}

func TestPipeline_RepairsOnlyWebM(t *testing.T) {
	for _, mime := range DefaultFormats {
		t.Run(string(mime), func(t *testing.T) {
			h := newHarness(t, supportOnly(mime), nil)

			s, err := h.pipeline.StartCapture(context.Background())
			require.NoError(t, err)
			h.stream.recorder(0).push("one", "two")
			h.clock.Advance(5300 * time.Millisecond)
			h.pipeline.StopCapture(s)
			rec := waitRecording(t, s)

			if mime == MimeWebM {
				assert.Equal(t, []time.Duration{5300 * time.Millisecond}, h.repairCalls())
				assert.Equal(t, []byte("onetwo+repaired"), rec.Data)
				assert.True(t, rec.Repaired)
			} else {
				assert.Empty(t, h.repairCalls())
				assert.Equal(t, []byte("onetwo"), rec.Data)
				assert.False(t, rec.Repaired)
			}
		})
	}
}

func TestPipeline_RepairIgnoresCodecParameters(t *testing.T) {
	h := newHarness(t, ProberFunc(func(MimeType) bool { return true }), nil)
	h.pipeline.formats = []MimeType{"audio/webm;codecs=opus"}

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	h.stream.recorder(0).push("x")
	h.pipeline.StopCapture(s)
	rec := waitRecording(t, s)

	assert.True(t, rec.Repaired)
	assert.Len(t, h.repairCalls(), 1)
}

func TestPipeline_RepairFailureKeepsOriginalBytes(t *testing.T) {
	skip := func(data []byte, d time.Duration) ([]byte, error) {
		return data, webm.ErrRepairSkipped
	}
	h := newHarness(t, supportOnly(MimeWebM), skip)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	h.stream.recorder(0).push("not", "ebml")
	h.pipeline.StopCapture(s)
	rec := waitRecording(t, s)

	assert.Equal(t, []byte("notebml"), rec.Data)
	assert.False(t, rec.Repaired)
}

func TestPipeline_DefaultRepairPatchesRealWebM(t *testing.T) {
	stream := &fakeStream{}
	clock := newFakeClock()
	p := NewPipeline(Options{
		Device: &fakeDevice{stream: stream},
		Prober: supportOnly(MimeWebM),
		Now:    clock.Now,
	})
	defer p.Shutdown(context.Background())

	s, err := p.StartCapture(context.Background())
	require.NoError(t, err)

	// Header, Segment of unknown size, Info with TimecodeScale only.
	header := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x84, 0x42, 0x82, 0x81, 0x77}
	segment := []byte{0x18, 0x53, 0x80, 0x67, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	info := []byte{0x15, 0x49, 0xA9, 0x66, 0x87, 0x2A, 0xD7, 0xB1, 0x83, 0x0F, 0x42, 0x40}
	stream.recorder(0).data <- append(append(header, segment...), info...)
	stream.recorder(0).data <- []byte{0x1F, 0x43, 0xB6, 0x75, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	clock.Advance(5300 * time.Millisecond)
	p.StopCapture(s)
	rec := waitRecording(t, s)

	require.True(t, rec.Repaired)
	d, ok := webm.ReadDuration(rec.Data)
	require.True(t, ok)
	assert.Equal(t, 5300*time.Millisecond, d)
}

func TestPipeline_StartWhileRecordingIsIdempotent(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWebM), nil)

	first, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	second, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), h.device.requests.Load())
	assert.Len(t, h.stream.mimes, 1)
}

func TestPipeline_ConcurrentStartsShareDeviceRequest(t *testing.T) {
	h := newHarness(t, supportOnly(MimeOgg), nil)
	h.device.gate = make(chan struct{})

	var wg sync.WaitGroup
	sessions := make([]*Session, 2)
	errs := make([]error, 2)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = h.pipeline.StartCapture(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		status, _ := h.pipeline.Status()
		return status == StatusRequestingDevice
	}, time.Second, 5*time.Millisecond)

	close(h.device.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, sessions[0], sessions[1])
	assert.Equal(t, int32(1), h.device.requests.Load())
}

func TestPipeline_StopInactiveSessionIsNoop(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWAV), nil)

	assert.False(t, h.pipeline.StopCapture(nil))
	assert.Nil(t, h.pipeline.Stop())

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	require.True(t, h.pipeline.StopCapture(s))
	waitRecording(t, s)

	assert.False(t, h.pipeline.StopCapture(s))
	assert.False(t, h.pipeline.StopCapture(&Session{ID: "stranger"}))
	assert.Equal(t, 1, h.completions(), "finalize runs exactly once")
}

func TestPipeline_DeviceDenied(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWebM), nil)
	h.device.err = errors.New("permission denied by user")

	s, err := h.pipeline.StartCapture(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrDeviceAccess)
	assert.Contains(t, err.Error(), "permission denied by user")

	status, info := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Nil(t, info)
	assert.Zero(t, h.completions())

	// A later grant starts normally.
	h.device.err = nil
	s, err = h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestPipeline_RecorderStartFailureIsDeviceAccess(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWebM), nil)
	h.stream.newErr = errors.New("input busy")

	_, err := h.pipeline.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrDeviceAccess)

	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
}

func TestPipeline_UnsupportedFormat(t *testing.T) {
	h := newHarness(t, supportOnly(), nil)

	_, err := h.pipeline.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Zero(t, h.device.requests.Load(), "device is not requested without a format")

	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
}

func TestPipeline_StreamCachedAcrossSessions(t *testing.T) {
	h := newHarness(t, supportOnly(MimeMP3), nil)

	for i := 0; i < 3; i++ {
		s, err := h.pipeline.StartCapture(context.Background())
		require.NoError(t, err)
		h.stream.recorder(i).push("frame")
		h.pipeline.StopCapture(s)
		waitRecording(t, s)
	}

	assert.Equal(t, int32(1), h.device.requests.Load())
	assert.False(t, h.stream.closed)

	require.NoError(t, h.pipeline.Shutdown(context.Background()))
	assert.True(t, h.stream.closed)

	_, err := h.pipeline.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeline_RecorderEndingOnItsOwnFinalizes(t *testing.T) {
	h := newHarness(t, supportOnly(MimeAAC), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	r := h.stream.recorder(0)
	r.push("adts")
	h.clock.Advance(time.Second)
	r.end()

	rec := waitRecording(t, s)
	assert.Equal(t, []byte("adts"), rec.Data)
	assert.Equal(t, time.Second, rec.Duration)

	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
}

func TestPipeline_StartWhileFinalizingWaits(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := func(data []byte, d time.Duration) ([]byte, error) {
		once.Do(func() { close(entered) })
		<-release
		return data, nil
	}
	h := newHarness(t, supportOnly(MimeWebM), blocking)

	first, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	h.pipeline.StopCapture(first)
	<-entered

	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusFinalizing, status)

	started := make(chan *Session, 1)
	go func() {
		s, err := h.pipeline.StartCapture(context.Background())
		if err == nil {
			started <- s
		}
		close(started)
	}()

	select {
	case <-started:
		t.Fatal("StartCapture returned while previous session was finalizing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	second := <-started
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.NotNil(t, first.Result())
}

func TestPipeline_StatusReportsElapsed(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWAV), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	h.clock.Advance(3500 * time.Millisecond)

	status, info := h.pipeline.Status()
	assert.Equal(t, StatusRecording, status)
	require.NotNil(t, info)
	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, 3, info.ElapsedSeconds)
	assert.Equal(t, MimeWAV, info.MimeType)
}

func TestPipeline_ShutdownWhileRecording(t *testing.T) {
	h := newHarness(t, supportOnly(MimeOgg), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	r := h.stream.recorder(0)
	r.push("page-1", "page-2")
	h.clock.Advance(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.pipeline.Shutdown(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("Shutdown returned before the session finalized")
	}
	assert.Equal(t, RecorderInactive, r.State())

	rec := s.Result()
	require.NotNil(t, rec)
	assert.Equal(t, []byte("page-1page-2"), rec.Data)
	assert.Equal(t, 2*time.Second, rec.Duration)

	h.mu.Lock()
	assert.Len(t, h.completed, 1)
	assert.Equal(t, []bool{true}, h.streamWasOpen, "OnComplete must run before the stream is closed")
	h.mu.Unlock()
	assert.True(t, h.stream.isClosed())

	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusIdle, status)
}

func TestPipeline_StopReturnsSessionThatEndedOnItsOwn(t *testing.T) {
	h := newHarness(t, supportOnly(MimeWAV), nil)

	s, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	r := h.stream.recorder(0)
	r.push("riff")
	r.end()
	waitRecording(t, s)

	assert.Same(t, s, h.pipeline.Stop())
	assert.Nil(t, h.pipeline.Stop(), "a session is handed out once")

	next, err := h.pipeline.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Same(t, next, h.pipeline.Stop())
	waitRecording(t, next)
	assert.Nil(t, h.pipeline.Stop())
}

func TestPipeline_StatusDoesNotWaitForProbe(t *testing.T) {
	probing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := ProberFunc(func(m MimeType) bool {
		once.Do(func() { close(probing) })
		<-release
		return m == MimeWAV
	})
	h := newHarness(t, slow, nil)

	started := make(chan error, 1)
	go func() {
		_, err := h.pipeline.StartCapture(context.Background())
		started <- err
	}()
	<-probing

	got := make(chan Status, 1)
	go func() {
		status, _ := h.pipeline.Status()
		got <- status
	}()
	select {
	case status := <-got:
		assert.Equal(t, StatusIdle, status)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while formats were probed")
	}

	close(release)
	require.NoError(t, <-started)
	status, _ := h.pipeline.Status()
	assert.Equal(t, StatusRecording, status)
}
