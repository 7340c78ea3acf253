package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/audiotrans/internal/metrics"
	"github.com/audiolibrelab/audiotrans/internal/webm"
)

// ErrClosed is returned by StartCapture after Shutdown.
var ErrClosed = errors.New("capture pipeline is shut down")

// RepairFunc patches the duration metadata of a finalized recording. It must
// return the input unchanged together with an error when it cannot.
type RepairFunc func(data []byte, d time.Duration) ([]byte, error)

// Options configures a Pipeline. Device and Prober are required.
type Options struct {
	Device Device
	Prober FormatProber

	// Formats is the preference order probed on each start. Empty means
	// DefaultFormats.
	Formats []MimeType

	// Repair defaults to webm.Repair.
	Repair RepairFunc

	// Now defaults to time.Now.
	Now func() time.Time

	// OnComplete is called with every finalized Recording before the
	// session's Done channel closes.
	OnComplete func(*Recording)
}

// startAttempt lets concurrent StartCapture calls share one device request.
type startAttempt struct {
	done    chan struct{}
	session *Session
	err     error
}

// Pipeline records one session at a time from a cached device stream.
type Pipeline struct {
	device     Device
	prober     FormatProber
	formats    []MimeType
	repair     RepairFunc
	now        func() time.Time
	onComplete func(*Recording)

	mu       sync.Mutex
	status   Status
	stream   Stream
	session  *Session
	recorder MediaRecorder
	pending  *startAttempt
	closed   bool

	// unclaimed is a session whose recorder ended without StopCapture and
	// that no Stop call has returned yet.
	unclaimed *Session
}

// NewPipeline creates an idle pipeline. The device stream is requested on
// the first StartCapture.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		device:     opts.Device,
		prober:     opts.Prober,
		formats:    opts.Formats,
		repair:     opts.Repair,
		now:        opts.Now,
		onComplete: opts.OnComplete,
		status:     StatusIdle,
	}
	if len(p.formats) == 0 {
		p.formats = DefaultFormats
	}
	if p.repair == nil {
		p.repair = webm.Repair
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// StartCapture begins a new session, or returns the one already being
// started or recorded. While a previous session is finalizing it waits for
// that to finish first.
func (p *Pipeline) StartCapture(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		switch p.status {
		case StatusRecording:
			s := p.session
			p.mu.Unlock()
			return s, nil

		case StatusRequestingDevice:
			attempt := p.pending
			p.mu.Unlock()
			select {
			case <-attempt.done:
				return attempt.session, attempt.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case StatusFinalizing:
			s := p.session
			p.mu.Unlock()
			select {
			case <-s.Done():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// idle: probing may run an external tool, so Status must not wait
		// on it.
		formats := append([]MimeType(nil), p.formats...)
		p.mu.Unlock()

		mime, ok := SelectFormat(p.prober, formats)
		if !ok {
			metrics.SessionsFailedTotal.WithLabelValues("unsupported_format").Inc()
			return nil, fmt.Errorf("%w (tried %v)", ErrUnsupportedFormat, formats)
		}

		p.mu.Lock()
		if p.closed || p.status != StatusIdle {
			p.mu.Unlock()
			continue
		}
		attempt := &startAttempt{done: make(chan struct{})}
		p.pending = attempt
		p.status = StatusRequestingDevice
		stream := p.stream
		p.mu.Unlock()

		attempt.session, attempt.err = p.begin(ctx, stream, mime)
		close(attempt.done)
		return attempt.session, attempt.err
	}
}

// begin runs the requesting-device step and, on success, starts the
// recorder and its consumer.
func (p *Pipeline) begin(ctx context.Context, stream Stream, mime MimeType) (*Session, error) {
	fail := func(reason string, err error) (*Session, error) {
		p.mu.Lock()
		p.status = StatusIdle
		p.pending = nil
		p.mu.Unlock()
		metrics.SessionsFailedTotal.WithLabelValues(reason).Inc()
		slog.Warn("Capture could not start", "mime_type", mime, "error", err)
		return nil, err
	}

	if stream == nil {
		slog.Debug("Requesting microphone stream")
		s, err := p.device.RequestStream(ctx)
		if err != nil {
			return fail("device_access", deviceAccessError(err))
		}
		stream = s

		p.mu.Lock()
		closed := p.closed
		if !closed {
			p.stream = stream
		}
		p.mu.Unlock()
		if closed {
			stream.Close()
			return fail("closed", ErrClosed)
		}
	}

	rec, err := stream.NewRecorder(mime)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return fail("unsupported_format", err)
		}
		return fail("device_access", deviceAccessError(err))
	}

	data := rec.Data()
	if err := rec.Start(); err != nil {
		return fail("device_access", deviceAccessError(err))
	}

	s := newSession(uuid.NewString(), mime, p.now())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		rec.Stop()
		go func() {
			for range data {
			}
		}()
		return fail("closed", ErrClosed)
	}
	p.session = s
	p.recorder = rec
	p.status = StatusRecording
	p.pending = nil
	p.unclaimed = nil
	p.mu.Unlock()

	metrics.SessionsStartedTotal.Inc()
	slog.Info("Capture started", "session", s.ID, "mime_type", mime)

	go p.consume(s, data)
	return s, nil
}

func deviceAccessError(err error) error {
	if errors.Is(err, ErrDeviceAccess) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceAccess, err)
}

// consume is the only writer of the session's chunk sequence. It returns
// once the recorder has closed its data channel.
func (p *Pipeline) consume(s *Session, data <-chan []byte) {
	for fragment := range data {
		if s.append(fragment) {
			metrics.ChunksAppendedTotal.Inc()
			metrics.BytesCapturedTotal.Add(float64(len(fragment)))
		}
	}
	p.finalize(s)
}

// StopCapture stops the recorder of an active session. It reports false,
// and does nothing, when s is not the session currently recording.
func (p *Pipeline) StopCapture(s *Session) bool {
	p.mu.Lock()
	if s == nil || s != p.session || p.status != StatusRecording {
		p.mu.Unlock()
		return false
	}
	p.status = StatusFinalizing
	rec := p.recorder
	p.mu.Unlock()

	s.markStopped(p.now())
	slog.Debug("Stopping capture", "session", s.ID)

	if rec.State() != RecorderInactive {
		if err := rec.Stop(); err != nil {
			slog.Warn("Recorder did not stop cleanly", "session", s.ID, "error", err)
		}
	}
	return true
}

// Stop stops whichever session is recording and returns it. When the
// recorder already ended on its own since the last Stop, that session is
// returned instead. Otherwise Stop returns nil.
func (p *Pipeline) Stop() *Session {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if p.StopCapture(s) {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s, p.unclaimed = p.unclaimed, nil
	return s
}

// finalize runs once per session, after its data channel closes.
func (p *Pipeline) finalize(s *Session) {
	p.mu.Lock()
	if p.status == StatusRecording && p.session == s {
		// The recorder ended without StopCapture.
		p.status = StatusFinalizing
		p.unclaimed = s
		slog.Warn("Recorder ended on its own", "session", s.ID)
	}
	p.mu.Unlock()
	s.markStopped(p.now())

	rec := s.build()
	if rec.MimeType.NeedsDurationRepair() {
		out, err := p.repair(rec.Data, rec.Duration)
		if err != nil {
			metrics.DurationRepairsTotal.WithLabelValues("skipped").Inc()
			slog.Debug("Duration repair skipped", "session", s.ID, "error", err)
		} else {
			rec.Data = out
			rec.Repaired = true
			metrics.DurationRepairsTotal.WithLabelValues("applied").Inc()
		}
	}

	metrics.RecordingsFinalizedTotal.WithLabelValues(string(rec.MimeType.Base())).Inc()
	metrics.RecordingDuration.Observe(rec.Duration.Seconds())
	slog.Info("Capture finalized", "session", s.ID, "bytes", len(rec.Data), "duration", rec.Duration, "repaired", rec.Repaired)

	if p.onComplete != nil {
		p.onComplete(rec)
	}

	p.mu.Lock()
	if p.session == s {
		p.session = nil
		p.recorder = nil
		p.status = StatusIdle
	}
	p.mu.Unlock()

	s.complete(rec)
}

// Status returns the pipeline state and, while a session exists, a snapshot
// of it.
func (p *Pipeline) Status() (Status, *SessionInfo) {
	p.mu.Lock()
	status, s := p.status, p.session
	p.mu.Unlock()

	if s == nil {
		return status, nil
	}
	elapsed := p.now().Sub(s.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	return status, &SessionInfo{
		ID:             s.ID,
		MimeType:       s.MimeType,
		StartTime:      s.StartTime,
		ElapsedSeconds: int(elapsed / time.Second),
		ChunkCount:     s.ChunkCount(),
		Bytes:          s.Size(),
	}
}

// Shutdown stops any running session, waits for it to finalize and closes
// the cached device stream. The pipeline cannot be restarted.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	s := p.session
	p.mu.Unlock()

	if s != nil {
		p.StopCapture(s)
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s to finalize: %w", s.ID, ctx.Err())
		}
	}

	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			return fmt.Errorf("failed to close device stream: %w", err)
		}
		slog.Debug("Device stream closed")
	}
	return nil
}
