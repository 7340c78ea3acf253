package audio

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Session is one capture attempt, from StartCapture until its Recording is
// finalized. Fragments are appended by a single consumer goroutine owned by
// the pipeline.
type Session struct {
	ID        string
	MimeType  MimeType
	StartTime time.Time

	mu        sync.Mutex
	chunks    [][]byte
	size      int
	count     int
	stoppedAt time.Time

	done   chan struct{}
	result *Recording
}

func newSession(id string, mime MimeType, start time.Time) *Session {
	return &Session{
		ID:        id,
		MimeType:  mime,
		StartTime: start,
		done:      make(chan struct{}),
	}
}

// append stores a copy of a non-empty fragment.
func (s *Session) append(fragment []byte) bool {
	if len(fragment) == 0 {
		return false
	}
	buf := make([]byte, len(fragment))
	copy(buf, fragment)

	s.mu.Lock()
	s.chunks = append(s.chunks, buf)
	s.size += len(buf)
	s.count++
	s.mu.Unlock()
	return true
}

// markStopped records the stop time once; later calls keep the first value.
func (s *Session) markStopped(t time.Time) {
	s.mu.Lock()
	if s.stoppedAt.IsZero() {
		s.stoppedAt = t
	}
	s.mu.Unlock()
}

// build concatenates the chunks into a Recording and releases them.
func (s *Session) build() *Recording {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := bytes.Join(s.chunks, nil)
	if data == nil {
		data = []byte{}
	}
	s.chunks = nil

	d := s.stoppedAt.Sub(s.StartTime)
	if d < 0 {
		d = 0
	}

	return &Recording{
		SessionID: s.ID,
		MimeType:  s.MimeType,
		Data:      data,
		Duration:  d.Truncate(time.Millisecond),
		StartedAt: s.StartTime,
	}
}

func (s *Session) complete(r *Recording) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
	close(s.done)
}

// Done is closed once the session's Recording is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is finalized or ctx ends.
func (s *Session) Wait(ctx context.Context) (*Recording, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the finalized Recording, or nil while capture is running.
func (s *Session) Result() *Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// ChunkCount returns the number of fragments appended so far.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Size returns the number of bytes appended so far.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
