package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceAccess means the microphone was denied or is unavailable.
	ErrDeviceAccess = errors.New("microphone access denied or device unavailable")
	// ErrUnsupportedFormat means no candidate container format can be recorded.
	ErrUnsupportedFormat = errors.New("no supported recording format")
)

// Status represents the current state of the capture pipeline
type Status string

const (
	StatusIdle             Status = "idle"
	StatusRequestingDevice Status = "requesting-device"
	StatusRecording        Status = "recording"
	StatusFinalizing       Status = "finalizing"
)

// RecorderState mirrors the state field of the platform recorder.
type RecorderState string

const (
	RecorderInactive  RecorderState = "inactive"
	RecorderRecording RecorderState = "recording"
	RecorderPaused    RecorderState = "paused"
)

// Device grants access to a microphone input stream. RequestStream may
// block until the user or the host grants or denies access.
type Device interface {
	RequestStream(ctx context.Context) (Stream, error)
}

// Stream is an open microphone input. It is reused across sessions and
// only closed on pipeline shutdown.
type Stream interface {
	NewRecorder(mime MimeType) (MediaRecorder, error)
	Close() error
}

// MediaRecorder encodes a stream into a container and hands out fragments.
// Data is closed after the last fragment following Stop (or after the
// recorder ends on its own). Fragments must not be reused by the recorder
// once sent.
type MediaRecorder interface {
	Start() error
	Stop() error
	State() RecorderState
	Data() <-chan []byte
}

// SessionInfo contains information about the current capture session
type SessionInfo struct {
	ID             string    `json:"id"`
	MimeType       MimeType  `json:"mime_type"`
	StartTime      time.Time `json:"start_time"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	ChunkCount     int       `json:"chunk_count"`
	Bytes          int       `json:"bytes"`
}

// Recording is the immutable result of one session: every fragment in
// capture order, tagged with its format.
type Recording struct {
	SessionID string        `json:"session_id"`
	MimeType  MimeType      `json:"mime_type"`
	Data      []byte        `json:"-"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
	Repaired  bool          `json:"repaired"`
}

// DurationMillis returns the wall-clock length of the recording in ms.
func (r *Recording) DurationMillis() int64 {
	return r.Duration.Milliseconds()
}
