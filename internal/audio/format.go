package audio

import (
	"path/filepath"
	"strings"
)

// MimeType identifies a recording container, optionally with codec
// parameters ("audio/webm;codecs=opus").
type MimeType string

const (
	MimeWebM MimeType = "audio/webm"
	MimeMP4  MimeType = "audio/mp4"
	MimeOgg  MimeType = "audio/ogg"
	MimeWAV  MimeType = "audio/wav"
	MimeAAC  MimeType = "audio/aac"
	MimeMP3  MimeType = "audio/mp3"
)

// DefaultFormats is the fixed preference order used when the configuration
// does not override it. Earlier entries win.
var DefaultFormats = []MimeType{
	MimeWebM,
	MimeMP4,
	MimeOgg,
	MimeWAV,
	MimeAAC,
	MimeMP3,
}

// FormatProber reports whether the capture runtime can record a format.
type FormatProber interface {
	IsTypeSupported(mime MimeType) bool
}

// ProberFunc adapts a function to FormatProber.
type ProberFunc func(mime MimeType) bool

func (f ProberFunc) IsTypeSupported(mime MimeType) bool { return f(mime) }

// SelectFormat returns the first entry of prefs the prober supports.
func SelectFormat(prober FormatProber, prefs []MimeType) (MimeType, bool) {
	if prober == nil {
		return "", false
	}
	for _, mime := range prefs {
		if prober.IsTypeSupported(mime) {
			return mime, true
		}
	}
	return "", false
}

// Base strips codec parameters and normalizes case.
func (m MimeType) Base() MimeType {
	s := string(m)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return MimeType(strings.ToLower(strings.TrimSpace(s)))
}

// NeedsDurationRepair reports whether recordings in this format are written
// without a total duration and must be patched after capture.
func (m MimeType) NeedsDurationRepair() bool {
	return m.Base() == MimeWebM
}

// Extension returns the file extension (without dot) for the format.
func (m MimeType) Extension() string {
	switch m.Base() {
	case MimeWebM:
		return "webm"
	case MimeMP4:
		return "m4a"
	case MimeOgg:
		return "ogg"
	case MimeWAV:
		return "wav"
	case MimeAAC:
		return "aac"
	case MimeMP3:
		return "mp3"
	default:
		return "bin"
	}
}

// MimeTypeFromPath guesses the recording format from a file name.
func MimeTypeFromPath(path string) (MimeType, bool) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "webm", "weba":
		return MimeWebM, true
	case "mp4", "m4a":
		return MimeMP4, true
	case "ogg", "oga", "opus":
		return MimeOgg, true
	case "wav":
		return MimeWAV, true
	case "aac":
		return MimeAAC, true
	case "mp3":
		return MimeMP3, true
	default:
		return "", false
	}
}

// ParseFormats converts configured strings to mime types, dropping blanks.
// An empty result means DefaultFormats.
func ParseFormats(values []string) []MimeType {
	var out []MimeType
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, MimeType(v))
	}
	if len(out) == 0 {
		return append([]MimeType(nil), DefaultFormats...)
	}
	return out
}
