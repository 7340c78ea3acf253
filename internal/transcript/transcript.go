// Package transcript holds the timestamped transcript model, its text and
// JSON exports, and the client for the external transcription service.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	DefaultTextName = "transcript.txt"
	DefaultJSONName = "transcript.json"
)

// Chunk is one transcribed span. Timestamp holds start and end in seconds;
// the end is nil while the span is still open.
type Chunk struct {
	Text      string      `json:"text"`
	Timestamp [2]*float64 `json:"timestamp"`
}

// Data is the state reported by a transcriber.
type Data struct {
	IsBusy bool    `json:"isBusy"`
	Text   string  `json:"text"`
	Chunks []Chunk `json:"chunks"`
}

// Seconds is a helper for building timestamps.
func Seconds(v float64) *float64 {
	return &v
}

// NewChunk builds a closed chunk.
func NewChunk(text string, start, end float64) Chunk {
	return Chunk{Text: text, Timestamp: [2]*float64{Seconds(start), Seconds(end)}}
}

// Start returns the chunk start in seconds, or 0 when unset.
func (c Chunk) Start() float64 {
	if c.Timestamp[0] == nil {
		return 0
	}
	return *c.Timestamp[0]
}

// ExportText concatenates the chunk texts and trims surrounding space.
func ExportText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return strings.TrimSpace(b.String())
}

var timestampArray = regexp.MustCompile(`(    "timestamp": )\[\s+(\S+)\s+(\S+)\s+\]`)

// ExportJSON renders chunks as a two-space indented array with every
// timestamp pair kept on one line.
func ExportJSON(chunks []Chunk) ([]byte, error) {
	if chunks == nil {
		chunks = []Chunk{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(chunks); err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	return timestampArray.ReplaceAll(out, []byte("${1}[${2} ${3}]")), nil
}

// ParseJSON reads either an exported chunk array or a full Data document.
func ParseJSON(data []byte) ([]Chunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}

	if trimmed[0] == '[' {
		var chunks []Chunk
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return nil, fmt.Errorf("invalid transcript chunks: %w", err)
		}
		return chunks, nil
	}

	var d Data
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, fmt.Errorf("invalid transcript: %w", err)
	}
	return d.Chunks, nil
}

// Save writes data to dir/name, creating dir, and returns the full path.
func Save(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// FormatTimestamp renders seconds as MM:SS, or HH:MM:SS from one hour on.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
