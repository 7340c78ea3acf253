// Package transcode converts recordings into the 16 kHz mono WAV that
// speech models expect, using ffmpeg over pipes.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

// SpeechSampleRate is the rate Whisper-family models are trained on.
const SpeechSampleRate = 16000

type Transcoder struct {
	ffmpegPath string
	sampleRate int
	run        func(ctx context.Context, input []byte, name string, args ...string) ([]byte, error)
}

func New(ffmpegPath string) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{ffmpegPath: ffmpegPath, sampleRate: SpeechSampleRate, run: runPiped}
}

func runPiped(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w\nOutput: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (t *Transcoder) buildArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(t.sampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	}
}

// ToSpeechWAV converts an encoded recording of any container ffmpeg reads.
func (t *Transcoder) ToSpeechWAV(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("nothing to transcode")
	}

	args := t.buildArgs()
	slog.Debug("Running FFmpeg for transcoding", "command", t.ffmpegPath+" "+strings.Join(args, " "))

	out, err := t.run(ctx, data, t.ffmpegPath, args...)
	if err != nil {
		return nil, fmt.Errorf("FFmpeg transcoding failed: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("FFmpeg produced no output")
	}

	slog.Debug("Transcoded recording", "in_bytes", len(data), "out_bytes", len(out))
	return out, nil
}

// Preprocessing wraps a Transcriber so that every recording is converted to
// speech WAV before upload.
type Preprocessing struct {
	Next       transcript.Transcriber
	Transcoder *Transcoder
}

func (p *Preprocessing) Transcribe(ctx context.Context, audio transcript.Audio) (*transcript.Data, error) {
	wav, err := p.Transcoder.ToSpeechWAV(ctx, audio.Data)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSuffix(audio.Filename, filepath.Ext(audio.Filename)) + ".wav"
	return p.Next.Transcribe(ctx, transcript.Audio{Filename: name, MimeType: "audio/wav", Data: wav})
}
