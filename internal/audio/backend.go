package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/audiolibrelab/audiotrans/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeFFmpeg   BackendType = "ffmpeg"
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// AudioBackend builds the capture device and format prober for one way of
// reaching the microphone.
type AudioBackend interface {
	NewDevice() Device
	NewProber() FormatProber

	// List available audio sources
	ListSources() ([]string, error)

	// Validate if a source is available
	ValidateSource(source string) error

	GetType() BackendType
}

// NewBackend returns the backend selected by configuration.
func NewBackend(cfg *config.Config) AudioBackend {
	switch determineBackend(cfg, exec.LookPath) {
	case BackendTypePipeWire:
		return NewPipeWireBackend(cfg)
	default:
		return NewFFmpegBackend(cfg)
	}
}

// determineBackend resolves "auto": PipeWire when sources are configured
// and pw-jack is installed, plain ffmpeg otherwise.
func determineBackend(cfg *config.Config, lookPath func(string) (string, error)) BackendType {
	switch strings.ToLower(cfg.Recorder.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "ffmpeg":
		return BackendTypeFFmpeg
	}

	if len(cfg.Recorder.Sources) > 0 {
		if _, err := lookPath("pw-jack"); err == nil {
			return BackendTypePipeWire
		}
	}
	return BackendTypeFFmpeg
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return availableBackends(exec.LookPath)
}

func availableBackends(lookPath func(string) (string, error)) []BackendType {
	var backends []BackendType
	if _, err := lookPath("ffmpeg"); err == nil {
		backends = append(backends, BackendTypeFFmpeg)
		_, jackErr := lookPath("pw-jack")
		_, linkErr := lookPath("pw-link")
		if jackErr == nil && linkErr == nil {
			backends = append(backends, BackendTypePipeWire)
		}
	}
	return backends
}

// FFmpegBackend records the platform input (PulseAudio, AVFoundation, or a
// configured ffmpeg input) directly.
type FFmpegBackend struct {
	cfg *config.Config
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewFFmpegBackend(cfg *config.Config) *FFmpegBackend {
	return &FFmpegBackend{cfg: cfg, run: runCombined}
}

func (b *FFmpegBackend) NewDevice() Device {
	return NewFFmpegDevice(b.deviceOptions())
}

func (b *FFmpegBackend) deviceOptions() FFmpegOptions {
	rc := b.cfg.Recorder
	return FFmpegOptions{
		Binary:      rc.FFmpegPath,
		InputFormat: rc.InputFormat,
		InputDevice: rc.Device,
		SampleRate:  rc.SampleRate,
		Channels:    rc.Channels,
		ChunkSize:   rc.ChunkSize,
	}
}

func (b *FFmpegBackend) NewProber() FormatProber {
	return NewFFmpegProber(b.cfg.Recorder.FFmpegPath)
}

// ListSources asks ffmpeg for the devices of the configured input format.
func (b *FFmpegBackend) ListSources() ([]string, error) {
	opts := NewFFmpegDevice(b.deviceOptions()).opts
	if opts.InputFormat == "" {
		return nil, fmt.Errorf("no input format configured, set recorder.input_format")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := b.run(ctx, opts.Binary, "-hide_banner", "-sources", opts.InputFormat)
	sources := parseDeviceSources(out)
	if err != nil && len(sources) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w", opts.InputFormat, err)
	}
	return sources, nil
}

func (b *FFmpegBackend) ValidateSource(source string) error {
	if source == "" || source == "default" {
		return nil
	}
	sources, err := b.ListSources()
	if err != nil {
		return err
	}
	for _, s := range sources {
		if s == source {
			return nil
		}
	}
	return fmt.Errorf("source not found: %s", source)
}

func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}
