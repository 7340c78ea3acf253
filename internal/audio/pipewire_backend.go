package audio

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/audiolibrelab/audiotrans/internal/config"
)

// jackClientName is the JACK client ffmpeg registers under pw-jack. Its
// input ports are named input_1, input_2, ...
const jackClientName = "audiotrans"

// PipeWireBackend records through pw-jack ffmpeg and links the configured
// PipeWire ports into it.
type PipeWireBackend struct {
	cfg *config.Config
	pw  *PipeWire
}

func NewPipeWireBackend(cfg *config.Config) *PipeWireBackend {
	return &PipeWireBackend{cfg: cfg, pw: NewPipeWire()}
}

func (p *PipeWireBackend) NewDevice() Device {
	return NewFFmpegDevice(p.deviceOptions())
}

func (p *PipeWireBackend) deviceOptions() FFmpegOptions {
	rc := p.cfg.Recorder
	sources := append([]string(nil), rc.Sources...)
	return FFmpegOptions{
		Binary:      rc.FFmpegPath,
		Wrapper:     []string{"pw-jack"},
		Env:         []string{"PIPEWIRE_QUANTUM=256/48000", "PIPEWIRE_LATENCY=256/48000"},
		InputFormat: "jack",
		InputDevice: jackClientName,
		InputArgs:   []string{"-channels", strconv.Itoa(rc.Channels)},
		SampleRate:  rc.SampleRate,
		Channels:    rc.Channels,
		ChunkSize:   rc.ChunkSize,
		OnStart:     func() { linkSources(p.pw, sources) },
	}
}

// linkSources connects source i to the recorder's input_<i+1> port once
// that port shows up.
func linkSources(pw *PipeWire, sources []string) {
	for i, source := range sources {
		dest := fmt.Sprintf("%s:input_%d", jackClientName, i+1)

		if err := pw.WaitForPort(dest, 5*time.Second); err != nil {
			slog.Error("FFmpeg JACK port did not appear", "port", dest, "error", err)
			continue
		}
		if err := pw.ConnectPortsWithRetry(source, dest); err != nil {
			slog.Error("Failed to connect source", "source", source, "dest", dest, "error", err)
			continue
		}
		slog.Info("Connected source", "source", source, "dest", dest)
	}
}

func (p *PipeWireBackend) NewProber() FormatProber {
	return NewFFmpegProber(p.cfg.Recorder.FFmpegPath)
}

// ListSources returns available PipeWire/JACK ports
func (p *PipeWireBackend) ListSources() ([]string, error) {
	return p.pw.ListPorts()
}

// ValidateSource validates a PipeWire/JACK source
func (p *PipeWireBackend) ValidateSource(source string) error {
	return p.pw.ValidatePort(source)
}

func (p *PipeWireBackend) GetType() BackendType {
	return BackendTypePipeWire
}
