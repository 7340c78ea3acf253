package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stopTimeout is how long ffmpeg gets to flush its muxer after SIGINT.
const stopTimeout = 5 * time.Second

// FFmpegOptions describes how ffmpeg reads the microphone.
type FFmpegOptions struct {
	Binary  string
	Wrapper []string // command prefix, e.g. pw-jack
	Env     []string

	InputFormat string   // ffmpeg -f
	InputDevice string   // ffmpeg -i
	InputArgs   []string // input options placed before -i

	SampleRate int
	Channels   int
	ChunkSize  int

	// OnStart runs in its own goroutine once a recording process is up.
	OnStart func()
}

type codecSpec struct {
	encoder string
	muxer   string
	extra   []string
}

var containerCodecs = map[MimeType]codecSpec{
	MimeWebM: {encoder: "libopus", muxer: "webm"},
	MimeMP4:  {encoder: "aac", muxer: "mp4", extra: []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof"}},
	MimeOgg:  {encoder: "libopus", muxer: "ogg"},
	MimeWAV:  {encoder: "pcm_s16le", muxer: "wav"},
	MimeAAC:  {encoder: "aac", muxer: "adts"},
	MimeMP3:  {encoder: "libmp3lame", muxer: "mp3"},
}

// DefaultInput returns the ffmpeg input format and device for the
// platform's default microphone.
func DefaultInput(goos string) (format, device string) {
	switch goos {
	case "linux":
		return "pulse", "default"
	case "darwin":
		return "avfoundation", ":0"
	default:
		return "", ""
	}
}

// FFmpegDevice captures through an ffmpeg child process per recording.
type FFmpegDevice struct {
	opts FFmpegOptions
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewFFmpegDevice creates a device, filling unset options with defaults.
func NewFFmpegDevice(opts FFmpegOptions) *FFmpegDevice {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.InputFormat == "" && opts.InputDevice == "" {
		opts.InputFormat, opts.InputDevice = DefaultInput(runtime.GOOS)
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels == 0 {
		opts.Channels = 1
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 4096
	}
	return &FFmpegDevice{opts: opts, run: runCombined}
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (d *FFmpegDevice) command(args ...string) []string {
	argv := append([]string(nil), d.opts.Wrapper...)
	argv = append(argv, d.opts.Binary, "-hide_banner", "-loglevel", "error", "-nostdin")
	if d.opts.InputFormat != "" {
		argv = append(argv, "-f", d.opts.InputFormat)
	}
	argv = append(argv, d.opts.InputArgs...)
	argv = append(argv, "-i", d.opts.InputDevice)
	return append(argv, args...)
}

// ProbeArgs is the command used to check that the input opens.
func (d *FFmpegDevice) ProbeArgs() []string {
	return d.command("-t", "0.2", "-f", "null", "-")
}

// RecordArgs is the command that records mime to stdout.
func (d *FFmpegDevice) RecordArgs(mime MimeType) ([]string, error) {
	cc, ok := containerCodecs[mime.Base()]
	if !ok {
		return nil, fmt.Errorf("%w: ffmpeg has no mapping for %s", ErrUnsupportedFormat, mime)
	}
	args := []string{
		"-ac", strconv.Itoa(d.opts.Channels),
		"-ar", strconv.Itoa(d.opts.SampleRate),
		"-c:a", cc.encoder,
	}
	args = append(args, cc.extra...)
	args = append(args, "-f", cc.muxer, "pipe:1")
	return d.command(args...), nil
}

// RequestStream checks that ffmpeg exists and the input device opens.
func (d *FFmpegDevice) RequestStream(ctx context.Context) (Stream, error) {
	if d.opts.InputDevice == "" {
		return nil, fmt.Errorf("%w: no input device configured for %s", ErrDeviceAccess, runtime.GOOS)
	}

	probe := d.ProbeArgs()
	if _, err := exec.LookPath(probe[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrDeviceAccess, probe[0], err)
	}

	slog.Debug("Probing capture input", "command", strings.Join(probe, " "))
	out, err := d.run(ctx, probe[0], probe[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceAccess, ctx.Err())
		}
		return nil, fmt.Errorf("%w: cannot open %s input %q: %v: %s",
			ErrDeviceAccess, d.opts.InputFormat, d.opts.InputDevice, err, lastLine(out))
	}

	slog.Info("Capture input ready", "format", d.opts.InputFormat, "device", d.opts.InputDevice)
	return &ffmpegStream{device: d}, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// ffmpegStream holds the validated input. ffmpeg opens the device itself for
// every recording, so there is nothing to release on Close.
type ffmpegStream struct {
	device *FFmpegDevice

	mu     sync.Mutex
	closed bool
}

func (s *ffmpegStream) NewRecorder(mime MimeType) (MediaRecorder, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("capture stream is closed")
	}

	args, err := s.device.RecordArgs(mime)
	if err != nil {
		return nil, err
	}
	return &ffmpegRecorder{
		args:      args,
		env:       s.device.opts.Env,
		chunkSize: s.device.opts.ChunkSize,
		onStart:   s.device.opts.OnStart,
		state:     RecorderInactive,
		data:      make(chan []byte, 16),
	}, nil
}

func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ffmpegRecorder streams one ffmpeg process's stdout as fragments.
type ffmpegRecorder struct {
	args      []string
	env       []string
	chunkSize int
	onStart   func()

	mu       sync.Mutex
	state    RecorderState
	cmd      *exec.Cmd
	stopping bool
	killer   *time.Timer
	data     chan []byte
	stderr   strings.Builder
}

func (r *ffmpegRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("recorder already started")
	}

	slog.Info("Starting FFmpeg", "command", strings.Join(r.args, " "))

	cmd := exec.Command(r.args[0], r.args[1:]...)
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	detachSignals(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	r.cmd = cmd
	r.state = RecorderRecording

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		r.readOutput(stderr)
	}()
	go r.pump(stdout, stderrDone)

	if r.onStart != nil {
		go r.onStart()
	}
	return nil
}

// pump forwards stdout in fragments of at most chunkSize bytes and closes
// the data channel once ffmpeg has exited.
func (r *ffmpegRecorder) pump(stdout io.Reader, stderrDone <-chan struct{}) {
	defer close(r.data)

	buf := make([]byte, r.chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			fragment := make([]byte, n)
			copy(fragment, buf[:n])
			r.data <- fragment
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("FFmpeg stdout read failed", "error", err)
			}
			break
		}
	}

	<-stderrDone
	err := r.cmd.Wait()

	r.mu.Lock()
	r.state = RecorderInactive
	stopping := r.stopping
	if r.killer != nil {
		r.killer.Stop()
	}
	output := r.stderr.String()
	r.mu.Unlock()

	switch {
	case err == nil:
		slog.Debug("FFmpeg exited successfully")
	case stopping && exitedOnSignal(err):
		slog.Debug("FFmpeg exited normally after interrupt signal")
	default:
		slog.Error("FFmpeg process failed", "error", err, "stderr", strings.TrimSpace(output))
	}
}

// readOutput logs ffmpeg's stderr line by line and keeps it for error
// reports.
func (r *ffmpegRecorder) readOutput(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.mu.Lock()
		r.stderr.WriteString(line + "\n")
		r.mu.Unlock()
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)
	}
}

// Stop asks ffmpeg to finish the container. It is killed if it has not
// exited after stopTimeout.
func (r *ffmpegRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.state != RecorderRecording || r.stopping {
		return nil
	}
	r.stopping = true

	proc := r.cmd.Process
	slog.Debug("Sending SIGINT to FFmpeg process")
	if err := proc.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to stop FFmpeg: %w", err)
		}
		return nil
	}

	r.killer = time.AfterFunc(stopTimeout, func() {
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		proc.Kill()
	})
	return nil
}

func (r *ffmpegRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ffmpegRecorder) Data() <-chan []byte {
	return r.data
}

// exitedOnSignal reports whether ffmpeg ended because it was interrupted.
// Exit code 255 is what ffmpeg returns after a graceful SIGINT.
func exitedOnSignal(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

// FFmpegProber answers IsTypeSupported from the encoders compiled into
// ffmpeg. The encoder list is read once.
type FFmpegProber struct {
	binary string
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)

	once     sync.Once
	encoders map[string]bool
}

func NewFFmpegProber(binary string) *FFmpegProber {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegProber{binary: binary, run: runCombined}
}

func (p *FFmpegProber) IsTypeSupported(mime MimeType) bool {
	cc, ok := containerCodecs[mime.Base()]
	if !ok {
		return false
	}
	p.once.Do(p.load)
	return p.encoders[cc.encoder]
}

func (p *FFmpegProber) load() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := p.run(ctx, p.binary, "-hide_banner", "-encoders")
	if err != nil {
		slog.Warn("Could not list FFmpeg encoders", "binary", p.binary, "error", err)
		p.encoders = map[string]bool{}
		return
	}
	p.encoders = parseEncoders(out)
	slog.Debug("FFmpeg audio encoders loaded", "count", len(p.encoders))
}

// parseEncoders extracts audio encoder names from `ffmpeg -encoders`.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inList {
			inList = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "A") {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// parseDeviceSources extracts device names from `ffmpeg -sources <fmt>`.
func parseDeviceSources(out []byte) []string {
	var sources []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "  ") && !strings.HasPrefix(line, "* ") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "* "))
		if i := strings.Index(name, " ["); i >= 0 {
			name = name[:i]
		}
		if name != "" {
			sources = append(sources, name)
		}
	}
	return sources
}
