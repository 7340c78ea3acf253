package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/audiotrans/internal/audio"
	"github.com/audiolibrelab/audiotrans/internal/config"
	"github.com/audiolibrelab/audiotrans/internal/metrics"
	"github.com/audiolibrelab/audiotrans/internal/service"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

// Controller is the part of the service the HTTP API drives.
type Controller interface {
	StartRecording(ctx context.Context) (*audio.SessionInfo, error)
	StopRecording(ctx context.Context) (*service.SavedRecording, error)
	Status() service.Status
	LatestRecording() (*service.SavedRecording, error)
	Transcribe(ctx context.Context) (*transcript.Data, error)
	Transcript() *transcript.Data
	Export(format string) ([]byte, string, error)
	metrics.StatsSource
}

// Server exposes recording and transcription control over HTTP.
type Server struct {
	ctl            Controller
	cfg            config.ServerConfig
	engine         *gin.Engine
	upgrader       websocket.Upgrader
	statusInterval time.Duration
	stopTimeout    time.Duration
}

// RecordingResponse describes a finalized recording.
type RecordingResponse struct {
	Path       string         `json:"path,omitempty"`
	FileName   string         `json:"file_name,omitempty"`
	MimeType   audio.MimeType `json:"mime_type"`
	Bytes      int            `json:"bytes"`
	DurationMs int64          `json:"duration_ms"`
	Repaired   bool           `json:"repaired"`
	StartedAt  time.Time      `json:"started_at"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New builds the gin engine and routes.
func New(ctl Controller, cfg config.ServerConfig) *Server {
	s := &Server{
		ctl:            ctl,
		cfg:            cfg,
		statusInterval: time.Second,
		stopTimeout:    30 * time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), metrics.GinMiddleware())
	if c, ok := corsConfig(cfg.AllowedOrigins); ok {
		engine.Use(cors.New(c))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(ctl))
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, registry}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	{
		api.POST("/record/start", s.handleStartRecording)
		api.POST("/record/stop", s.handleStopRecording)
		api.GET("/status", s.handleStatus)
		api.GET("/status/stream", s.handleStatusStream)
		api.GET("/recordings/latest", s.handleLatestRecording)
		api.POST("/transcribe", s.handleTranscribe)
		api.GET("/transcript", s.handleTranscript)
		api.GET("/transcript/export", s.handleExport)
	}

	s.engine = engine
	return s
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the listen address from configuration.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting AudioTrans server", "addr", srv.Addr, "url", fmt.Sprintf("http://%s", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	info, err := s.ctl.StartRecording(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start_recording")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Recording started",
		"session": info,
	})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.stopTimeout)
	defer cancel()

	saved, err := s.ctl.StopRecording(ctx)
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to stop recording: %v", err), "operation", "stop_recording")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Recording stopped",
		"recording": recordingResponse(saved),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status())
}

// handleStatusStream pushes the status once per interval over a websocket
// until the client goes away.
func (s *Server) handleStatusStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("Status stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.ctl.Status()); err != nil {
			slog.Debug("Status stream closed", "error", err)
			return
		}
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleLatestRecording(c *gin.Context) {
	saved, err := s.ctl.LatestRecording()
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), "No recordings found", "operation", "latest_recording")
		return
	}

	name := filepath.Base(saved.Path)
	if saved.Path == "" {
		name = "recording." + saved.MimeType.Extension()
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	c.Header("X-Recording-Duration-Ms", strconv.FormatInt(saved.DurationMillis(), 10))
	c.Data(http.StatusOK, string(saved.MimeType), saved.Data)
}

func (s *Server) handleTranscribe(c *gin.Context) {
	data, err := s.ctl.Transcribe(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Transcription failed: %v", err), "operation", "transcribe")
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) handleTranscript(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Transcript())
}

func (s *Server) handleExport(c *gin.Context) {
	format := c.DefaultQuery("format", "txt")

	data, name, err := s.ctl.Export(format)
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), err.Error(), "operation", "export", "format", format)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if strings.HasSuffix(name, ".json") {
		contentType = "application/json"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, contentType, data)
}

func recordingResponse(saved *service.SavedRecording) RecordingResponse {
	resp := RecordingResponse{
		Path:       saved.Path,
		MimeType:   saved.MimeType,
		Bytes:      len(saved.Data),
		DurationMs: saved.DurationMillis(),
		Repaired:   saved.Repaired,
		StartedAt:  saved.StartedAt,
	}
	if saved.Path != "" {
		resp.FileName = filepath.Base(saved.Path)
	}
	return resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, audio.ErrDeviceAccess):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotRecording), errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoRecording), errors.Is(err, service.ErrNoTranscript):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	c.AbortWithStatusJSON(statusCode, GenericResponse{Success: false, Error: errorMsg})
}

// checkOrigin accepts same-host websocket clients plus the configured CORS
// origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}

	c := cors.DefaultConfig()
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.ExposeHeaders = []string{"Content-Disposition", "X-Recording-Duration-Ms"}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c, true
		}
	}
	c.AllowOrigins = origins
	return c, true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
