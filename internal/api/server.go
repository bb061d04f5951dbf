// Package api serves the bridge's detection state, command channel and
// debug views over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/vision-bridge/internal/command"
	"github.com/banshee-data/vision-bridge/internal/db"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/link"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/state"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Source is the running bridge.
type Source interface {
	Publisher() *state.Publisher
	State() link.ConnectionState
	Seq() uint64
}

// Commander issues device commands. *command.Facade implements it.
type Commander interface {
	GetCell(ctx context.Context, cell string) (string, error)
	SetCellInt(ctx context.Context, cell string, value int) error
	SetCellFloat(ctx context.Context, cell string, value float64) error
	SetCellString(ctx context.Context, cell, value string) error
	TriggerAcquisition(ctx context.Context) error
	TriggerEvent(ctx context.Context, n int) error
	CaptureImage(ctx context.Context) (*command.Image, error)
}

// History serves stored batches. *db.DB implements it.
type History interface {
	RecentDetections(ctx context.Context, limit int) ([]db.HistoryRecord, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables /api/history.
func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithDevice reports the device identity in /api/status.
func WithDevice(d detection.DeviceInfo) Option {
	return func(s *Server) {
		s.device = d
	}
}

type Server struct {
	source   Source
	commands Commander
	hub      *state.Hub
	history  History
	gatherer prometheus.Gatherer
	device   detection.DeviceInfo
	started  time.Time
}

// NewServer returns a Server. hub feeds /api/detections and the SSE streams.
func NewServer(source Source, commands Commander, hub *state.Hub, opts ...Option) *Server {
	s := &Server{
		source:   source,
		commands: commands,
		hub:      hub,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Debug routes are added separately with
// AttachAdminRoutes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/detections", s.showDetections)
	mux.HandleFunc("GET /api/recognized-objects", s.showRecognizedObjects)
	mux.HandleFunc("GET /api/detections/stream", s.streamDetections)
	mux.HandleFunc("GET /api/detections/latest", s.streamLatest)
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/cells/{cell}", s.getCell)
	mux.HandleFunc("PUT /api/cells/{cell}", s.setCell)
	mux.HandleFunc("POST /api/trigger", s.triggerAcquisition)
	mux.HandleFunc("POST /api/trigger/{event}", s.triggerEvent)
	mux.HandleFunc("GET /api/image", s.captureImage)
	mux.HandleFunc("GET /api/history", s.listHistory)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
