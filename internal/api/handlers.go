package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vision-bridge/internal/command"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/httputil"
	"github.com/banshee-data/vision-bridge/internal/version"
)

const maxHistoryLimit = 1000

// writeCommandError maps validation failures to 400 and everything the
// sensor side reports to 502.
func writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, command.ErrInvalidArgument) {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.BadGateway(w, err.Error())
}

// showDetections serves the latest-value channel. Without a hub it falls
// back to the publisher's own copy.
func (s *Server) showDetections(w http.ResponseWriter, r *http.Request) {
	if s.hub != nil {
		httputil.WriteJSONOK(w, s.hub.OutValue())
		return
	}
	httputil.WriteJSONOK(w, s.source.Publisher().Detections())
}

func (s *Server) showRecognizedObjects(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.source.Publisher().Read().AsMap())
}

type statusResponse struct {
	Connection  string               `json:"connection"`
	NextSeq     uint64               `json:"next_seq"`
	LastSeq     *uint64              `json:"last_seq,omitempty"`
	LastUpdate  *time.Time           `json:"last_update,omitempty"`
	Objects     int                  `json:"objects"`
	Device      detection.DeviceInfo `json:"device"`
	Subscribers int                  `json:"stream_subscribers"`
	Followers   int                  `json:"latest_subscribers"`
	Uptime      string               `json:"uptime"`
	Version     string               `json:"version"`
	GitSHA      string               `json:"git_sha"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	batch := s.source.Publisher().Read()
	resp := statusResponse{
		Connection: s.source.State().String(),
		NextSeq:    s.source.Seq(),
		Objects:    len(batch.Objects),
		Device:     s.device,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Version:    version.Version,
		GitSHA:     version.GitSHA,
	}
	if !batch.Header.Timestamp.IsZero() {
		seq := batch.Header.Seq
		ts := batch.Header.Timestamp
		resp.LastSeq = &seq
		resp.LastUpdate = &ts
	}
	if s.hub != nil {
		resp.Subscribers, resp.Followers = s.hub.Subscribers()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) getCell(w http.ResponseWriter, r *http.Request) {
	cell := r.PathValue("cell")
	value, err := s.commands.GetCell(r.Context(), cell)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"cell": cell, "value": value})
}

// setCellRequest is the body of PUT /api/cells/{cell}. Type is "int",
// "float" or "string".
type setCellRequest struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) setCell(w http.ResponseWriter, r *http.Request) {
	cell := r.PathValue("cell")

	var req setCellRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Value) == 0 {
		httputil.BadRequest(w, "missing value")
		return
	}

	var err error
	switch req.Type {
	case "int":
		var v int
		if err := json.Unmarshal(req.Value, &v); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("value is not an integer: %s", req.Value))
			return
		}
		err = s.commands.SetCellInt(r.Context(), cell, v)
	case "float":
		var v float64
		if err := json.Unmarshal(req.Value, &v); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("value is not a number: %s", req.Value))
			return
		}
		err = s.commands.SetCellFloat(r.Context(), cell, v)
	case "string":
		var v string
		if err := json.Unmarshal(req.Value, &v); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("value is not a string: %s", req.Value))
			return
		}
		err = s.commands.SetCellString(r.Context(), cell, v)
	default:
		httputil.BadRequest(w, fmt.Sprintf("type must be int, float or string, got %q", req.Type))
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) triggerAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.TriggerAcquisition(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("event"))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("event must be a number: %q", r.PathValue("event")))
		return
	}
	if err := s.commands.TriggerEvent(r.Context(), n); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) captureImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.commands.CaptureImage(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.RGBA()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "history is not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("limit must be a positive integer, got %q", v))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.RecentDetections(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read history: %v", err))
		return
	}
	httputil.WriteJSONOK(w, records)
}
