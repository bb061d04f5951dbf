package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision-bridge/internal/command"
	"github.com/banshee-data/vision-bridge/internal/db"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/link"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/state"
)

type fakeSource struct {
	pub *state.Publisher
}

func (f *fakeSource) Publisher() *state.Publisher { return f.pub }
func (f *fakeSource) State() link.ConnectionState { return link.Connected }
func (f *fakeSource) Seq() uint64                 { return 7 }

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	value string
	image *command.Image
	err   error
}

func (c *fakeCommander) record(format string, v ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, v...))
	return c.err
}

func (c *fakeCommander) GetCell(_ context.Context, cell string) (string, error) {
	if err := c.record("get %s", cell); err != nil {
		return "", err
	}
	return c.value, nil
}

func (c *fakeCommander) SetCellInt(_ context.Context, cell string, v int) error {
	return c.record("int %s %d", cell, v)
}

func (c *fakeCommander) SetCellFloat(_ context.Context, cell string, v float64) error {
	return c.record("float %s %g", cell, v)
}

func (c *fakeCommander) SetCellString(_ context.Context, cell, v string) error {
	return c.record("string %s %s", cell, v)
}

func (c *fakeCommander) TriggerAcquisition(context.Context) error {
	return c.record("trigger")
}

func (c *fakeCommander) TriggerEvent(_ context.Context, n int) error {
	return c.record("event %d", n)
}

func (c *fakeCommander) CaptureImage(context.Context) (*command.Image, error) {
	if err := c.record("image"); err != nil {
		return nil, err
	}
	return c.image, nil
}

type fakeHistory struct {
	records []db.HistoryRecord
	limit   int
}

func (h *fakeHistory) RecentDetections(_ context.Context, limit int) ([]db.HistoryRecord, error) {
	h.limit = limit
	return h.records, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeCommander, *state.Publisher, *state.Hub) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	pub := state.NewPublisher()
	hub := state.NewHub()
	pub.Attach(hub, hub)
	cmds := &fakeCommander{}
	return NewServer(&fakeSource{pub: pub}, cmds, hub, opts...), cmds, pub, hub
}

func publishOne(pub *state.Publisher, seq uint64) {
	batch := detection.RecognizedObjects{
		Header: detection.Header{Seq: seq, Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		Objects: []detection.RecognizedObject{{
			Name:       "OBJ1",
			Pose:       detection.PoseWithCovariance{Pose: detection.PlanarPose(0.01, 0.02, 0)},
			Confidence: 0.95,
		}},
	}
	set := detection.Set{"OBJ1": {Name: "OBJ1", X: 0.01, Y: 0.02, Confidence: 0.95, Detected: true}}
	pub.Publish(batch, set)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDetections_EmptyBeforeFirstRecord(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	mux := s.ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/detections", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/recognized-objects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []interface{}{}, body["recognized_objects"])
}

func TestDetections_AfterPublish(t *testing.T) {
	s, _, pub, _ := newTestServer(t)
	publishOne(pub, 3)
	mux := s.ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/detections", "")
	assert.JSONEq(t, `{"OBJ1":{"name":"OBJ1","x":0.01,"y":0.02,"angle":0,"confidence":0.95,"detected":true}}`, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/recognized-objects", "")
	var body struct {
		Header struct {
			Seq float64 `json:"seq"`
		} `json:"header"`
		Objects []map[string]interface{} `json:"recognized_objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body.Header.Seq)
	require.Len(t, body.Objects, 1)
	assert.Equal(t, "OBJ1", body.Objects[0]["name"])
}

func TestStatus(t *testing.T) {
	s, _, pub, _ := newTestServer(t, WithDevice(detection.DeviceInfo{Name: "cam-1"}))
	mux := s.ServeMux()

	var resp statusResponse
	rec := do(t, mux, http.MethodGet, "/api/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "connected", resp.Connection)
	assert.Equal(t, uint64(7), resp.NextSeq)
	assert.Nil(t, resp.LastSeq)
	assert.Equal(t, "cam-1", resp.Device.Name)

	publishOne(pub, 6)
	rec = do(t, mux, http.MethodGet, "/api/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.LastSeq)
	assert.Equal(t, uint64(6), *resp.LastSeq)
	assert.Equal(t, 1, resp.Objects)
}

func TestCells(t *testing.T) {
	s, cmds, _, _ := newTestServer(t)
	cmds.value = "12.5"
	mux := s.ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/cells/A005", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cell":"A005","value":"12.5"}`, rec.Body.String())

	for _, body := range []string{
		`{"type":"int","value":42}`,
		`{"type":"float","value":1.25}`,
		`{"type":"string","value":"hello"}`,
	} {
		rec = do(t, mux, http.MethodPut, "/api/cells/B010", body)
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}

	assert.Equal(t, []string{"get A005", "int B010 42", "float B010 1.25", "string B010 hello"}, cmds.calls)
}

func TestSetCell_BadRequests(t *testing.T) {
	s, cmds, _, _ := newTestServer(t)
	mux := s.ServeMux()

	for _, body := range []string{
		`not json`,
		`{"type":"int"}`,
		`{"type":"int","value":1.5}`,
		`{"type":"float","value":"x"}`,
		`{"type":"string","value":3}`,
		`{"type":"bool","value":true}`,
	} {
		rec := do(t, mux, http.MethodPut, "/api/cells/B010", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, cmds.calls)
}

func TestCommandErrorMapping(t *testing.T) {
	s, cmds, _, _ := newTestServer(t)
	mux := s.ServeMux()

	cmds.err = fmt.Errorf("%w: cell %q", command.ErrInvalidArgument, "a1")
	rec := do(t, mux, http.MethodGet, "/api/cells/a1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid argument")

	cmds.err = errors.New("native SW8: status -2")
	rec = do(t, mux, http.MethodPost, "/api/trigger", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "status -2")
}

func TestTrigger(t *testing.T) {
	s, cmds, _, _ := newTestServer(t)
	mux := s.ServeMux()

	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/trigger", "").Code)
	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/trigger/3", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/trigger/x", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodGet, "/api/trigger", "").Code)
	assert.Equal(t, []string{"trigger", "event 3"}, cmds.calls)
}

func TestImage(t *testing.T) {
	s, cmds, _, _ := newTestServer(t)
	cmds.image = &command.Image{Width: 2, Height: 1, Encoding: command.EncodingRGB8, Step: 6, Data: []byte{255, 0, 0, 0, 0, 255}}

	rec := do(t, s.ServeMux(), http.MethodGet, "/api/image", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	r, g, b, _ := img.At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xffff}, []uint32{r, g, b})
}

func TestHistory(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s.ServeMux(), http.MethodGet, "/api/history", "").Code)

	hist := &fakeHistory{records: []db.HistoryRecord{{ID: 1, Seq: 4, Device: "cam-1", Objects: []detection.DetectedObject{}}}}
	s, _, _, _ = newTestServer(t, WithHistory(hist))
	mux := s.ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/history?limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, hist.limit)
	assert.Contains(t, rec.Body.String(), `"seq":4`)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/api/history?limit=-1", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.RecordParsed()

	s, _, _, _ := newTestServer(t, WithGatherer(reg))
	rec := do(t, s.ServeMux(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visionbridge_parser_records_parsed_total 1")
}

func TestDetectionsPlot(t *testing.T) {
	s, _, pub, _ := newTestServer(t)
	publishOne(pub, 1)

	rec := httptest.NewRecorder()
	s.handleDetectionsPlot(rec, httptest.NewRequest(http.MethodGet, "/debug/detections-plot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Current detections")
}

func TestStream(t *testing.T) {
	s, _, pub, hub := newTestServer(t)
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/detections/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		n, _ := hub.Subscribers()
		return n == 1
	}, 2*time.Second, time.Millisecond)
	publishOne(pub, 11)

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data)
	assert.Contains(t, data, `"seq":11`)
	assert.Contains(t, data, `"name":"OBJ1"`)
}

func TestDetections_WithoutHubReadsPublisher(t *testing.T) {
	pub := state.NewPublisher()
	publishOne(pub, 1)
	s := NewServer(&fakeSource{pub: pub}, &fakeCommander{}, nil)

	rec := do(t, s.ServeMux(), http.MethodGet, "/api/detections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"OBJ1"`)
}

func TestDetections_ServedFromLatestValue(t *testing.T) {
	s, _, pub, hub := newTestServer(t)
	publishOne(pub, 1)

	// the hub's value is what goes out, not the publisher's snapshot
	hub.SetOutValue(detection.Set{"OBJ9": {Name: "OBJ9", Confidence: 1, Detected: true}})

	rec := do(t, s.ServeMux(), http.MethodGet, "/api/detections", "")
	assert.Contains(t, rec.Body.String(), `"OBJ9"`)
	assert.NotContains(t, rec.Body.String(), `"OBJ1"`)
}

func TestStreamLatest(t *testing.T) {
	s, _, pub, hub := newTestServer(t)
	publishOne(pub, 4)
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/detections/latest", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	nextData := func() string {
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
		return ""
	}

	// current value first
	assert.Contains(t, nextData(), `"OBJ1"`)

	require.Eventually(t, func() bool {
		_, n := hub.Subscribers()
		return n == 1
	}, 2*time.Second, time.Millisecond)
	pub.Publish(detection.RecognizedObjects{Header: detection.Header{Seq: 5}},
		detection.Set{"OBJ2": {Name: "OBJ2", Confidence: 1, Detected: true}})

	data := nextData()
	assert.Contains(t, data, `"OBJ2"`)
	assert.NotContains(t, data, `"OBJ1"`)
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := do(t, h, http.MethodGet, "/api/status?x=1", "")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "418")
	assert.Contains(t, lines[0], "/api/status?x=1")
}
