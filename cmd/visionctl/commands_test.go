package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/httputil"
	"github.com/banshee-data/vision-bridge/internal/rpc"
	"github.com/banshee-data/vision-bridge/internal/state"
)

type seenRequest struct {
	method, path, body string
}

type requestLog struct {
	mu   sync.Mutex
	reqs []seenRequest
}

func (l *requestLog) all() []seenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]seenRequest(nil), l.reqs...)
}

// fakeBridge answers the bridge API routes with canned data and records
// every request.
func fakeBridge(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		seen.reqs = append(seen.reqs, seenRequest{r.Method, r.URL.RequestURI(), string(b)})
		seen.mu.Unlock()
	}
	mux.HandleFunc("GET /api/detections", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		httputil.WriteJSONOK(w, detection.Set{
			"OBJ2": {Name: "OBJ2", X: -0.5, Y: 0.25, Angle: 90, Confidence: 0.8, Detected: true},
			"OBJ1": {Name: "OBJ1", X: 0.01, Y: 0.02, Angle: 0, Confidence: 0.95, Detected: true},
		})
	})
	mux.HandleFunc("GET /api/cells/{cell}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.PathValue("cell") == "bad" {
			httputil.BadRequest(w, "invalid argument: cell \"bad\"")
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"cell": r.PathValue("cell"), "value": "42"})
	})
	mux.HandleFunc("PUT /api/cells/{cell}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/trigger", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/trigger/{event}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/image", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = w.Write([]byte(`[{"seq":9,"captured_at":"2025-01-02T03:04:05Z","objects":[{"name":"B"},{"name":"A"}]}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seen
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestDetections(t *testing.T) {
	srv, _ := fakeBridge(t)

	out, err := execute(t, "--addr", srv.URL, "detections")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)OBJ1 .*0\.0100 .*0\.0200.*\nOBJ2 .*-0\.5000`, out)
}

func TestGetCell(t *testing.T) {
	srv, seen := fakeBridge(t)

	out, err := execute(t, "--addr", srv.URL, "get-cell", "A005")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
	assert.Equal(t, "/api/cells/A005", seen.all()[0].path)

	_, err = execute(t, "--addr", srv.URL, "get-cell", "bad")
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestSetCell(t *testing.T) {
	srv, seen := fakeBridge(t)

	_, err := execute(t, "--addr", srv.URL, "set-cell", "B010", "1.5", "--type", "float")
	require.NoError(t, err)
	require.Len(t, seen.all(), 1)
	assert.Equal(t, http.MethodPut, seen.all()[0].method)
	assert.JSONEq(t, `{"type":"float","value":1.5}`, seen.all()[0].body)

	_, err = execute(t, "--addr", srv.URL, "set-cell", "B010", "abc", "--type", "int")
	assert.Error(t, err)
	_, err = execute(t, "--addr", srv.URL, "set-cell", "B010", "1", "--type", "bool")
	assert.ErrorContains(t, err, "unknown type")
	assert.Len(t, seen.all(), 1)
}

func TestTriggerCommands(t *testing.T) {
	srv, seen := fakeBridge(t)

	_, err := execute(t, "--addr", srv.URL, "trigger")
	require.NoError(t, err)
	_, err = execute(t, "--addr", srv.URL, "trigger-event", "4")
	require.NoError(t, err)
	_, err = execute(t, "--addr", srv.URL, "trigger-event", "four")
	assert.Error(t, err)

	require.Len(t, seen.all(), 2)
	assert.Equal(t, "/api/trigger", seen.all()[0].path)
	assert.Equal(t, "/api/trigger/4", seen.all()[1].path)
}

func TestCapture(t *testing.T) {
	srv, _ := fakeBridge(t)
	path := filepath.Join(t.TempDir(), "frame.png")

	_, err := execute(t, "--addr", srv.URL, "capture", "-o", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))
}

func TestHistory(t *testing.T) {
	srv, seen := fakeBridge(t)

	out, err := execute(t, "--addr", srv.URL, "history", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "[A B]")
	assert.Equal(t, "/api/history?limit=5", seen.all()[0].path)
}

func TestWatch(t *testing.T) {
	pub := state.NewPublisher()
	hub := state.NewHub()
	pub.Attach(hub, hub)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	rpc.NewServer(pub, hub, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	go func() {
		// publish until the watcher has subscribed and received enough
		for i := uint64(0); i < 200; i++ {
			if n, _ := hub.Subscribers(); n > 0 {
				pub.Publish(detection.RecognizedObjects{
					Header:  detection.Header{Seq: i},
					Objects: []detection.RecognizedObject{{Name: "OBJ1", Confidence: 1}},
				}, detection.Set{"OBJ1": {Name: "OBJ1", Confidence: 1, Detected: true}})
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := execute(t, "--grpc", lis.Addr().String(), "watch", "--count", "2")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	assert.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"name":"OBJ1"`)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "visionctl version dev")
}
