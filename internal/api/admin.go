package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vision-bridge/internal/httputil"
)

// AttachAdminRoutes adds the debug views under /debug/ on mux. These routes
// are meant for localhost or tailnet access only.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("detections-plot", "Scatter plot of the current detections", s.handleDetectionsPlot)
	debug.HandleFunc("history-plot", "Scatter plot of recent detection history", s.handleHistoryPlot)
}

func scatterChart(title, subtitle string, pad float64) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	return scatter
}

// plotPad returns a symmetric axis bound that fits every point.
func plotPad(maxAbs float64) float64 {
	if maxAbs < 0.1 {
		return 0.1
	}
	return math.Ceil(maxAbs*11) / 10
}

func writeChart(w http.ResponseWriter, scatter *charts.Scatter) {
	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleDetectionsPlot(w http.ResponseWriter, r *http.Request) {
	batch, set := s.source.Publisher().Snapshot()

	maxAbs := 0.0
	data := make([]opts.ScatterData, 0, len(set))
	for _, name := range set.Names() {
		o := set[name]
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(o.X), math.Abs(o.Y)))
		data = append(data, opts.ScatterData{Name: name, Value: []interface{}{o.X, o.Y, o.Angle, o.Confidence}})
	}

	scatter := scatterChart("Current detections",
		fmt.Sprintf("seq=%d objects=%d", batch.Header.Seq, len(data)), plotPad(maxAbs))
	scatter.AddSeries("detections", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	writeChart(w, scatter)
}

func (s *Server) handleHistoryPlot(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "history is not enabled")
		return
	}
	limit := 500
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxHistoryLimit)
	}
	records, err := s.history.RecentDetections(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read history: %v", err))
		return
	}

	// one series per object name
	series := map[string][]opts.ScatterData{}
	var names []string
	maxAbs := 0.0
	for _, rec := range records {
		for _, o := range rec.Objects {
			if _, ok := series[o.Name]; !ok {
				names = append(names, o.Name)
			}
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(o.X), math.Abs(o.Y)))
			series[o.Name] = append(series[o.Name], opts.ScatterData{Value: []interface{}{o.X, o.Y, rec.Seq}})
		}
	}

	scatter := scatterChart("Detection history",
		fmt.Sprintf("records=%d objects=%d", len(records), len(names)), plotPad(maxAbs))
	for _, name := range names {
		scatter.AddSeries(name, series[name], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	writeChart(w, scatter)
}
