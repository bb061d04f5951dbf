package main

import (
	"fmt"
	"image/color"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/vision-bridge/internal/detection"
)

// trackPlot collects object positions across a replay, one series per
// object name.
type trackPlot struct {
	points map[string]plotter.XYs
}

func newTrackPlot() *trackPlot {
	return &trackPlot{points: map[string]plotter.XYs{}}
}

func (p *trackPlot) add(set detection.Set) {
	for name, o := range set {
		p.points[name] = append(p.points[name], plotter.XY{X: o.X, Y: o.Y})
	}
}

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
	color.RGBA{R: 140, G: 86, B: 75, A: 255},
}

// save writes the scatter plot to path; the format follows the extension.
func (p *trackPlot) save(path, title string) error {
	pl := plot.New()
	pl.Title.Text = title
	pl.X.Label.Text = "X (m)"
	pl.Y.Label.Text = "Y (m)"
	pl.Add(plotter.NewGrid())

	names := make([]string, 0, len(p.points))
	for name := range p.points {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		s, err := plotter.NewScatter(p.points[name])
		if err != nil {
			return fmt.Errorf("scatter %s: %w", name, err)
		}
		s.GlyphStyle.Color = palette[i%len(palette)]
		s.GlyphStyle.Radius = vg.Points(2)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		pl.Add(s)
		pl.Legend.Add(name, s)
	}
	pl.Legend.Top = true

	if err := pl.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
