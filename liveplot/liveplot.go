// Package liveplot follows a lock-in scan as it runs, plotting dT against
// the step index.  It redraws a PNG on disk after every step and can serve
// the same data as an interactive chart over HTTP.
package liveplot

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/delayscan/scan"
)

// Plot collects the rows of a running scan.  It is safe for one scan loop
// to call OnStep while HTTP handlers read.
type Plot struct {
	mu   sync.Mutex
	rows []scan.Row

	// PNG, if not empty, is redrawn after every step
	PNG string

	Log *zap.Logger
}

// New returns a plot redrawing pngPath, which may be empty
func New(pngPath string, log *zap.Logger) *Plot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Plot{PNG: pngPath, Log: log}
}

// OnStep appends row.  index must be the number of rows seen so far; a gap
// or repeat means the plot and the recorder disagree, which is an error.
func (p *Plot) OnStep(index int, row scan.Row) error {
	p.mu.Lock()
	if index != len(p.rows) {
		n := len(p.rows)
		p.mu.Unlock()
		return fmt.Errorf("live plot out of step: got row %d after %d rows", index, n)
	}
	p.rows = append(p.rows, row)
	p.mu.Unlock()

	if p.PNG == "" {
		return nil
	}
	if err := p.Gonum().Save(6*vg.Inch, 4*vg.Inch, p.PNG); err != nil {
		// a failed redraw should not cost the scan
		p.Log.Warn("live plot redraw", zap.String("file", p.PNG), zap.Error(err))
	}
	return nil
}

// Rows returns a copy of the rows seen
func (p *Plot) Rows() []scan.Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scan.Row(nil), p.rows...)
}

// Reset forgets all rows, for reuse by the next scan
func (p *Plot) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = nil
}

// Gonum returns a static plot of dT against step
func (p *Plot) Gonum() *plot.Plot {
	rows := p.Rows()
	pl := plot.New()
	pl.Title.Text = "Live lock-in readings"
	pl.X.Label.Text = "Step"
	pl.Y.Label.Text = "dT [mV]"
	pl.Add(plotter.NewGrid())
	pts := make(plotter.XYs, len(rows))
	for i, r := range rows {
		pts[i] = plotter.XY{X: float64(i), Y: r.DTMV}
	}
	if len(pts) == 0 {
		return pl
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		// only non-finite readings get here
		p.Log.Warn("live plot", zap.Error(err))
		return pl
	}
	pl.Add(line, points)
	return pl
}

// Chart returns an interactive chart of dT against step
func (p *Plot) Chart() *charts.Line {
	rows := p.Rows()
	steps := make([]int, len(rows))
	data := make([]opts.LineData, len(rows))
	for i, r := range rows {
		steps[i] = i
		data[i] = opts.LineData{Value: r.DTMV}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "delayscan live", Width: "1000px", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{Title: "Live lock-in readings", Subtitle: fmt.Sprintf("%d steps", len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "dT [mV]", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(steps).AddSeries("dT", data)
	return line
}

// ServeHTTP renders Chart as a page that reloads itself every two seconds
func (p *Plot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := p.Chart().Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Refresh", "2")
	_, _ = w.Write(buf.Bytes())
}

// ServePNG renders Gonum as a PNG
func (p *Plot) ServePNG(w http.ResponseWriter, r *http.Request) {
	wt, err := p.Gonum().WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}
