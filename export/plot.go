package export

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/delayscan/scan"
)

// PlotSize is the width and height of exported plots
var PlotSize = [2]vg.Length{8 * vg.Inch, 5 * vg.Inch}

// LockInPlot returns a plot of dT, dR and dA in percent of the transmission
// reference against delay
func LockInPlot(res scan.Result) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Pump-probe response"
	if res.PeakIndex >= 0 {
		p.Title.Text += fmt.Sprintf(" (zero delay at %v mm)", res.PeakPositionMM())
	}
	p.X.Label.Text = "Delay [ps]"
	p.Y.Label.Text = "Change [%]"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	series := []struct {
		name string
		y    func(scan.Row) float64
	}{
		{"dT", func(r scan.Row) float64 { return r.DTPct }},
		{"dR", func(r scan.Row) float64 { return r.DRPct }},
		{"dA", func(r scan.Row) float64 { return r.DAPct }},
	}
	for i, s := range series {
		pts := make(plotter.XYs, len(res.Rows))
		for j, r := range res.Rows {
			pts[j] = plotter.XY{X: r.DelayPS, Y: s.y(r)}
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line, points)
		p.Legend.Add(s.name, line, points)
	}
	return p, nil
}

// SavePlot writes LockInPlot to path; the format follows the extension
func SavePlot(path string, res scan.Result) error {
	p, err := LockInPlot(res)
	if err != nil {
		return err
	}
	return p.Save(PlotSize[0], PlotSize[1], path)
}

// WritePlotPNG writes p as a PNG to w
func WritePlotPNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(PlotSize[0], PlotSize[1], "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
