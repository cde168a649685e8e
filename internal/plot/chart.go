// Package plot renders the per-epoch metrics chart.
package plot

import (
	"os"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"vitforge/internal/errkind"
	"vitforge/internal/metrics"
)

const (
	width  = 6 * vg.Inch
	height = 8 * vg.Inch
)

// SaveHistory writes a PNG with training loss per epoch on top and
// evaluation accuracy per epoch below.
func SaveHistory(entries []metrics.EpochMetrics, path string) error {
	if len(entries) == 0 {
		return errkind.Configf("no epochs to plot")
	}
	loss := make(plotter.XYs, len(entries))
	acc := make(plotter.XYs, len(entries))
	for i, e := range entries {
		loss[i] = plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss}
		acc[i] = plotter.XY{X: float64(e.Epoch), Y: e.Accuracy}
	}

	top, err := panel("Training loss", "loss", loss)
	if err != nil {
		return err
	}
	bottom, err := panel("Evaluation accuracy", "accuracy (%)", acc)
	if err != nil {
		return err
	}
	bottom.Y.Min, bottom.Y.Max = 0, 100

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
		PadY:      vg.Millimeter * 4,
	}
	plots := [][]*gplot.Plot{{top}, {bottom}}
	canvases := gplot.Align(plots, tiles, dc)
	for r := range plots {
		plots[r][0].Draw(canvases[r][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return errkind.Resourcef("create plot: %v", err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return errkind.Resourcef("write plot %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return errkind.Resourcef("write plot %s: %v", path, err)
	}
	return nil
}

func panel(title, ylabel string, xys plotter.XYs) (*gplot.Plot, error) {
	p := gplot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return nil, errkind.Numericalf("%s: %v", title, err)
	}
	p.Add(line, points)
	return p, nil
}
