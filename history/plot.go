package history

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotCurves renders the loss and accuracy curves of entries to path. The image format follows
// the file extension (png, svg, pdf, ...).
func PlotCurves(entries []Entry, title, path string) error {
	if len(entries) == 0 {
		return errors.New("no history to plot")
	}

	series := []struct {
		name  string
		value func(Entry) (float64, bool)
	}{
		{"loss", func(e Entry) (float64, bool) { return e.Loss, true }},
		{"acc", func(e Entry) (float64, bool) { return e.Accuracy, true }},
		{"val_loss", func(e Entry) (float64, bool) { return deref(e.ValLoss) }},
		{"val_acc", func(e Entry) (float64, bool) { return deref(e.ValAccuracy) }},
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	for i, s := range series {
		pts := make(plotter.XYs, 0, len(entries))
		for _, e := range entries {
			if v, ok := s.value(e); ok {
				pts = append(pts, plotter.XY{X: float64(e.Epoch), Y: v})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s", s.name)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot %s", path)
	}
	return nil
}

func deref(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
