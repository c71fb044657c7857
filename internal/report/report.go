// Package report renders stored test results as a click-pattern chart and a
// Metric,Value CSV.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fixation.watch/internal/actuator"
)

// ErrNoPattern is returned when a report has no per-point clicks to chart.
var ErrNoPattern = errors.New("report has no click pattern")

var (
	detectedColor = color.RGBA{R: 46, G: 160, B: 67, A: 255}
	missedColor   = color.RGBA{R: 207, G: 34, B: 46, A: 255}
	accuracyColor = color.RGBA{R: 9, G: 105, B: 218, A: 255}
)

// ChartSize is the default PNG size.
var ChartSize = struct{ Width, Height vg.Length }{8 * vg.Inch, 4 * vg.Inch}

// pattern returns the clicks for the points actually shown.
func pattern(r actuator.Report) string {
	p := r.ClickPattern
	if r.PointsShown >= 0 && len(p) > r.PointsShown {
		p = p[:r.PointsShown]
	}
	return p
}

// ClickChart plots one bar per shown point, green when it was detected and
// red when it was missed, with the running detection rate as a line.
func ClickChart(r actuator.Report) (*plot.Plot, error) {
	clicks := pattern(r)
	if clicks == "" {
		return nil, ErrNoPattern
	}

	hits := make(plotter.Values, len(clicks))
	misses := make(plotter.Values, len(clicks))
	running := make(plotter.XYs, len(clicks))
	detected := 0
	for i, c := range clicks {
		if c == '1' {
			hits[i] = 1
			detected++
		} else {
			misses[i] = 1
		}
		running[i] = plotter.XY{X: float64(i), Y: float64(detected) / float64(i+1)}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Click pattern (%d of %d detected)", detected, len(clicks))
	p.X.Label.Text = "Point"
	p.Y.Label.Text = "Detected / running rate"
	p.Y.Min, p.Y.Max = 0, 1.05

	width := vg.Points(max(1, 400/float64(len(clicks))))
	hitBars, err := plotter.NewBarChart(hits, width)
	if err != nil {
		return nil, err
	}
	hitBars.Color = detectedColor
	hitBars.LineStyle.Width = 0
	missBars, err := plotter.NewBarChart(misses, width)
	if err != nil {
		return nil, err
	}
	missBars.Color = missedColor
	missBars.LineStyle.Width = 0

	rate, err := plotter.NewLine(running)
	if err != nil {
		return nil, err
	}
	rate.Color = accuracyColor
	rate.Width = vg.Points(1.5)

	p.Add(hitBars, missBars, rate)
	p.Legend.Add("detected", hitBars)
	p.Legend.Add("missed", missBars)
	p.Legend.Add("running rate", rate)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteChartPNG renders ClickChart for r as a PNG of the default size.
func WriteChartPNG(w io.Writer, r actuator.Report) error {
	p, err := ClickChart(r)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(ChartSize.Width, ChartSize.Height, "png")
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteCSV writes the summary as a Metric,Value table.
func WriteCSV(w io.Writer, s actuator.Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Metric", "Value"}); err != nil {
		return err
	}
	for _, row := range s.Rows() {
		if err := cw.Write(row[:]); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename is the download name for a result export, such as
// "test-results-7-20260202-100000.csv".
func Filename(id int64, recorded time.Time, ext string) string {
	return fmt.Sprintf("test-results-%d-%s.%s", id, recorded.UTC().Format("20060102-150405"), ext)
}
