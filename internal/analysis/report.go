package analysis

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoDeviations is returned by the report writers for an empty scan.
var ErrNoDeviations = errors.New("no deviations to report")

// DefaultHistogramBins is the bin count used by both report formats.
const DefaultHistogramBins = 40

// Histogram bins d into equal-width bins spanning [min, max]. It returns
// bins+1 edges and bins counts.
func Histogram(d []float64, bins int) (edges, counts []float64) {
	if len(d) == 0 || bins <= 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), d...)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		hi = lo + 1
	}
	edges = make([]float64, bins+1)
	floats.Span(edges, lo, hi)
	// stat.Histogram treats the last divider as exclusive.
	edges[bins] = math.Nextafter(hi, math.Inf(1))
	counts = stat.Histogram(nil, edges, sorted, nil)
	return edges, counts
}

// WriteHistogramPNG renders a deviation histogram with the tolerance marked.
func WriteHistogramPNG(w io.Writer, d []float64, tolerance float64) error {
	if len(d) == 0 {
		return ErrNoDeviations
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Deviation (%d points)", len(d))
	p.X.Label.Text = "Distance to reference"
	p.Y.Label.Text = "Points"

	h, err := plotter.NewHist(plotter.Values(d), DefaultHistogramBins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	h.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	p.Add(h)

	var peak float64
	for _, b := range h.Bins {
		peak = math.Max(peak, b.Weight)
	}
	tol, err := plotter.NewLine(plotter.XYs{{X: tolerance, Y: 0}, {X: tolerance, Y: peak}})
	if err != nil {
		return fmt.Errorf("failed to build tolerance marker: %w", err)
	}
	tol.Color = color.RGBA{R: 220, G: 20, B: 60, A: 255}
	tol.Width = vg.Points(1.5)
	p.Add(tol)
	p.Legend.Add("tolerance", tol)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render histogram: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write histogram: %w", err)
	}
	return nil
}

// WriteHTMLReport writes a self-contained page with the summary metrics and
// an interactive deviation histogram.
func WriteHTMLReport(w io.Writer, title string, m Metrics, d []float64) error {
	if len(d) == 0 {
		return ErrNoDeviations
	}
	edges, counts := Histogram(d, DefaultHistogramBins)

	labels := make([]string, len(counts))
	data := make([]opts.BarData, len(counts))
	for i, c := range counts {
		labels[i] = fmt.Sprintf("%.4g", (edges[i]+edges[i+1])/2)
		data[i] = opts.BarData{Value: c}
	}

	hist := charts.NewBar()
	hist.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title: title,
			Subtitle: fmt.Sprintf("points=%d mean=%.4g max=%.4g rmse=%.4g within %.4g: %.1f%%",
				m.PointCount, m.Mean, m.Max, m.RMSE, m.Tolerance, m.PercentWithinTolerance),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Deviation", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Points"}),
	)
	hist.SetXAxis(labels).AddSeries("deviation", data)

	summary := charts.NewBar()
	summary.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Summary"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	summary.SetXAxis([]string{"Min", "Mean", "Std", "RMSE", "Max"}).
		AddSeries("metrics", []opts.BarData{
			{Value: m.Min}, {Value: m.Mean}, {Value: m.StdDev}, {Value: m.RMSE}, {Value: m.Max},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.AddCharts(hist, summary)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}
