package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/coinsorter/internal/httputil"
	"github.com/banshee-data/coinsorter/internal/metrics"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// confidenceChart renders the distribution of classification confidence
// since start. Debugging only.
func (s *Server) confidenceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	dist := s.sorter.Recorder().ConfidenceDistribution()
	st := s.sorter.Status()

	x := make([]string, metrics.ConfidenceBins)
	y := make([]opts.BarData, metrics.ConfidenceBins)
	total := 0
	for i, n := range dist {
		lo := float64(i) / metrics.ConfidenceBins
		x[i] = fmt.Sprintf("%.1f-%.1f", lo, lo+1.0/metrics.ConfidenceBins)
		y[i] = opts.BarData{Value: n}
		total += n
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Classification confidence", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Classification confidence",
			Subtitle: fmt.Sprintf("%d results, profile set v%d, %s", total, st.ProfileVersion, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "confidence", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "coins"}),
	)
	bar.SetXAxis(x).
		AddSeries("results", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
