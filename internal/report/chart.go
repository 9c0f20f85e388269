package report

import (
	"bytes"
	"fmt"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// BucketDepartures counts events per whole-second bucket across duration.
func BucketDepartures(departures []float64, duration float64) []int {
	n := int(math.Ceil(duration))
	if n < 1 {
		n = 1
	}
	buckets := make([]int, n)
	for _, ts := range departures {
		i := int(ts)
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		buckets[i]++
	}
	return buckets
}

// TimelineHTML renders an interactive bar chart of departures per second.
func TimelineHTML(key string, departures []float64, duration float64) ([]byte, error) {
	buckets := BucketDepartures(departures, duration)
	x := make([]string, len(buckets))
	y := make([]opts.BarData, len(buckets))
	for i, c := range buckets {
		x[i] = fmt.Sprintf("%ds", i)
		y[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lane departures", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Lane departures", Subtitle: fmt.Sprintf("%s events=%d duration=%.1fs", key, len(departures), duration)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Events", MinInterval: 1}),
	)
	bar.SetXAxis(x).AddSeries("departures", y)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		return nil, fmt.Errorf("render error: %w", err)
	}
	return buf.Bytes(), nil
}
