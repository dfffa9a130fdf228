package dispatch

import "time"

var testDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// makeSeries builds an hourly series starting at testDay
func makeSeries(prices ...float64) []PricePoint {
	series := make([]PricePoint, len(prices))
	for i, v := range prices {
		start := testDay.Add(time.Duration(i) * time.Hour)
		series[i] = PricePoint{Start: start, End: start.Add(time.Hour), Value: v}
	}
	return series
}

func ptr[T any](v T) *T {
	return &v
}

func actions(s Schedule) []Action {
	out := make([]Action, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Action
	}
	return out
}

func socs(s Schedule) []float64 {
	out := make([]float64, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.EstimatedSoC
	}
	return out
}
