package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PricePoint is one hour of the price curve
type PricePoint struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
	Value float64   `json:"value" yaml:"value"`
}

// ErrInvalidSeries is returned when a price series is not hourly and gap-free
var ErrInvalidSeries = errors.New("price series is not hourly and contiguous")

// ValidateSeries checks that every point covers exactly one hour and starts
// where the previous one ended.
func ValidateSeries(prices []PricePoint) error {
	for i, p := range prices {
		if p.End.Sub(p.Start) != time.Hour {
			return fmt.Errorf("%w: point %d spans %v", ErrInvalidSeries, i, p.End.Sub(p.Start))
		}
		if i > 0 && !p.Start.Equal(prices[i-1].End) {
			return fmt.Errorf("%w: gap before point %d at %s", ErrInvalidSeries, i, p.Start.Format(time.RFC3339))
		}
	}
	return nil
}

// values returns the bare price values in series order
func values(prices []PricePoint) []float64 {
	out := make([]float64, len(prices))
	for i, p := range prices {
		out[i] = p.Value
	}
	return out
}

// nordpoolRaw is one element of the Nord Pool sensor's raw_today/raw_tomorrow attribute
type nordpoolRaw struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value *float64  `json:"value"`
}

// ParseNordpool builds an hourly series from the raw_today and raw_tomorrow
// attributes of a Nord Pool sensor. Either payload may be empty. Sub-hourly
// feeds are averaged into hours. Elements with a null value end the series,
// since the engine cannot plan across a hole.
func ParseNordpool(rawToday, rawTomorrow []byte) ([]PricePoint, error) {
	var raw []nordpoolRaw
	for _, payload := range [][]byte{rawToday, rawTomorrow} {
		if len(payload) == 0 {
			continue
		}
		var part []nordpoolRaw
		if err := json.Unmarshal(payload, &part); err != nil {
			return nil, fmt.Errorf("decoding nordpool attribute: %w", err)
		}
		raw = append(raw, part...)
	}

	var out []PricePoint
	var sum float64
	var count int
	var covered time.Duration
	var hourStart time.Time

	flush := func() {
		// Only emit hours the feed fully covers
		if count > 0 && covered == time.Hour {
			out = append(out, PricePoint{
				Start: hourStart,
				End:   hourStart.Add(time.Hour),
				Value: sum / float64(count),
			})
		}
		sum, count, covered = 0, 0, 0
	}

	for _, r := range raw {
		if r.Value == nil {
			break
		}
		start := r.Start.Truncate(time.Hour)
		if count > 0 && !start.Equal(hourStart) {
			flush()
		}
		if count == 0 {
			hourStart = start
		}
		sum += *r.Value
		count++
		covered += r.End.Sub(r.Start)
	}
	flush()

	return out, nil
}
