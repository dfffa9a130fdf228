package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSeries(t *testing.T) {
	assert.NoError(t, ValidateSeries(makeSeries(1, 2, 3)))
	assert.NoError(t, ValidateSeries(nil))

	short := makeSeries(1, 2)
	short[1].End = short[1].Start.Add(15 * time.Minute)
	assert.ErrorIs(t, ValidateSeries(short), ErrInvalidSeries)

	gap := makeSeries(1, 2, 3)
	gap[2].Start = gap[2].Start.Add(time.Hour)
	gap[2].End = gap[2].End.Add(time.Hour)
	assert.ErrorIs(t, ValidateSeries(gap), ErrInvalidSeries)
}

func TestParseNordpool(t *testing.T) {
	today := []byte(`[
		{"start": "2026-03-10T00:00:00+01:00", "end": "2026-03-10T01:00:00+01:00", "value": 41.2},
		{"start": "2026-03-10T01:00:00+01:00", "end": "2026-03-10T02:00:00+01:00", "value": 38.5}
	]`)
	tomorrow := []byte(`[
		{"start": "2026-03-10T02:00:00+01:00", "end": "2026-03-10T03:00:00+01:00", "value": 55}
	]`)

	prices, err := ParseNordpool(today, tomorrow)
	require.NoError(t, err)
	require.Len(t, prices, 3)
	assert.Equal(t, 41.2, prices[0].Value)
	assert.Equal(t, 55.0, prices[2].Value)
	assert.NoError(t, ValidateSeries(prices))
}

func TestParseNordpoolAveragesQuarterHours(t *testing.T) {
	today := []byte(`[
		{"start": "2026-03-10T00:00:00Z", "end": "2026-03-10T00:15:00Z", "value": 10},
		{"start": "2026-03-10T00:15:00Z", "end": "2026-03-10T00:30:00Z", "value": 20},
		{"start": "2026-03-10T00:30:00Z", "end": "2026-03-10T00:45:00Z", "value": 30},
		{"start": "2026-03-10T00:45:00Z", "end": "2026-03-10T01:00:00Z", "value": 40},
		{"start": "2026-03-10T01:00:00Z", "end": "2026-03-10T01:15:00Z", "value": 99}
	]`)

	prices, err := ParseNordpool(today, nil)
	require.NoError(t, err)
	// The trailing partial hour is dropped
	require.Len(t, prices, 1)
	assert.Equal(t, 25.0, prices[0].Value)
	assert.Equal(t, time.Hour, prices[0].End.Sub(prices[0].Start))
}

func TestParseNordpoolStopsAtMissingValues(t *testing.T) {
	tomorrow := []byte(`[
		{"start": "2026-03-11T00:00:00Z", "end": "2026-03-11T01:00:00Z", "value": 12},
		{"start": "2026-03-11T01:00:00Z", "end": "2026-03-11T02:00:00Z", "value": null},
		{"start": "2026-03-11T02:00:00Z", "end": "2026-03-11T03:00:00Z", "value": 14}
	]`)

	prices, err := ParseNordpool(nil, tomorrow)
	require.NoError(t, err)
	assert.Len(t, prices, 1)
}

func TestParseNordpoolRejectsGarbage(t *testing.T) {
	_, err := ParseNordpool([]byte("unknown"), nil)
	assert.Error(t, err)
}
