package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dispatchctl/src/dispatch"
)

func TestLoadPriceFixtureValues(t *testing.T) {
	f, err := loadPriceFixture(strings.NewReader(`
soc: 50
start: 2026-03-10T00:00:00Z
values: [10, 8, 6, 9, 20, 18, 15]
`))
	require.NoError(t, err)

	require.Len(t, f.Prices, 7)
	assert.Equal(t, testDay, f.Prices[0].Start.UTC())
	assert.Equal(t, testDay.Add(7*time.Hour), f.Prices[6].End.UTC())
	assert.Equal(t, 15.0, f.Prices[6].Value)
	assert.Equal(t, f.Prices[0].Start, f.Now)
	require.NotNil(t, f.SoC)
	assert.Equal(t, 50.0, *f.SoC)
}

func TestLoadPriceFixturePrices(t *testing.T) {
	f, err := loadPriceFixture(strings.NewReader(`
now: 2026-03-10T01:30:00Z
prices:
  - start: 2026-03-10T00:00:00Z
    end: 2026-03-10T01:00:00Z
    value: 4.5
  - start: 2026-03-10T01:00:00Z
    end: 2026-03-10T02:00:00Z
    value: 7
`))
	require.NoError(t, err)
	assert.Len(t, f.Prices, 2)
	assert.Nil(t, f.SoC)
	assert.Equal(t, testDay.Add(90*time.Minute), f.Now.UTC())
}

func TestLoadPriceFixtureRejectsEmpty(t *testing.T) {
	_, err := loadPriceFixture(strings.NewReader("soc: 10\n"))
	assert.Error(t, err)
}

func TestWritePlan(t *testing.T) {
	f, err := loadPriceFixture(strings.NewReader(`
start: 2026-03-10T00:00:00Z
values: [10, 8, 6, 9, 20, 18, 15]
`))
	require.NoError(t, err)
	soc := 50.0

	sched, err := dispatch.Recompute(dispatch.Input{Prices: f.Prices, SoC: &soc, Config: testConfig().Battery, Now: f.Now})
	require.NoError(t, err)

	var out bytes.Buffer
	writePlan(&out, sched, f.Now, &soc)

	assert.Contains(t, out.String(), "| Start | End | Action |")
	assert.Contains(t, out.String(), "Status: idle (1), SoC: 50%")
	assert.Contains(t, out.String(), "Window 1: 03-10 00:00 - 03-10 07:00, price 6..20")
	assert.Contains(t, out.String(), "charge: 03-10 01:00 - 03-10 03:00 (2h)")
	assert.Contains(t, out.String(), "discharge: 03-10 04:00 - 03-10 07:00 (3h)")
}
