package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var rollingBase = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// hourly tracker over one week, the way battery power peaks are tracked
func newWeekTracker() *RollingMinMax {
	return NewRollingMinMax(7*24*time.Hour, time.Hour)
}

func at(hours int) time.Time {
	return rollingBase.Add(time.Duration(hours) * time.Hour)
}

func TestRollingMinMax_Empty(t *testing.T) {
	r := newWeekTracker()
	assert.Equal(t, 0.0, r.Min())
	assert.Equal(t, 0.0, r.Max())
}

func TestRollingMinMax_SingleValue(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(3200, at(0))
	assert.Equal(t, 3200.0, r.Min())
	assert.Equal(t, 3200.0, r.Max())
}

func TestRollingMinMax_MultipleValuesSameBucket(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(100, at(0))
	r.UpdateAt(50, at(0).Add(10*time.Minute))
	r.UpdateAt(150, at(0).Add(50*time.Minute))
	assert.Equal(t, 50.0, r.Min())
	assert.Equal(t, 150.0, r.Max())
}

func TestRollingMinMax_MultipleBuckets(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(100, at(0))
	r.UpdateAt(200, at(1))
	r.UpdateAt(50, at(2))
	assert.Equal(t, 50.0, r.Min())
	assert.Equal(t, 200.0, r.Max())
}

func TestRollingMinMax_OldDataExpires(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(5000, at(0))
	r.UpdateAt(1000, at(24))
	assert.Equal(t, 5000.0, r.Max())

	// One week later the first bucket is reused
	r.UpdateAt(800, at(7*24))
	assert.Equal(t, 1000.0, r.Max())
	assert.Equal(t, 800.0, r.Min())
}

func TestRollingMinMax_LongGapClearsEverything(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(5000, at(0))
	r.UpdateAt(4000, at(30))
	r.UpdateAt(300, at(30*24))
	assert.Equal(t, 300.0, r.Max())
	assert.Equal(t, 300.0, r.Min())
}

func TestRollingMinMax_ClockGoingBackwards(t *testing.T) {
	r := newWeekTracker()
	r.UpdateAt(100, at(5))
	r.UpdateAt(300, at(3))
	assert.Equal(t, 300.0, r.Max())
	assert.Equal(t, 100.0, r.Min())
}
