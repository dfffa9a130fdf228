package governor

import (
	"math"
	"time"
)

// minMaxBucket holds min/max values for a single bucket
type minMaxBucket struct {
	min, max float64
}

func emptyBucket() minMaxBucket {
	return minMaxBucket{min: math.MaxFloat64, max: -math.MaxFloat64}
}

// RollingMinMax tracks min/max values over a rolling span split into fixed-width buckets
type RollingMinMax struct {
	buckets []minMaxBucket
	width   time.Duration
	current int64 // bucket sequence number, -1 = uninitialized
}

// NewRollingMinMax creates a tracker covering span, bucketed by width
func NewRollingMinMax(span, width time.Duration) *RollingMinMax {
	n := max(1, int(span/width))
	r := &RollingMinMax{
		buckets: make([]minMaxBucket, n),
		width:   width,
		current: -1,
	}
	for i := range r.buckets {
		r.buckets[i] = emptyBucket()
	}
	return r
}

// UpdateAt records a value at the given time
func (r *RollingMinMax) UpdateAt(value float64, t time.Time) {
	seq := t.UnixNano() / int64(r.width)
	n := int64(len(r.buckets))

	if r.current >= 0 && seq < r.current {
		// Clock went backwards, fold into the current bucket
		seq = r.current
	}

	if seq != r.current {
		// Clear buckets skipped since the last update (wrap around)
		if r.current >= 0 {
			for s := r.current + 1; s < seq && s <= r.current+n; s++ {
				r.buckets[s%n] = emptyBucket()
			}
		}
		r.buckets[seq%n] = minMaxBucket{min: value, max: value}
		r.current = seq
		return
	}

	b := &r.buckets[seq%n]
	b.min = min(b.min, value)
	b.max = max(b.max, value)
}

// Min returns the minimum value across all buckets, or 0 if no data
func (r *RollingMinMax) Min() float64 {
	result := math.MaxFloat64
	for _, b := range r.buckets {
		result = min(result, b.min)
	}
	if result == math.MaxFloat64 {
		return 0
	}
	return result
}

// Max returns the maximum value across all buckets, or 0 if no data
func (r *RollingMinMax) Max() float64 {
	result := -math.MaxFloat64
	for _, b := range r.buckets {
		result = max(result, b.max)
	}
	if result == -math.MaxFloat64 {
		return 0
	}
	return result
}
