package dispatch

// Window is one charge-then-discharge opportunity over a contiguous hour range.
// Indexes refer to positions in the price series.
type Window struct {
	ID       int     `json:"window"`
	StartIdx int     `json:"start_idx"`
	PeakIdx  int     `json:"peak_idx"`
	EndIdx   int     `json:"end_idx"`
	MinPrice float64 `json:"min_price"`
	MaxPrice float64 `json:"max_price"`

	ChargeIdxs     []int   `json:"charge_idxs,omitempty"`
	DischargeIdxs  []int   `json:"discharge_idxs,omitempty"`
	AvgChargePrice float64 `json:"avg_charge_price,omitempty"`
}

// DetectWindows scans the series for non-overlapping windows. Each window
// starts at a falling run, bottoms out at a minimum, and ends at the peak
// that follows once the price has risen at least minProfit above that
// minimum. Detection stops when no later price meets the threshold.
// Windows are numbered from 1 in StartIdx order.
func DetectWindows(prices []PricePoint, minProfit float64) []Window {
	return detectWindows(values(prices), minProfit)
}

func detectWindows(prices []float64, minProfit float64) []Window {
	var windows []Window
	n := len(prices)

	for i := 0; i < n-1; {
		w, ok := nextWindow(prices, i, minProfit)
		if !ok {
			break
		}
		w.ID = len(windows) + 1
		windows = append(windows, w)
		i = w.PeakIdx + 1
	}
	return windows
}

// nextWindow finds the first window starting at index from
func nextWindow(prices []float64, from int, minProfit float64) (Window, bool) {
	n := len(prices)

	// Follow the falling run down to a local minimum
	i := from
	for i+1 < n && prices[i+1] < prices[i] {
		i++
	}
	minIdx, minPrice := i, prices[i]

	// Look for the first hour clearing the profit threshold, tracking new lows on the way
	j := minIdx + 1
	for ; j < n; j++ {
		if prices[j] >= minPrice+minProfit {
			break
		}
		if prices[j] < minPrice {
			minIdx, minPrice = j, prices[j]
		}
	}
	if j >= n {
		return Window{}, false
	}

	// Ride the rise to its peak
	peak := j
	for peak+1 < n && prices[peak+1] > prices[peak] {
		peak++
	}

	return Window{
		StartIdx: from,
		PeakIdx:  peak,
		EndIdx:   peak,
		MinPrice: minPrice,
		MaxPrice: prices[peak],
	}, true
}
