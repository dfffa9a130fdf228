package dispatch

import (
	"math"
	"slices"
)

// windowPlan is the simulated result for one window, indexed from the first
// hour the window may allocate
type windowPlan struct {
	spanEnd        int
	charged        []int
	discharged     []int
	avgChargePrice float64
	finalSoC       float64
	soc            []float64
	action         []Action
	touchesFuture  bool
}

// hoursFor returns how many whole hours at rate it takes to move socNeeded.
// Anything inside the deadband is not worth starting a run for.
func (c BatteryConfig) hoursFor(socNeeded, rate float64) int {
	if socNeeded < c.Deadband || socNeeded <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Ceil(socNeeded / rate))
}

// chargeResult is the outcome of the charge pass over [lo, peak]
type chargeResult struct {
	charged []int
	socAt   map[int]float64
	endSoC  float64
}

// allocateCharge picks the cheapest usable hours before the peak and
// simulates them in time order, skipping hours once the battery is within
// the deadband of full.
func (p *projector) allocateCharge(w Window, lo int, prevSoC float64) chargeResult {
	cfg := p.cfg
	need := cfg.hoursFor(max(0, cfg.MaxSoC-prevSoC), cfg.ChargeRate)

	var candidates []int
	for i := lo; i < w.PeakIdx; i++ {
		if !p.past[i] {
			candidates = append(candidates, i)
		}
	}
	slices.SortStableFunc(candidates, func(a, b int) int {
		if p.prices[a] != p.prices[b] {
			if p.prices[a] < p.prices[b] {
				return -1
			}
			return 1
		}
		return a - b
	})
	selected := make(map[int]bool, need)
	for _, i := range candidates[:min(need, len(candidates))] {
		selected[i] = true
	}

	res := chargeResult{socAt: make(map[int]float64, w.PeakIdx-lo+1)}
	soc := prevSoC
	for i := lo; i <= w.PeakIdx; i++ {
		if selected[i] && soc < cfg.MaxSoC-cfg.Deadband {
			soc = min(soc+cfg.ChargeRate, cfg.MaxSoC)
			res.charged = append(res.charged, i)
		}
		res.socAt[i] = soc
	}
	res.endSoC = soc
	return res
}

// allocateDischarge searches around the peak for the best selling hours.
// The candidate hour moves to any strictly more expensive hour within reach
// until it settles, then the most expensive hours that clear the profit
// threshold are taken.
func (p *projector) allocateDischarge(w Window, lo int, charge chargeResult, refPrice float64) []int {
	cfg := p.cfg
	n := len(p.prices)

	socAt := func(idx int) float64 {
		if v, ok := charge.socAt[idx]; ok {
			return v
		}
		return charge.endSoC
	}

	cand := w.PeakIdx
	var need, from, to int
	for {
		need = cfg.hoursFor(max(socAt(cand)-cfg.MinSoC, 0), cfg.DischargeRate)
		if need < 1 {
			return nil
		}
		radius := need - 1
		from, to = max(cand-radius, lo), min(cand+radius, n-1)

		best := cand
		for i := from; i <= to; i++ {
			if !p.past[i] && p.prices[i] > p.prices[best] {
				best = i
			}
		}
		if best == cand {
			break
		}
		cand = best
	}

	var qualifying []int
	for i := from; i <= to; i++ {
		if !p.past[i] && p.prices[i] >= refPrice+cfg.MinProfit {
			qualifying = append(qualifying, i)
		}
	}
	slices.SortStableFunc(qualifying, func(a, b int) int {
		if p.prices[a] != p.prices[b] {
			if p.prices[a] > p.prices[b] {
				return -1
			}
			return 1
		}
		return a - b
	})
	picked := slices.Clone(qualifying[:min(need, len(qualifying))])
	slices.Sort(picked)
	return picked
}

// allocate runs the charge and discharge passes for one window and
// simulates the combined result in time order
func (p *projector) allocate(w Window, lo int, prevSoC float64) windowPlan {
	charge := p.allocateCharge(w, lo, prevSoC)
	charged := charge.charged
	ref := p.referencePrice(w, charged)
	discharged := p.allocateDischarge(w, lo, charge, ref)

	if len(discharged) > 0 {
		// Discharge pre-empts any charging at or after its first hour
		kept := slices.DeleteFunc(slices.Clone(charged), func(i int) bool { return i >= discharged[0] })
		if len(kept) != len(charged) {
			keptRef := p.referencePrice(w, kept)
			stillProfitable := slices.DeleteFunc(slices.Clone(discharged), func(i int) bool {
				return p.prices[i] < keptRef+p.cfg.MinProfit
			})
			if len(stillProfitable) > 0 {
				charged, discharged, ref = kept, stillProfitable, keptRef
			} else {
				discharged = nil
			}
		}
	}

	spanEnd := w.PeakIdx
	if len(discharged) > 0 {
		spanEnd = max(spanEnd, discharged[len(discharged)-1])
	}

	plan := windowPlan{
		spanEnd:        spanEnd,
		avgChargePrice: ref,
		soc:            make([]float64, spanEnd-lo+1),
		action:         make([]Action, spanEnd-lo+1),
	}

	isCharge := make(map[int]bool, len(charged))
	for _, i := range charged {
		isCharge[i] = true
	}
	isDischarge := make(map[int]bool, len(discharged))
	for _, i := range discharged {
		isDischarge[i] = true
	}

	// A discharge run only starts outside the deadband, then continues down
	// to the floor
	cfg := p.cfg
	soc := prevSoC
	prev := ActionIdle
	for i := lo; i <= spanEnd; i++ {
		action := ActionIdle
		switch {
		case p.past[i]:
		case isCharge[i] && soc < cfg.MaxSoC-cfg.Deadband:
			soc = min(soc+cfg.ChargeRate, cfg.MaxSoC)
			action = ActionCharge
			plan.charged = append(plan.charged, i)
		case isDischarge[i] && soc > cfg.MinSoC && (prev == ActionDischarge || soc-cfg.MinSoC >= cfg.Deadband):
			soc = max(soc-cfg.DischargeRate, cfg.MinSoC)
			action = ActionDischarge
			plan.discharged = append(plan.discharged, i)
		}
		if !p.past[i] {
			plan.touchesFuture = true
		}
		plan.soc[i-lo] = soc
		plan.action[i-lo] = action
		prev = action
	}
	plan.finalSoC = soc
	return plan
}

// referencePrice is the average price paid for the charged hours. A window
// that charges nothing values its stored energy at the window minimum.
func (p *projector) referencePrice(w Window, charged []int) float64 {
	if len(charged) == 0 {
		return w.MinPrice
	}
	var sum float64
	for _, i := range charged {
		sum += p.prices[i]
	}
	return sum / float64(len(charged))
}
