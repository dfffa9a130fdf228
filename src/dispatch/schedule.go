package dispatch

import (
	"errors"
	"time"
)

// Action is what the battery should do during one hour
type Action string

const (
	ActionIdle      Action = "idle"
	ActionCharge    Action = "charge"
	ActionDischarge Action = "discharge"
)

// ScheduleEntry is the plan for one hour of the price series
type ScheduleEntry struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Price        float64   `json:"price"`
	Action       Action    `json:"action"`
	Charge       int       `json:"charge"`
	Discharge    int       `json:"discharge"`
	Window       *int      `json:"window"`
	EstimatedSoC float64   `json:"estimated_soc"`
	Past         bool      `json:"past"`
}

// Schedule is the full output of one recomputation
type Schedule struct {
	Entries []ScheduleEntry `json:"entries"`
	Windows []Window        `json:"windows"`
}

// Input is everything a recomputation depends on. Previous is only consulted
// for hours that have already ended, so they keep the action they were
// planned with.
type Input struct {
	Prices   []PricePoint
	SoC      *float64
	Config   BatteryConfig
	Now      time.Time
	Previous []ScheduleEntry
}

// ErrMissingInput means there are no prices or the battery SoC is unknown.
// The caller should keep its previous schedule and retry on the next trigger.
var ErrMissingInput = errors.New("missing price data or battery soc")

// Recompute builds a new schedule from scratch. It is deterministic: the same
// Input always produces the same Schedule.
func Recompute(in Input) (Schedule, error) {
	if len(in.Prices) == 0 || in.SoC == nil {
		return Schedule{}, ErrMissingInput
	}
	if err := in.Config.Validate(); err != nil {
		return Schedule{}, err
	}
	if err := ValidateSeries(in.Prices); err != nil {
		return Schedule{}, err
	}

	p := newProjector(in)
	p.run()
	return Schedule{Entries: p.entries, Windows: p.windows}, nil
}

// projector walks the windows in order and writes their decisions into one
// shared per-hour sequence
type projector struct {
	cfg     BatteryConfig
	prices  []float64
	liveSoC float64

	entries []ScheduleEntry
	socSet  []bool
	past    []bool
	windows []Window
	nextID  int
}

func newProjector(in Input) *projector {
	n := len(in.Prices)
	p := &projector{
		cfg:     in.Config,
		prices:  values(in.Prices),
		liveSoC: in.Config.clampSoC(*in.SoC),
		entries: make([]ScheduleEntry, n),
		socSet:  make([]bool, n),
		past:    make([]bool, n),
		nextID:  1,
	}

	previous := make(map[int64]ScheduleEntry, len(in.Previous))
	for _, e := range in.Previous {
		previous[e.Start.Unix()] = e
	}

	for i, pp := range in.Prices {
		e := ScheduleEntry{
			Start:  pp.Start,
			End:    pp.End,
			Price:  pp.Value,
			Action: ActionIdle,
			Past:   !pp.End.After(in.Now),
		}
		if e.Past {
			p.past[i] = true
			if prev, ok := previous[pp.Start.Unix()]; ok {
				e.Action = prev.Action
				e.Charge = prev.Charge
				e.Discharge = prev.Discharge
				e.Window = prev.Window
				e.EstimatedSoC = p.cfg.clampSoC(prev.EstimatedSoC)
				p.socSet[i] = true
				if prev.Window != nil && *prev.Window >= p.nextID {
					p.nextID = *prev.Window + 1
				}
			}
		}
		p.entries[i] = e
	}
	return p
}

func (p *projector) run() {
	prevSoC := p.liveSoC
	allocFrom := 0

	for _, w := range detectWindows(p.prices, p.cfg.MinProfit) {
		lo := max(w.StartIdx, allocFrom)
		if lo > w.PeakIdx {
			// Already consumed by an earlier window's discharge
			continue
		}

		plan := p.allocate(w, lo, prevSoC)
		if !plan.touchesFuture {
			continue
		}

		w.ID = p.windowID(lo, plan.spanEnd)
		w.EndIdx = plan.spanEnd
		w.ChargeIdxs = plan.charged
		w.DischargeIdxs = plan.discharged
		w.AvgChargePrice = plan.avgChargePrice
		p.apply(w, lo, plan)
		p.windows = append(p.windows, w)

		prevSoC = plan.finalSoC
		allocFrom = plan.spanEnd + 1
	}

	p.forwardFill()
}

// windowID reuses the id already carried by the window's elapsed hours, so a
// window keeps one id while its hours move into the past. Ids seen before lo
// belong to earlier windows. A window with no labelled history gets the next
// free id.
func (p *projector) windowID(lo, spanEnd int) int {
	claimed := make(map[int]bool, len(p.windows))
	for _, w := range p.windows {
		claimed[w.ID] = true
	}
	for i := 0; i < lo; i++ {
		if p.past[i] && p.entries[i].Window != nil {
			claimed[*p.entries[i].Window] = true
		}
	}

	for i := spanEnd; i >= lo; i-- {
		if !p.past[i] || p.entries[i].Window == nil {
			continue
		}
		if id := *p.entries[i].Window; !claimed[id] {
			return id
		}
	}
	id := p.nextID
	p.nextID++
	return id
}

// apply writes a window's simulated plan into the shared sequence. Elapsed
// hours keep their action and only gain the window id if they had none.
func (p *projector) apply(w Window, lo int, plan windowPlan) {
	for i := lo; i <= plan.spanEnd; i++ {
		e := &p.entries[i]
		id := w.ID
		if p.past[i] {
			if e.Window == nil {
				e.Window = &id
			}
			continue
		}
		e.Window = &id
		e.EstimatedSoC = plan.soc[i-lo]
		p.socSet[i] = true

		switch plan.action[i-lo] {
		case ActionCharge:
			e.Action, e.Charge, e.Discharge = ActionCharge, 1, 0
		case ActionDischarge:
			e.Action, e.Charge, e.Discharge = ActionDischarge, 0, 1
		default:
			e.Action, e.Charge, e.Discharge = ActionIdle, 0, 0
		}
	}
}

// forwardFill gives every hour without an estimate the last known SoC.
// The first upcoming hour starts from the live reading.
func (p *projector) forwardFill() {
	last := p.liveSoC
	seeded := false
	for i := range p.entries {
		if !p.past[i] && !seeded {
			seeded = true
			if !p.socSet[i] {
				last = p.liveSoC
			}
		}
		if p.socSet[i] {
			last = p.entries[i].EstimatedSoC
			continue
		}
		p.entries[i].EstimatedSoC = last
	}
}
