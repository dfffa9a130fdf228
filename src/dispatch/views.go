package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Period is a contiguous run of upcoming hours with the same action
type Period struct {
	StartIdx int       `json:"start_idx"`
	StopIdx  int       `json:"stop_idx"`
	Start    time.Time `json:"start_time"`
	Stop     time.Time `json:"stop_time"`
	Hours    int       `json:"number_of_hours"`
}

// Periods returns the runs of non-past entries with the given action
func (s Schedule) Periods(action Action) []Period {
	var periods []Period
	start := -1
	closeRun := func(stop int) {
		periods = append(periods, Period{
			StartIdx: start,
			StopIdx:  stop,
			Start:    s.Entries[start].Start,
			Stop:     s.Entries[stop].End,
			Hours:    stop - start + 1,
		})
		start = -1
	}

	for i, e := range s.Entries {
		if e.Action == action && !e.Past {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			closeRun(i - 1)
		}
	}
	if start >= 0 {
		closeRun(len(s.Entries) - 1)
	}
	return periods
}

// WindowSummary is the per-window view derived from the entries
type WindowSummary struct {
	Window   int       `json:"window"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	MinPrice float64   `json:"min_price"`
	MaxPrice float64   `json:"max_price"`
}

// Summaries groups the entries by window id in order of first appearance
func (s Schedule) Summaries() []WindowSummary {
	var out []WindowSummary
	index := make(map[int]int)
	for _, e := range s.Entries {
		if e.Window == nil {
			continue
		}
		pos, ok := index[*e.Window]
		if !ok {
			index[*e.Window] = len(out)
			out = append(out, WindowSummary{
				Window:   *e.Window,
				Start:    e.Start,
				End:      e.End,
				MinPrice: e.Price,
				MaxPrice: e.Price,
			})
			continue
		}
		sum := &out[pos]
		sum.End = e.End
		sum.MinPrice = min(sum.MinPrice, e.Price)
		sum.MaxPrice = max(sum.MaxPrice, e.Price)
	}
	return out
}

// Current returns the entry covering now, if any
func (s Schedule) Current(now time.Time) (ScheduleEntry, bool) {
	for _, e := range s.Entries {
		if !now.Before(e.Start) && now.Before(e.End) {
			return e, true
		}
	}
	return ScheduleEntry{}, false
}

// Status renders the current action for display, e.g. "charge (2), SoC: 55%"
func (s Schedule) Status(now time.Time, soc *float64) string {
	status := string(ActionIdle)
	if e, ok := s.Current(now); ok {
		status = string(e.Action)
		if e.Window != nil {
			status = fmt.Sprintf("%s (%d)", e.Action, *e.Window)
		}
	}
	if soc != nil {
		return fmt.Sprintf("%s, SoC: %s%%", status, formatNumber(*soc))
	}
	return status
}

// MarkdownTable renders the schedule as a markdown table for notifications
func (s Schedule) MarkdownTable() string {
	var b strings.Builder
	b.WriteString("| Start | End | Action | Price | Estimated SoC | Charge | Discharge | Window |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, e := range s.Entries {
		window := "-"
		if e.Window != nil {
			window = fmt.Sprint(*e.Window)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %d | %d | %s |\n",
			e.Start.Format("01-02 15:04"), e.End.Format("15:04"), e.Action,
			formatNumber(e.Price), formatNumber(e.EstimatedSoC), e.Charge, e.Discharge, window)
	}
	return b.String()
}

// formatNumber drops trailing zeros so whole values print without decimals
func formatNumber(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
