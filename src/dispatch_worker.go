package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ryansname/dispatchctl/src/api"
	"github.com/ryansname/dispatchctl/src/dispatch"
	"github.com/ryansname/dispatchctl/src/governor"
	"github.com/ryansname/dispatchctl/src/store"
)

// dispatchStore is the persistence the dispatcher needs; *store.Store implements it
type dispatchStore interface {
	Settings(ctx context.Context) (map[string]float64, error)
	SaveSetting(ctx context.Context, key string, value float64) error
	LatestSchedule(ctx context.Context) (dispatch.Schedule, time.Time, error)
	SaveSchedule(ctx context.Context, computedAt time.Time, sched dispatch.Schedule) error
	CachePrices(ctx context.Context, prices []dispatch.PricePoint) error
	CachedPrices(ctx context.Context, from, to time.Time, loc *time.Location) ([]dispatch.PricePoint, error)
	PrunePrices(ctx context.Context, cutoff time.Time) error
}

// snapshotPublisher receives every new snapshot, e.g. the HTTP server
type snapshotPublisher interface {
	Publish(api.Snapshot)
}

// snapshotChan publishes to a channel, dropping snapshots the reader is too slow for
type snapshotChan chan api.Snapshot

func (c snapshotChan) Publish(s api.Snapshot) {
	select {
	case c <- s:
	default:
	}
}

const (
	notificationID  = "dispatchctl_schedule"
	priceRetention  = 7 * 24 * time.Hour
	scheduleSensor  = "schedule"
	selfUsageSensor = "self_usage_mode"
)

// scheduleAttributes is published as the schedule sensor's attributes
type scheduleAttributes struct {
	ComputedAt       time.Time                `json:"computed_at"`
	Schedule         []dispatch.ScheduleEntry `json:"schedule"`
	Windows          []dispatch.WindowSummary `json:"windows"`
	ChargePeriods    []dispatch.Period        `json:"charge_periods"`
	DischargePeriods []dispatch.Period        `json:"discharge_periods"`
}

// dispatcher owns all dispatch state. It is only touched from dispatchWorker.
type dispatcher struct {
	cfg        Config
	sender     *MQTTSender
	store      dispatchStore
	publishers []snapshotPublisher

	battery     dispatch.BatteryConfig
	charging    bool
	discharging bool
	selfUsage   *governor.SelfUsage

	prices      []dispatch.PricePoint
	rawToday    string
	rawTomorrow string
	soc         *float64
	reading     governor.SelfUsageReading

	schedule    dispatch.Schedule
	hasSchedule bool
	computedAt  time.Time
	notified    string

	// Edge-triggered actuation: manual switch changes hold until the
	// scheduled action changes
	lastAction    dispatch.Action
	actionApplied bool
	actuated      map[string]bool
	lastStatus    string
	lastMode      governor.SelfUsageMode
}

func newDispatcher(cfg Config, sender *MQTTSender, st dispatchStore, publishers ...snapshotPublisher) *dispatcher {
	return &dispatcher{
		cfg:        cfg,
		sender:     sender,
		store:      st,
		publishers: publishers,
		battery:    cfg.Battery,
		selfUsage:  governor.NewSelfUsage(cfg.SelfUsage),
		actuated:   make(map[string]bool),
		lastMode:   -1,
	}
}

// restore loads persisted settings, the last schedule (so hours that have
// already passed keep their planned actions) and cached prices
func (d *dispatcher) restore(ctx context.Context, now time.Time) {
	if d.store == nil {
		return
	}

	settings, err := d.store.Settings(ctx)
	if err != nil {
		log.Printf("Dispatch: failed to load settings: %v\n", err)
	}
	// Stored settings were valid together when saved; fall back to one at a
	// time if the file config has moved underneath them
	if cfg, err := api.WithNumbers(d.battery, settings); err == nil {
		d.battery = cfg
	} else {
		for _, key := range slices.Sorted(maps.Keys(settings)) {
			cfg, err := api.WithNumbers(d.battery, map[string]float64{key: settings[key]})
			if err != nil {
				log.Printf("Dispatch: ignoring stored setting %s=%g: %v\n", key, settings[key], err)
				continue
			}
			d.battery = cfg
		}
	}

	sched, computedAt, err := d.store.LatestSchedule(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.Printf("Dispatch: failed to load last schedule: %v\n", err)
	default:
		d.schedule = sched
		d.hasSchedule = true
		d.computedAt = computedAt
		log.Printf("Dispatch: restored schedule computed at %s\n", computedAt.Format(time.RFC3339))
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cached, err := d.store.CachedPrices(ctx, dayStart, dayStart.AddDate(0, 0, 2), now.Location())
	if err != nil {
		log.Printf("Dispatch: failed to load cached prices: %v\n", err)
		return
	}
	if len(cached) > 0 && dispatch.ValidateSeries(cached) == nil {
		d.prices = cached
		log.Printf("Dispatch: restored %d cached prices\n", len(cached))
	}
}

// currentSettings reports the settings as exposed to Home Assistant and the API
func (d *dispatcher) currentSettings() api.Settings {
	return api.Settings{
		Battery:     d.battery,
		Charging:    d.charging,
		Discharging: d.discharging,
		SelfUsage:   d.selfUsage.Active(),
	}
}

// publishSettings publishes the state of every switch and number
func (d *dispatcher) publishSettings() {
	s := d.currentSettings()
	d.sender.PublishState("switch", api.SwitchCharging, switchState(s.Charging))
	d.sender.PublishState("switch", api.SwitchDischarging, switchState(s.Discharging))
	d.sender.PublishState("switch", api.SwitchSelfUsage, switchState(s.SelfUsage))
	for _, n := range api.Numbers {
		d.sender.PublishState("number", n.Key, formatSetting(d.numberValue(n.Key)))
	}
}

func formatSetting(v float64) string {
	return fmt.Sprintf("%g", v)
}

func (d *dispatcher) numberValue(key string) float64 {
	switch key {
	case "min_soc":
		return d.battery.MinSoC
	case "max_soc":
		return d.battery.MaxSoC
	case "charge_rate":
		return d.battery.ChargeRate
	case "discharge_rate":
		return d.battery.DischargeRate
	case "min_profit":
		return d.battery.MinProfit
	}
	return 0
}

// setNumbers applies battery parameters as one change. An invalid combination
// is rejected whole and Home Assistant's numbers are put back to the values in
// effect.
func (d *dispatcher) setNumbers(ctx context.Context, now time.Time, values map[string]float64) {
	keys := slices.Sorted(maps.Keys(values))
	cfg, err := api.WithNumbers(d.battery, values)
	if err != nil {
		log.Printf("Dispatch: rejected %v: %v\n", values, err)
		for _, key := range keys {
			d.sender.PublishState("number", key, formatSetting(d.numberValue(key)))
		}
		return
	}
	d.battery = cfg

	for _, key := range keys {
		d.sender.PublishState("number", key, formatSetting(values[key]))
		if d.store == nil {
			continue
		}
		if err := d.store.SaveSetting(ctx, key, values[key]); err != nil {
			log.Printf("Dispatch: failed to save %s: %v\n", key, err)
		}
	}
	d.recompute(ctx, now, "setting changed")
}

// handleData takes a new snapshot of live values
func (d *dispatcher) handleData(ctx context.Context, now time.Time, data DisplayData) {
	changed := d.updatePrices(ctx, data)

	var soc *float64
	if f, ok := data.LookupFloat(d.cfg.Entities.SoC); ok {
		v := f.Current
		soc = &v
	}
	if !sameSoC(soc, d.soc) {
		d.soc = soc
		changed = true
	}

	d.reading = governor.SelfUsageReading{
		SolarW:       data.GetFloat(d.cfg.Entities.Solar).Median,
		ConsumptionW: data.GetFloat(d.cfg.Entities.Consumption).Median,
		BatteryW:     data.GetFloat(d.cfg.Entities.BatteryPower).Median,
	}
	d.evaluateSelfUsage(now)

	if changed {
		d.recompute(ctx, now, "input change")
	}
}

func sameSoC(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// updatePrices re-parses the Nord Pool attributes when they change and
// reports whether the price series changed
func (d *dispatcher) updatePrices(ctx context.Context, data DisplayData) bool {
	rawToday := data.GetString(d.cfg.Entities.PricesToday)
	rawTomorrow := data.GetString(d.cfg.Entities.PricesTomorrow)
	if rawToday == d.rawToday && rawTomorrow == d.rawTomorrow {
		return false
	}
	d.rawToday, d.rawTomorrow = rawToday, rawTomorrow

	prices, err := dispatch.ParseNordpool([]byte(rawToday), []byte(rawTomorrow))
	if err == nil && len(prices) == 0 {
		err = errors.New("no complete hours")
	}
	if err != nil {
		log.Printf("Dispatch: keeping previous prices, failed to parse Nord Pool attributes: %v\n", err)
		return false
	}

	d.prices = prices
	log.Printf("Dispatch: loaded %d hourly prices from %s\n", len(prices), prices[0].Start.Format(time.RFC3339))

	if d.store != nil {
		if err := d.store.CachePrices(ctx, prices); err != nil {
			log.Printf("Dispatch: failed to cache prices: %v\n", err)
		}
	}
	return true
}

// recompute replaces the schedule. Missing inputs keep the previous one.
func (d *dispatcher) recompute(ctx context.Context, now time.Time, reason string) {
	sched, err := dispatch.Recompute(dispatch.Input{
		Prices:   d.prices,
		SoC:      d.soc,
		Config:   d.battery,
		Now:      now,
		Previous: d.schedule.Entries,
	})
	switch {
	case errors.Is(err, dispatch.ErrMissingInput), errors.Is(err, dispatch.ErrInvalidSeries):
		log.Printf("Dispatch: skipping recompute (%s): %v\n", reason, err)
		return
	case err != nil:
		log.Printf("Dispatch: recompute failed (%s): %v\n", reason, err)
		return
	}

	d.schedule = sched
	d.hasSchedule = true
	d.computedAt = now
	log.Printf("Dispatch: recomputed schedule (%s): %d hours, %d windows\n", reason, len(sched.Entries), len(sched.Windows))

	d.publishSchedule(now)

	if d.store != nil {
		if err := d.store.SaveSchedule(ctx, now, sched); err != nil {
			log.Printf("Dispatch: failed to save schedule: %v\n", err)
		}
	}

	if signature := scheduleSignature(sched); d.cfg.Schedule.Notify && signature != d.notified {
		d.notified = signature
		d.sender.Notify(notificationID, "Battery schedule", sched.MarkdownTable())
	}

	d.actuate(now)
	d.publishSnapshot(now)
}

// scheduleSignature changes only when the planned actions change
func scheduleSignature(s dispatch.Schedule) string {
	var b strings.Builder
	for _, e := range s.Entries {
		fmt.Fprintf(&b, "%d:%s;", e.Start.Unix(), e.Action)
	}
	return b.String()
}

func (d *dispatcher) publishSchedule(now time.Time) {
	d.publishStatus(now)
	err := d.sender.PublishAttributes("sensor", scheduleSensor, scheduleAttributes{
		ComputedAt:       d.computedAt,
		Schedule:         d.schedule.Entries,
		Windows:          d.schedule.Summaries(),
		ChargePeriods:    d.schedule.Periods(dispatch.ActionCharge),
		DischargePeriods: d.schedule.Periods(dispatch.ActionDischarge),
	})
	if err != nil {
		log.Printf("Dispatch: %v\n", err)
	}
}

// publishStatus updates the schedule sensor state when it changes
func (d *dispatcher) publishStatus(now time.Time) {
	status := d.schedule.Status(now, d.soc)
	if status == d.lastStatus {
		return
	}
	d.lastStatus = status
	d.sender.PublishState("sensor", scheduleSensor, status)
}

func (d *dispatcher) publishSnapshot(now time.Time) {
	if !d.hasSchedule {
		return
	}
	mode, _ := d.selfUsage.Mode()
	snap := api.Snapshot{
		ComputedAt:    d.computedAt,
		Status:        d.schedule.Status(now, d.soc),
		SoC:           d.soc,
		SelfUsageMode: mode.String(),
		Settings:      d.currentSettings(),
		Schedule:      d.schedule,
	}
	for _, p := range d.publishers {
		p.Publish(snap)
	}
}

// actuate applies the current hour's action when it differs from the last
// applied one
func (d *dispatcher) actuate(now time.Time) {
	if !d.hasSchedule {
		return
	}
	action := dispatch.ActionIdle
	if e, ok := d.schedule.Current(now); ok {
		action = e.Action
	}
	if d.actionApplied && action == d.lastAction {
		return
	}
	d.lastAction = action
	d.actionApplied = true
	log.Printf("Dispatch: scheduled action is now %s\n", action)

	d.setSwitch(now, api.SwitchCharging, action == dispatch.ActionCharge)
	d.setSwitch(now, api.SwitchDischarging, action == dispatch.ActionDischarge)
}

// setSwitch changes one of the three switches, actuating the configured
// entity and publishing the new state
func (d *dispatcher) setSwitch(now time.Time, key string, on bool) {
	var entity string
	switch key {
	case api.SwitchCharging:
		d.charging = on
		entity = d.cfg.Entities.ChargeSwitch
	case api.SwitchDischarging:
		d.discharging = on
		entity = d.cfg.Entities.DischargeSwitch
	case api.SwitchSelfUsage:
		d.selfUsage.Override(now, on)
		entity = d.cfg.Entities.SelfUsageSwitch
	default:
		log.Printf("Dispatch: unknown switch %s\n", key)
		return
	}

	d.sender.PublishState("switch", key, switchState(on))
	d.actuateEntity(entity, on)

	if key != api.SwitchSelfUsage {
		d.evaluateSelfUsage(now)
	}
}

// actuateEntity calls Home Assistant only when the entity's state differs
// from what was last requested
func (d *dispatcher) actuateEntity(entity string, on bool) {
	if entity == "" {
		return
	}
	if last, ok := d.actuated[entity]; ok && last == on {
		return
	}
	d.actuated[entity] = on
	d.sender.SetSwitch(entity, on)
}

// evaluateSelfUsage runs the self-usage state machine on the latest reading
func (d *dispatcher) evaluateSelfUsage(now time.Time) {
	before := d.selfUsage.Active()

	r := d.reading
	r.SoC = d.soc
	r.MaxSoC = d.battery.MaxSoC
	r.Charging = d.charging
	r.Discharging = d.discharging
	active := d.selfUsage.Update(now, r)

	if mode, _ := d.selfUsage.Mode(); mode != d.lastMode {
		d.lastMode = mode
		d.sender.PublishState("sensor", selfUsageSensor, mode.String())
	}

	if active != before {
		log.Printf("Dispatch: self usage %s\n", map[bool]string{true: "activated", false: "deactivated"}[active])
		d.sender.PublishState("switch", api.SwitchSelfUsage, switchState(active))
		d.actuateEntity(d.cfg.Entities.SelfUsageSwitch, active)
		d.publishSnapshot(now)
	}
}

// handleCommand applies a command from Home Assistant, the API or the console
func (d *dispatcher) handleCommand(ctx context.Context, now time.Time, cmd api.Command) {
	log.Printf("Dispatch: command %s\n", cmd)

	switch cmd.Kind {
	case api.CommandForceUpdate:
		d.recompute(ctx, now, "forced")
		return
	case api.CommandForceCharge:
		d.setSwitch(now, api.SwitchCharging, true)
	case api.CommandForceDischarge:
		d.setSwitch(now, api.SwitchDischarging, true)
	case api.CommandToggleSelfUsage:
		d.setSwitch(now, api.SwitchSelfUsage, !d.selfUsage.Active())
	case api.CommandSetSwitch:
		d.setSwitch(now, cmd.Key, cmd.On)
	case api.CommandSetNumber:
		d.setNumbers(ctx, now, map[string]float64{cmd.Key: cmd.Value})
		return
	case api.CommandSetNumbers:
		d.setNumbers(ctx, now, cmd.Values)
		return
	default:
		log.Printf("Dispatch: unknown command %s\n", cmd)
		return
	}
	d.publishSnapshot(now)
}

// tick runs the once-a-minute work
func (d *dispatcher) tick(now time.Time) {
	d.actuate(now)
	d.evaluateSelfUsage(now)
	if d.hasSchedule {
		d.publishStatus(now)
	}
}

// periodic runs the scheduled recompute and housekeeping
func (d *dispatcher) periodic(ctx context.Context, now time.Time) {
	d.recompute(ctx, now, "periodic")
	if d.store != nil {
		if err := d.store.PrunePrices(ctx, now.Add(-priceRetention)); err != nil {
			log.Printf("Dispatch: %v\n", err)
		}
	}
}

// dispatchWorker serialises everything the dispatcher does
func dispatchWorker(
	ctx context.Context,
	d *dispatcher,
	dataChan <-chan DisplayData,
	commandChan <-chan api.Command,
) {
	recomputeTicker := time.NewTicker(d.cfg.Schedule.RecomputeInterval)
	defer recomputeTicker.Stop()
	pollTicker := time.NewTicker(d.cfg.Schedule.PollInterval)
	defer pollTicker.Stop()

	d.publishSettings()
	log.Println("Dispatch worker started")

	for {
		select {
		case data := <-dataChan:
			d.handleData(ctx, time.Now(), data)
		case cmd := <-commandChan:
			d.handleCommand(ctx, time.Now(), cmd)
		case <-pollTicker.C:
			d.tick(time.Now())
		case <-recomputeTicker.C:
			d.periodic(ctx, time.Now())
		case <-ctx.Done():
			log.Println("Dispatch worker stopped")
			return
		}
	}
}
