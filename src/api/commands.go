// Package api exposes the current schedule over HTTP and WebSocket and turns
// requests into commands for the dispatch worker.
package api

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ryansname/dispatchctl/src/dispatch"
)

// CommandKind identifies what a Command asks the dispatch worker to do
type CommandKind string

const (
	CommandForceUpdate     CommandKind = "force_update_schedule"
	CommandForceCharge     CommandKind = "force_charge"
	CommandForceDischarge  CommandKind = "force_discharge"
	CommandToggleSelfUsage CommandKind = "self_usage_toggle"
	CommandSetSwitch       CommandKind = "set_switch"
	CommandSetNumber       CommandKind = "set_number"
	CommandSetNumbers      CommandKind = "set_numbers"
)

// Services are the commands that can be triggered without arguments
var Services = []CommandKind{
	CommandForceUpdate,
	CommandForceCharge,
	CommandForceDischarge,
	CommandToggleSelfUsage,
}

// Command is a request to change settings or trigger a service.
// Key names the switch or number, On and Value carry the new state.
// Values holds several numbers that are applied together.
type Command struct {
	Kind   CommandKind
	Key    string
	On     bool
	Value  float64
	Values map[string]float64
}

func (c Command) String() string {
	switch c.Kind {
	case CommandSetSwitch:
		return fmt.Sprintf("%s %s=%t", c.Kind, c.Key, c.On)
	case CommandSetNumber:
		return fmt.Sprintf("%s %s=%g", c.Kind, c.Key, c.Value)
	case CommandSetNumbers:
		parts := make([]string, 0, len(c.Values))
		for _, key := range slices.Sorted(maps.Keys(c.Values)) {
			parts = append(parts, fmt.Sprintf("%s=%g", key, c.Values[key]))
		}
		return fmt.Sprintf("%s %s", c.Kind, strings.Join(parts, " "))
	default:
		return string(c.Kind)
	}
}

// ServiceCommand returns the command for a named service
func ServiceCommand(name string) (Command, bool) {
	for _, kind := range Services {
		if string(kind) == name {
			return Command{Kind: kind}, true
		}
	}
	return Command{}, false
}

const (
	SwitchCharging    = "charging"
	SwitchDischarging = "discharging"
	SwitchSelfUsage   = "self_usage"
)

// Switches lists the keys accepted by CommandSetSwitch
var Switches = []string{SwitchCharging, SwitchDischarging, SwitchSelfUsage}

// IsSwitch reports whether key names a switch
func IsSwitch(key string) bool {
	for _, s := range Switches {
		if s == key {
			return true
		}
	}
	return false
}

// NumberSpec describes an adjustable numeric setting
type NumberSpec struct {
	Key  string
	Name string
	Min  float64
	Max  float64
	Step float64
	Unit string
}

// Numbers lists the keys accepted by CommandSetNumber
var Numbers = []NumberSpec{
	{Key: "min_soc", Name: "Min SoC", Min: 0, Max: 100, Step: 1, Unit: "%"},
	{Key: "max_soc", Name: "Max SoC", Min: 0, Max: 100, Step: 1, Unit: "%"},
	{Key: "charge_rate", Name: "Charge Rate", Min: 0, Max: 100, Step: 1, Unit: "%/h"},
	{Key: "discharge_rate", Name: "Discharge Rate", Min: 0, Max: 100, Step: 1, Unit: "%/h"},
	{Key: "min_profit", Name: "Min Profit", Min: 0, Max: 1000, Step: 1, Unit: "öre/kWh"},
}

// ErrUnknownSetting is returned for switch or number keys that do not exist
var ErrUnknownSetting = errors.New("unknown setting")

// ErrOutOfRange is returned when a number is outside its bounds
var ErrOutOfRange = errors.New("value out of range")

// LookupNumber returns the spec for a number key
func LookupNumber(key string) (NumberSpec, bool) {
	for _, n := range Numbers {
		if n.Key == key {
			return n, true
		}
	}
	return NumberSpec{}, false
}

// NumberCommand validates value against the number's bounds
func NumberCommand(key string, value float64) (Command, error) {
	spec, ok := LookupNumber(key)
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if value < spec.Min || value > spec.Max {
		return Command{}, fmt.Errorf("%w: %s must be between %g and %g", ErrOutOfRange, key, spec.Min, spec.Max)
	}
	return Command{Kind: CommandSetNumber, Key: key, Value: value}, nil
}

// NumbersCommand validates every value against its bounds and builds one
// command that applies them together
func NumbersCommand(values map[string]float64) (Command, error) {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if _, err := NumberCommand(key, values[key]); err != nil {
			return Command{}, err
		}
	}
	return Command{Kind: CommandSetNumbers, Values: maps.Clone(values)}, nil
}

// WithNumbers returns cfg with the numbers applied. The result is validated as
// a whole, so related bounds such as min_soc and max_soc can move together.
func WithNumbers(cfg dispatch.BatteryConfig, values map[string]float64) (dispatch.BatteryConfig, error) {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		value := values[key]
		if _, err := NumberCommand(key, value); err != nil {
			return cfg, err
		}
		switch key {
		case "min_soc":
			cfg.MinSoC = value
		case "max_soc":
			cfg.MaxSoC = value
		case "charge_rate":
			cfg.ChargeRate = value
		case "discharge_rate":
			cfg.DischargeRate = value
		case "min_profit":
			cfg.MinProfit = value
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SwitchCommand builds a switch command, rejecting unknown keys
func SwitchCommand(key string, on bool) (Command, error) {
	if !IsSwitch(key) {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return Command{Kind: CommandSetSwitch, Key: key, On: on}, nil
}
