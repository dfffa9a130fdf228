package dispatch

import (
	"errors"
	"fmt"
)

// DefaultDeadband is the SoC margin, in percentage points, inside which a
// new charge or discharge run is not started.
const DefaultDeadband = 5.0

// BatteryConfig holds the battery bounds and planning parameters.
// All SoC values and rates are percent of capacity (rates per hour).
type BatteryConfig struct {
	MinSoC        float64 `json:"min_soc" mapstructure:"min_soc"`
	MaxSoC        float64 `json:"max_soc" mapstructure:"max_soc"`
	ChargeRate    float64 `json:"charge_rate" mapstructure:"charge_rate"`
	DischargeRate float64 `json:"discharge_rate" mapstructure:"discharge_rate"`
	MinProfit     float64 `json:"min_profit" mapstructure:"min_profit"`
	Deadband      float64 `json:"deadband" mapstructure:"deadband"`
}

// DefaultBatteryConfig returns the defaults used when nothing is configured
func DefaultBatteryConfig() BatteryConfig {
	return BatteryConfig{
		MinSoC:        0,
		MaxSoC:        100,
		ChargeRate:    25,
		DischargeRate: 25,
		MinProfit:     10,
		Deadband:      DefaultDeadband,
	}
}

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid battery config")

// Validate checks the config is usable for planning
func (c BatteryConfig) Validate() error {
	switch {
	case c.MinSoC < 0 || c.MaxSoC > 100:
		return fmt.Errorf("%w: soc bounds must be within 0-100", ErrInvalidConfig)
	case c.MinSoC >= c.MaxSoC:
		return fmt.Errorf("%w: min_soc %.0f must be below max_soc %.0f", ErrInvalidConfig, c.MinSoC, c.MaxSoC)
	case c.ChargeRate <= 0 || c.DischargeRate <= 0:
		return fmt.Errorf("%w: charge and discharge rates must be positive", ErrInvalidConfig)
	case c.MinProfit < 0:
		return fmt.Errorf("%w: min_profit must not be negative", ErrInvalidConfig)
	case c.Deadband < 0:
		return fmt.Errorf("%w: deadband must not be negative", ErrInvalidConfig)
	}
	return nil
}

// clampSoC limits a SoC value to the configured bounds
func (c BatteryConfig) clampSoC(soc float64) float64 {
	return max(c.MinSoC, min(soc, c.MaxSoC))
}
