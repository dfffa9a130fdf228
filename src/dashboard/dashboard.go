// Package dashboard generates the Home Assistant template sensors and
// Lovelace view that display the dispatch schedule and live power flow.
package dashboard

import (
	"fmt"
	"strings"
)

// Entity ids created by MQTT discovery
const (
	ScheduleSensor  = "sensor.dispatchctl_schedule"
	SelfUsageSensor = "sensor.dispatchctl_self_usage_mode"

	batteryDischargeSensor = "sensor.dispatchctl_battery_discharge_power"
	batteryChargeSensor    = "sensor.dispatchctl_battery_charge_power"
)

var (
	switchKeys  = []string{"charging", "discharging", "self_usage"}
	numberKeys  = []string{"min_soc", "max_soc", "charge_rate", "discharge_rate", "min_profit"}
	buttonKeys  = []string{"force_update_schedule", "force_charge", "force_discharge", "self_usage_toggle"}
	buttonIcons = map[string]string{
		"force_update_schedule": "mdi:refresh",
		"force_charge":          "mdi:battery-charging",
		"force_discharge":       "mdi:battery-arrow-down",
		"self_usage_toggle":     "mdi:solar-power",
	}
)

// EntityFromTopic turns a statestream topic such as
// homeassistant/sensor/solar_power/state into sensor.solar_power
func EntityFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-3] + "." + parts[len(parts)-2]
}

// NewConfig builds the dashboard for the given live sensors
func NewConfig(entities Entities) Config {
	battery := fmt.Sprintf("states('%s') | float(0)", entities.BatteryPower)

	cfg := Config{
		Title:    "Battery Dispatch",
		Entities: entities,
		Sensors: []SensorTemplate{
			{Name: "dispatchctl_battery_discharge_power", Type: TemplateFormula, Formula: fmt.Sprintf("[%s, 0] | max", battery)},
			{Name: "dispatchctl_battery_charge_power", Type: TemplateFormula, Formula: fmt.Sprintf("[-(%s), 0] | max", battery)},
			{Name: "dispatchctl_next_charge", Type: TemplateTimestamp, Formula: nextPeriod("charge_periods")},
			{Name: "dispatchctl_next_discharge", Type: TemplateTimestamp, Formula: nextPeriod("discharge_periods")},
		},
	}

	cfg.Groups = []Group{
		{
			Name:     "solar",
			Section:  SectionSources,
			Sensors:  []Sensor{{Name: entities.Solar, Label: "Solar"}},
			Children: []string{"house", "battery_in"},
		},
		{
			Name:     "battery_out",
			Section:  SectionSources,
			Sensors:  []Sensor{{Name: batteryDischargeSensor, Label: "Battery"}},
			Children: []string{"house"},
		},
		{
			Name:    "grid",
			Section: SectionSources,
			Other: &RemainderStrategy{
				Key:        "grid_import",
				Label:      "Grid",
				Type:       RemainderChildState,
				ParentsSum: &Reconcile{ShouldBe: ShouldBeEqualOrLess, ReconcileTo: ReconcileToMax},
			},
			Children: []string{"house"},
		},
		{
			Name:    "house",
			Section: SectionLoads,
			Sensors: []Sensor{{Name: entities.Consumption, Label: "House"}},
		},
		{
			Name:    "battery_in",
			Section: SectionLoads,
			Sensors: []Sensor{{Name: batteryChargeSensor, Label: "Battery"}},
		},
	}
	return cfg
}

func nextPeriod(attribute string) string {
	return fmt.Sprintf("(state_attr('%s', '%s') or [{}])[0].start_time | default(none)", ScheduleSensor, attribute)
}

// GeneratedConfigs holds both generated YAML outputs
type GeneratedConfigs struct {
	Dashboard string
	Templates string
}

// Generate renders the template sensors and the Lovelace view
func Generate(cfg Config) (GeneratedConfigs, error) {
	templates, err := GenerateTemplatesYAML(cfg)
	if err != nil {
		return GeneratedConfigs{}, err
	}
	view, err := GenerateDashboardYAML(cfg)
	if err != nil {
		return GeneratedConfigs{}, err
	}
	return GeneratedConfigs{Dashboard: view, Templates: templates}, nil
}
