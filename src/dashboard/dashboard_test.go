package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testEntities() Entities {
	return Entities{
		SoC:          "sensor.battery_state_of_charge",
		Solar:        "sensor.solar_power",
		BatteryPower: "sensor.battery_power",
		Consumption:  "sensor.house_consumption",
	}
}

func TestEntityFromTopic(t *testing.T) {
	assert.Equal(t, "sensor.solar_power", EntityFromTopic("homeassistant/sensor/solar_power/state"))
	assert.Equal(t, "sensor.nordpool", EntityFromTopic("homeassistant/sensor/nordpool/raw_today"))
	assert.Equal(t, "", EntityFromTopic("solar_power"))
}

func TestGenerateTemplates(t *testing.T) {
	out, err := GenerateTemplatesYAML(NewConfig(testEntities()))
	require.NoError(t, err)

	var sensors []map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(out), &sensors))
	require.Len(t, sensors, 4)

	assert.Equal(t, "dispatchctl_battery_discharge_power", sensors[0]["name"])
	assert.Equal(t, "power", sensors[0]["device_class"])
	assert.Equal(t, "W", sensors[0]["unit_of_measurement"])
	assert.Equal(t, "{{ [states('sensor.battery_power') | float(0), 0] | max }}", sensors[0]["state"])

	assert.Equal(t, "timestamp", sensors[2]["device_class"])
	assert.NotContains(t, sensors[2], "unit_of_measurement")
	assert.Contains(t, sensors[2]["state"], "'charge_periods'")
}

func TestGenerateDashboard(t *testing.T) {
	out, err := GenerateDashboardYAML(NewConfig(testEntities()))
	require.NoError(t, err)

	var doc struct {
		Title string `yaml:"title"`
		Views []struct {
			Cards []map[string]any `yaml:"cards"`
		} `yaml:"views"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "Battery Dispatch", doc.Title)
	require.Len(t, doc.Views, 1)
	cards := doc.Views[0].Cards
	require.Len(t, cards, 5)

	controls := cards[0]["entities"].([]any)
	assert.Contains(t, controls, "sensor.dispatchctl_schedule")
	assert.Contains(t, controls, "sensor.battery_state_of_charge")
	assert.Contains(t, controls, "switch.dispatchctl_self_usage")
	assert.Contains(t, controls, "number.dispatchctl_min_profit")

	buttons := cards[1]["cards"].([]any)
	assert.Len(t, buttons, 4)

	assert.Equal(t, "markdown", cards[3]["type"])
	assert.Contains(t, cards[3]["content"], "state_attr('sensor.dispatchctl_schedule', 'schedule')")

	sankey := cards[4]
	assert.Equal(t, "custom:sankey-chart", sankey["type"])
	sections := sankey["sections"].([]any)
	require.Len(t, sections, 2)

	sources := sections[0].(map[string]any)["entities"].([]any)
	require.Len(t, sources, 3)
	solar := sources[0].(map[string]any)
	assert.Equal(t, "sensor.solar_power", solar["entity_id"])
	assert.Equal(t, []any{"sensor.house_consumption", "sensor.dispatchctl_battery_charge_power"}, solar["children"])

	grid := sources[2].(map[string]any)
	assert.Equal(t, "remaining_child_state", grid["type"])
	assert.Equal(t, map[string]any{"should_be": "equal_or_less", "reconcile_to": "max"}, grid["parents_sum"])
}

func TestGenerateDashboardWithoutPowerSensors(t *testing.T) {
	entities := testEntities()
	entities.Solar = ""

	generated, err := Generate(NewConfig(entities))
	require.NoError(t, err)
	assert.NotContains(t, generated.Dashboard, "sankey")
	assert.NotEmpty(t, generated.Templates)
}
