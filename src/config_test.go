package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatchctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MQTT_USERNAME", "user")
	t.Setenv("MQTT_PASSWORD", "secret")

	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  broker: broker.lan\n"))
	require.NoError(t, err)

	assert.Equal(t, "broker.lan", cfg.MQTT.Broker)
	assert.Equal(t, "dispatchctl", cfg.MQTT.ClientID)
	assert.Equal(t, "user", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, 10.0, cfg.Battery.MinProfit)
	assert.Equal(t, 25.0, cfg.Battery.ChargeRate)
	assert.Equal(t, 120*time.Second, cfg.SelfUsage.Delay)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.RecomputeInterval)
	assert.True(t, cfg.Schedule.Notify)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DISPATCHCTL_BATTERY_MIN_PROFIT", "3")

	cfg, err := loadConfig(writeConfig(t, `
entities:
  charge_switch: switch.inverter_force_charge
  enable: homeassistant/input_boolean/dispatch_enabled/state
battery:
  max_soc: 90
self_usage:
  delay: 30s
schedule:
  notify: false
`))
	require.NoError(t, err)

	assert.Equal(t, "switch.inverter_force_charge", cfg.Entities.ChargeSwitch)
	assert.Equal(t, 90.0, cfg.Battery.MaxSoC)
	assert.Equal(t, 3.0, cfg.Battery.MinProfit)
	assert.Equal(t, 30*time.Second, cfg.SelfUsage.Delay)
	assert.False(t, cfg.Schedule.Notify)
	assert.Contains(t, cfg.stateTopics(), "homeassistant/input_boolean/dispatch_enabled/state")
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "battery:\n  min_soc: 80\n  max_soc: 20\n"))
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStateTopics(t *testing.T) {
	cfg := Config{Entities: EntitiesConfig{
		SoC:         "b",
		Solar:       "a",
		Consumption: "a",
		PricesToday: "c",
	}}
	assert.Equal(t, []string{"a", "b", "c"}, cfg.stateTopics())
	assert.Equal(t, []string{"b", "c"}, cfg.requiredTopics())
}
