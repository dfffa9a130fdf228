package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryansname/dispatchctl/src/dispatch"
	"github.com/ryansname/dispatchctl/src/governor"
)

// MQTTConfig holds the broker connection. Credentials come from the environment.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"-"`
	Password string `mapstructure:"-"`
}

// EntitiesConfig maps live inputs to statestream topics and names the
// Home Assistant entities that are actuated. Empty entity ids are not actuated.
type EntitiesConfig struct {
	SoC             string `mapstructure:"soc"`
	BatteryPower    string `mapstructure:"battery_power"`
	Solar           string `mapstructure:"solar"`
	Consumption     string `mapstructure:"consumption"`
	PricesToday     string `mapstructure:"prices_today"`
	PricesTomorrow  string `mapstructure:"prices_tomorrow"`
	Enable          string `mapstructure:"enable"` // on/off topic; service calls are held while off
	ChargeSwitch    string `mapstructure:"charge_switch"`
	DischargeSwitch string `mapstructure:"discharge_switch"`
	SelfUsageSwitch string `mapstructure:"self_usage_switch"`
}

// ScheduleConfig controls how often the schedule is recomputed and actuated
type ScheduleConfig struct {
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Notify            bool          `mapstructure:"notify"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the full daemon configuration
type Config struct {
	MQTT      MQTTConfig               `mapstructure:"mqtt"`
	Entities  EntitiesConfig           `mapstructure:"entities"`
	Battery   dispatch.BatteryConfig   `mapstructure:"battery"`
	SelfUsage governor.SelfUsageConfig `mapstructure:"self_usage"`
	Schedule  ScheduleConfig           `mapstructure:"schedule"`
	HTTP      HTTPConfig               `mapstructure:"http"`
	Store     StoreConfig              `mapstructure:"store"`
}

func setDefaults(v *viper.Viper) {
	battery := dispatch.DefaultBatteryConfig()
	selfUsage := governor.DefaultSelfUsageConfig()

	v.SetDefault("mqtt.broker", "homeassistant.lan")
	v.SetDefault("mqtt.client_id", "dispatchctl")

	v.SetDefault("entities.soc", "homeassistant/sensor/battery_state_of_charge/state")
	v.SetDefault("entities.battery_power", "homeassistant/sensor/battery_power/state")
	v.SetDefault("entities.solar", "homeassistant/sensor/solar_power/state")
	v.SetDefault("entities.consumption", "homeassistant/sensor/house_consumption/state")
	v.SetDefault("entities.prices_today", "homeassistant/sensor/nordpool/raw_today")
	v.SetDefault("entities.prices_tomorrow", "homeassistant/sensor/nordpool/raw_tomorrow")
	v.SetDefault("entities.enable", "")
	v.SetDefault("entities.charge_switch", "")
	v.SetDefault("entities.discharge_switch", "")
	v.SetDefault("entities.self_usage_switch", "")

	v.SetDefault("battery.min_soc", battery.MinSoC)
	v.SetDefault("battery.max_soc", battery.MaxSoC)
	v.SetDefault("battery.charge_rate", battery.ChargeRate)
	v.SetDefault("battery.discharge_rate", battery.DischargeRate)
	v.SetDefault("battery.min_profit", battery.MinProfit)
	v.SetDefault("battery.deadband", battery.Deadband)

	v.SetDefault("self_usage.delay", selfUsage.Delay)
	v.SetDefault("self_usage.release_delay", selfUsage.ReleaseDelay)
	v.SetDefault("self_usage.solar_floor_w", selfUsage.SolarFloorW)
	v.SetDefault("self_usage.high_soc_fraction", selfUsage.HighSoCFraction)
	v.SetDefault("self_usage.battery_power_fraction", selfUsage.BatteryPowerFraction)

	v.SetDefault("schedule.recompute_interval", 15*time.Minute)
	v.SetDefault("schedule.poll_interval", time.Minute)
	v.SetDefault("schedule.notify", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.path", "dispatchctl.db")
}

// loadConfig reads the YAML file at path (or ./dispatchctl.yaml when path is
// empty and the file exists), applying DISPATCHCTL_* environment overrides.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DISPATCHCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("dispatchctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parts of the config that the workers depend on
func (c Config) Validate() error {
	if err := c.Battery.Validate(); err != nil {
		return err
	}
	switch {
	case c.Entities.SoC == "" || c.Entities.PricesToday == "":
		return errors.New("entities.soc and entities.prices_today must be set")
	case c.Schedule.RecomputeInterval <= 0 || c.Schedule.PollInterval <= 0:
		return errors.New("schedule intervals must be positive")
	case c.SelfUsage.Delay < 0 || c.SelfUsage.ReleaseDelay < 0:
		return errors.New("self_usage delays must not be negative")
	}
	return nil
}

// requiredTopics are the state topics the stats worker waits for before
// publishing anything downstream
func (c Config) requiredTopics() []string {
	return []string{c.Entities.SoC, c.Entities.PricesToday}
}

// stateTopics is the full subscription list for live data
func (c Config) stateTopics() []string {
	topics := []string{
		c.Entities.SoC,
		c.Entities.BatteryPower,
		c.Entities.Solar,
		c.Entities.Consumption,
		c.Entities.PricesToday,
		c.Entities.PricesTomorrow,
		c.Entities.Enable,
	}
	topics = slices.DeleteFunc(topics, func(t string) bool { return t == "" })
	slices.Sort(topics)
	return slices.Compact(topics)
}
