package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dispatchctl/src/api"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		value string
		want  api.Command
	}{
		{"switch on", "homeassistant/switch/dispatchctl_charging/set", "ON", api.Command{Kind: api.CommandSetSwitch, Key: "charging", On: true}},
		{"switch off", "homeassistant/switch/dispatchctl_self_usage/set", "off", api.Command{Kind: api.CommandSetSwitch, Key: "self_usage"}},
		{"number", "homeassistant/number/dispatchctl_min_profit/set", "15.0", api.Command{Kind: api.CommandSetNumber, Key: "min_profit", Value: 15}},
		{"button", "homeassistant/button/dispatchctl_force_discharge/set", "PRESS", api.Command{Kind: api.CommandForceDischarge}},
		{"toggle", "homeassistant/button/dispatchctl_self_usage_toggle/set", "PRESS", api.Command{Kind: api.CommandToggleSelfUsage}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(SensorMessage{Topic: tt.topic, Value: tt.value})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		value string
	}{
		{"state topic", "homeassistant/switch/dispatchctl_charging/state", "ON"},
		{"foreign entity", "homeassistant/switch/other_charging/set", "ON"},
		{"bad switch payload", "homeassistant/switch/dispatchctl_charging/set", "maybe"},
		{"unknown switch", "homeassistant/switch/dispatchctl_turbo/set", "ON"},
		{"non numeric", "homeassistant/number/dispatchctl_max_soc/set", "lots"},
		{"out of range", "homeassistant/number/dispatchctl_max_soc/set", "101"},
		{"unknown button", "homeassistant/button/dispatchctl_explode/set", "PRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCommand(SensorMessage{Topic: tt.topic, Value: tt.value})
			assert.Error(t, err)
		})
	}
}

func TestCommandTopicsRoundTrip(t *testing.T) {
	topics := commandTopics()
	assert.Len(t, topics, len(api.Switches)+len(api.Numbers)+len(api.Services))

	for _, topic := range topics {
		_, err := parseCommand(SensorMessage{Topic: topic, Value: "1"})
		assert.NotErrorIs(t, err, errNotACommand, topic)
	}
}
