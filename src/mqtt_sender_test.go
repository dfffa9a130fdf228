package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dispatchctl/src/api"
)

func drain(ch chan MQTTMessage) []MQTTMessage {
	var msgs []MQTTMessage
	for {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func decodePayload(t *testing.T, msg MQTTMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

func TestCreateEntities(t *testing.T) {
	ch := make(chan MQTTMessage, 100)
	require.NoError(t, NewMQTTSender(ch).CreateEntities())

	msgs := drain(ch)
	assert.Len(t, msgs, 2+len(api.Switches)+len(api.Numbers)+len(api.Services))

	byTopic := make(map[string]MQTTMessage)
	for _, msg := range msgs {
		assert.True(t, msg.Retain)
		assert.Equal(t, byte(2), msg.QoS)
		byTopic[msg.Topic] = msg
	}

	schedule := decodePayload(t, byTopic["homeassistant/sensor/dispatchctl_schedule/config"])
	assert.Equal(t, "homeassistant/sensor/dispatchctl_schedule/attributes", schedule["json_attributes_topic"])
	assert.Equal(t, "dispatchctl_schedule", schedule["unique_id"])
	assert.Equal(t, "dispatchctl_schedule", schedule["object_id"])

	minProfit := decodePayload(t, byTopic["homeassistant/number/dispatchctl_min_profit/config"])
	assert.Equal(t, 0.0, minProfit["min"])
	assert.Equal(t, 1000.0, minProfit["max"])
	assert.Equal(t, 1.0, minProfit["step"])
	assert.Equal(t, "homeassistant/number/dispatchctl_min_profit/set", minProfit["command_topic"])

	charging := decodePayload(t, byTopic["homeassistant/switch/dispatchctl_charging/config"])
	assert.Equal(t, "Charging", charging["name"])
	assert.Equal(t, "homeassistant/switch/dispatchctl_charging/state", charging["state_topic"])

	button := decodePayload(t, byTopic["homeassistant/button/dispatchctl_force_update_schedule/config"])
	assert.Equal(t, "Force Update Schedule", button["name"])
	assert.NotContains(t, button, "state_topic")
}

func TestSetSwitch(t *testing.T) {
	ch := make(chan MQTTMessage, 10)
	sender := NewMQTTSender(ch)

	sender.SetSwitch("switch.inverter_force_charge", true)
	sender.SetSwitch("input_boolean.battery_self_usage", false)
	sender.SetSwitch("nodomain", true)

	msgs := drain(ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, callServiceTopic, msgs[0].Topic)
	assert.Equal(t, map[string]any{
		"domain":    "switch",
		"service":   "turn_on",
		"entity_id": "switch.inverter_force_charge",
	}, decodePayload(t, msgs[0]))
	assert.Equal(t, map[string]any{
		"domain":    "input_boolean",
		"service":   "turn_off",
		"entity_id": "input_boolean.battery_self_usage",
	}, decodePayload(t, msgs[1]))
}

func TestNotify(t *testing.T) {
	ch := make(chan MQTTMessage, 10)
	NewMQTTSender(ch).Notify("dispatchctl_schedule", "Battery schedule", "| a |")

	msgs := drain(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{
		"domain":  "persistent_notification",
		"service": "create",
		"data": map[string]any{
			"notification_id": "dispatchctl_schedule",
			"title":           "Battery schedule",
			"message":         "| a |",
		},
	}, decodePayload(t, msgs[0]))
}

func TestPublishState(t *testing.T) {
	ch := make(chan MQTTMessage, 10)
	sender := NewMQTTSender(ch)

	sender.PublishState("switch", "discharging", switchState(true))
	require.NoError(t, sender.PublishAttributes("sensor", "schedule", map[string]int{"windows": 2}))

	msgs := drain(ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, "homeassistant/switch/dispatchctl_discharging/state", msgs[0].Topic)
	assert.Equal(t, "ON", string(msgs[0].Payload))
	assert.Equal(t, "homeassistant/sensor/dispatchctl_schedule/attributes", msgs[1].Topic)
	assert.JSONEq(t, `{"windows":2}`, string(msgs[1].Payload))
}
