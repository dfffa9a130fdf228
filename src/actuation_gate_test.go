package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enableData(on bool) DisplayData {
	return DisplayData{TopicData: map[string]any{"enable": &BooleanTopicData{Current: on}}}
}

func TestActuationGate(t *testing.T) {
	ch := make(chan MQTTMessage, 20)
	sender := NewMQTTSender(ch)
	gate := newActuationGate("enable")

	sender.SetSwitch("switch.charge", true)
	assert.Len(t, gate.filter(<-ch), 1, "enabled until told otherwise")

	assert.Empty(t, gate.update(enableData(false)))

	sender.SetSwitch("switch.charge", false)
	sender.SetSwitch("switch.discharge", true)
	sender.SetSwitch("switch.charge", true)
	sender.PublishState("switch", "charging", "ON")
	var passed []MQTTMessage
	for _, msg := range drain(ch) {
		passed = append(passed, gate.filter(msg)...)
	}
	require.Len(t, passed, 1)
	assert.Equal(t, "homeassistant/switch/dispatchctl_charging/state", passed[0].Topic)

	// No change, nothing released
	assert.Empty(t, gate.update(enableData(false)))
	assert.Empty(t, gate.update(DisplayData{TopicData: map[string]any{}}))

	released := gate.update(enableData(true))
	require.Len(t, released, 2)
	assert.Equal(t, map[string]any{"domain": "switch", "service": "turn_on", "entity_id": "switch.charge"}, decodePayload(t, released[0]))
	assert.Equal(t, map[string]any{"domain": "switch", "service": "turn_on", "entity_id": "switch.discharge"}, decodePayload(t, released[1]))

	assert.Empty(t, gate.update(enableData(false)))
	assert.Empty(t, gate.update(enableData(true)))
}

func TestActuationGateWithoutEnableEntity(t *testing.T) {
	ch := make(chan MQTTMessage, 5)
	gate := newActuationGate("")

	assert.Empty(t, gate.update(enableData(false)))
	NewMQTTSender(ch).Notify("id", "title", "message")
	assert.Len(t, gate.filter(<-ch), 1)
}

func TestServiceCallKey(t *testing.T) {
	ch := make(chan MQTTMessage, 5)
	sender := NewMQTTSender(ch)
	sender.SetSwitch("input_boolean.self_usage", true)
	sender.Notify("id", "title", "message")

	msgs := drain(ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, "input_boolean.self_usage", serviceCallKey(msgs[0]))
	assert.Equal(t, "persistent_notification.create", serviceCallKey(msgs[1]))
}
