package main

import (
	"context"
	"encoding/json"
	"log"
	"slices"
)

// actuationGate holds back Home Assistant service calls while the enable
// entity is off. Our own entity state and discovery messages always pass.
// Only the latest held call per entity is kept and replayed on re-enable.
type actuationGate struct {
	enableTopic string
	enabled     bool
	held        map[string]MQTTMessage
}

func newActuationGate(enableTopic string) *actuationGate {
	return &actuationGate{
		enableTopic: enableTopic,
		enabled:     true,
		held:        make(map[string]MQTTMessage),
	}
}

// serviceCallKey identifies what a service call acts on, so a later call
// for the same entity replaces an earlier held one
func serviceCallKey(msg MQTTMessage) string {
	var call struct {
		Domain   string `json:"domain"`
		Service  string `json:"service"`
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal(msg.Payload, &call); err != nil || call.EntityID == "" {
		return call.Domain + "." + call.Service
	}
	return call.EntityID
}

// filter returns the messages to forward for msg
func (g *actuationGate) filter(msg MQTTMessage) []MQTTMessage {
	if g.enabled || msg.Topic != callServiceTopic {
		return []MQTTMessage{msg}
	}
	key := serviceCallKey(msg)
	g.held[key] = msg
	log.Printf("Actuation disabled, holding service call for %s\n", key)
	return nil
}

// update reads the enable entity and returns any held calls to release
func (g *actuationGate) update(data DisplayData) []MQTTMessage {
	if g.enableTopic == "" {
		return nil
	}
	td, ok := data.TopicData[g.enableTopic].(*BooleanTopicData)
	if !ok || td.Current == g.enabled {
		return nil
	}
	g.enabled = td.Current
	log.Printf("Actuation enabled: %v\n", g.enabled)
	if !g.enabled || len(g.held) == 0 {
		return nil
	}

	keys := make([]string, 0, len(g.held))
	for key := range g.held {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	released := make([]MQTTMessage, 0, len(keys))
	for _, key := range keys {
		released = append(released, g.held[key])
	}
	clear(g.held)
	return released
}

// actuationGateWorker sits between the MQTT sender and the publisher
func actuationGateWorker(
	ctx context.Context,
	gate *actuationGate,
	inputChan <-chan MQTTMessage,
	outputChan chan<- MQTTMessage,
	dataChan <-chan DisplayData,
) {
	log.Println("Actuation gate started")

	forward := func(msgs []MQTTMessage) bool {
		for _, msg := range msgs {
			select {
			case outputChan <- msg:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case data := <-dataChan:
			if !forward(gate.update(data)) {
				return
			}

		case msg := <-inputChan:
			if !forward(gate.filter(msg)) {
				return
			}

		case <-ctx.Done():
			log.Println("Actuation gate stopped")
			return
		}
	}
}
