package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/dispatchctl/src/api"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

const callServiceTopic = "nodered/proxy/call_service"

// callService sends a Home Assistant service call via the Node-RED proxy
func (s *MQTTSender) callService(domain, service string, fields map[string]any) {
	body := map[string]any{
		"domain":  domain,
		"service": service,
	}
	for k, v := range fields {
		body[k] = v
	}
	payload, _ := json.Marshal(body)

	s.ch <- MQTTMessage{
		Topic:   callServiceTopic,
		Payload: payload,
		QoS:     1,
		Retain:  false,
	}
}

// CallService sends a Home Assistant service call for one entity
func (s *MQTTSender) CallService(domain, service, entityID string) {
	s.callService(domain, service, map[string]any{"entity_id": entityID})
}

// SetSwitch turns an entity on or off using its own domain's service,
// so switches and input_booleans both work
func (s *MQTTSender) SetSwitch(entityID string, on bool) {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		log.Printf("Ignoring malformed entity id %q\n", entityID)
		return
	}
	service := "turn_off"
	if on {
		service = "turn_on"
	}
	s.CallService(domain, service, entityID)
}

// Notify creates (or replaces) a persistent notification in Home Assistant
func (s *MQTTSender) Notify(notificationID, title, message string) {
	s.callService("persistent_notification", "create", map[string]any{
		"data": map[string]string{
			"notification_id": notificationID,
			"title":           title,
			"message":         message,
		},
	})
}

const objectPrefix = "dispatchctl"

// entityTopic builds the topic for one of our own entities,
// e.g. homeassistant/switch/dispatchctl_charging/set
func entityTopic(component, key, suffix string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/%s", component, objectPrefix, key, suffix)
}

// PublishState publishes the retained state of one of our entities
func (s *MQTTSender) PublishState(component, key, value string) {
	s.Send(MQTTMessage{
		Topic:   entityTopic(component, key, "state"),
		Payload: []byte(value),
		QoS:     1,
		Retain:  true,
	})
}

// PublishAttributes publishes the JSON attributes of one of our entities
func (s *MQTTSender) PublishAttributes(component, key string, attributes any) error {
	payload, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("encoding %s attributes: %w", key, err)
	}
	s.Send(MQTTMessage{
		Topic:   entityTopic(component, key, "attributes"),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return nil
}

func switchState(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// haEntityConfig covers the discovery fields used by sensors, switches,
// numbers and buttons. Unused fields are omitted per component.
type haEntityConfig struct {
	Name                string         `json:"name"`
	UniqueId            string         `json:"unique_id"`
	ObjectId            string         `json:"object_id"`
	Icon                string         `json:"icon,omitempty"`
	StateTopic          string         `json:"state_topic,omitempty"`
	CommandTopic        string         `json:"command_topic,omitempty"`
	JsonAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	UnitOfMeasure       string         `json:"unit_of_measurement,omitempty"`
	Min                 *float64       `json:"min,omitempty"`
	Max                 *float64       `json:"max,omitempty"`
	Step                float64        `json:"step,omitempty"`
	Mode                string         `json:"mode,omitempty"`
	Device              haDeviceConfig `json:"device"`
}

var dispatchDevice = haDeviceConfig{
	Identifiers:  []string{objectPrefix},
	Name:         "Battery Dispatch",
	Manufacturer: "Custom",
	Model:        "dispatchctl",
}

var switchIcons = map[string]string{
	api.SwitchCharging:    "mdi:battery-charging",
	api.SwitchDischarging: "mdi:battery-arrow-down",
	api.SwitchSelfUsage:   "mdi:solar-power",
}

// discoveryConfigs returns every discovery message for our entities
func discoveryConfigs() ([]MQTTMessage, error) {
	type entity struct {
		component string
		key       string
		config    haEntityConfig
	}

	entities := []entity{
		{"sensor", "schedule", haEntityConfig{
			Name:                "Schedule",
			Icon:                "mdi:battery-clock",
			StateTopic:          entityTopic("sensor", "schedule", "state"),
			JsonAttributesTopic: entityTopic("sensor", "schedule", "attributes"),
		}},
		{"sensor", "self_usage_mode", haEntityConfig{
			Name:       "Self Usage Mode",
			Icon:       "mdi:solar-power-variant",
			StateTopic: entityTopic("sensor", "self_usage_mode", "state"),
		}},
	}

	for _, key := range api.Switches {
		entities = append(entities, entity{"switch", key, haEntityConfig{
			Name:         titleCase(key),
			Icon:         switchIcons[key],
			StateTopic:   entityTopic("switch", key, "state"),
			CommandTopic: entityTopic("switch", key, "set"),
		}})
	}

	for _, n := range api.Numbers {
		entities = append(entities, entity{"number", n.Key, haEntityConfig{
			Name:          n.Name,
			StateTopic:    entityTopic("number", n.Key, "state"),
			CommandTopic:  entityTopic("number", n.Key, "set"),
			UnitOfMeasure: n.Unit,
			Min:           &n.Min,
			Max:           &n.Max,
			Step:          n.Step,
			Mode:          "box",
		}})
	}

	for _, kind := range api.Services {
		key := string(kind)
		entities = append(entities, entity{"button", key, haEntityConfig{
			Name:         titleCase(key),
			CommandTopic: entityTopic("button", key, "set"),
		}})
	}

	msgs := make([]MQTTMessage, 0, len(entities))
	for _, e := range entities {
		e.config.UniqueId = objectPrefix + "_" + e.key
		e.config.ObjectId = e.config.UniqueId
		e.config.Device = dispatchDevice

		payload, err := json.Marshal(e.config)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s discovery: %w", e.component, e.key, err)
		}
		msgs = append(msgs, MQTTMessage{
			Topic:   entityTopic(e.component, e.key, "config"),
			Payload: payload,
			QoS:     2,
			Retain:  true,
		})
	}
	return msgs, nil
}

// CreateEntities announces all our entities via MQTT discovery
func (s *MQTTSender) CreateEntities() error {
	msgs, err := discoveryConfigs()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		s.Send(msg)
	}
	return nil
}

// titleCase turns "force_update_schedule" into "Force Update Schedule"
func titleCase(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// mqttSenderWorker publishes outgoing messages, queueing them until a client connects
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			if client != nil && client.IsConnected() {
				for _, msg := range messageQueue {
					publish(msg)
				}
				if len(messageQueue) > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", len(messageQueue))
				}
				messageQueue = nil
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
			} else {
				messageQueue = append(messageQueue, msg)
				log.Printf("MQTT sender worker queued message (total queued: %d)\n", len(messageQueue))
			}

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
