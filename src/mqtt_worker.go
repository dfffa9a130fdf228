package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// brokerURL accepts either a bare host or a full broker URL
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return fmt.Sprintf("tcp://%s:1883", broker)
}

// isUndefined reports payloads that carry no state at all. "unknown" and
// "unavailable" are passed on so the reading is treated as unknown rather
// than keeping a stale value.
func isUndefined(value string) bool {
	return value == "" || value == "Undefined"
}

// mqttWorker manages the MQTT connection. State topics are forwarded to
// msgChan, command topics for our own entities to commandChan.
func mqttWorker(
	ctx context.Context,
	cfg MQTTConfig,
	stateTopics []string,
	commandTopics []string,
	msgChan chan<- SensorMessage,
	commandChan chan<- SensorMessage,
	clientChan chan<- mqtt.Client,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	forward := func(out chan<- SensorMessage, skipUndefined bool) mqtt.MessageHandler {
		return func(client mqtt.Client, msg mqtt.Message) {
			value := strings.TrimSpace(string(msg.Payload()))
			if skipUndefined && isUndefined(value) {
				return
			}
			select {
			case out <- SensorMessage{Topic: msg.Topic(), Value: value}:
			case <-ctx.Done():
			}
		}
	}

	subscribe := func(client mqtt.Client, topics []string, qos byte, handler mqtt.MessageHandler) {
		for _, topic := range topics {
			token := client.Subscribe(topic, qos, handler)
			if token.Wait() && token.Error() != nil {
				log.Printf("Failed to subscribe to topic %s: %v\n", topic, token.Error())
			} else {
				log.Printf("Subscribed to topic: %s\n", topic)
			}
		}
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", cfg.Broker)

		select {
		case clientChan <- client:
			log.Println("Sent new MQTT client to sender worker")
		case <-ctx.Done():
			return
		}

		subscribe(client, stateTopics, 0, forward(msgChan, true))
		subscribe(client, commandTopics, 1, forward(commandChan, false))
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...\n", cfg.Broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}
