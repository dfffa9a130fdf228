package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/ryansname/dispatchctl/src/api"
)

var errNotACommand = errors.New("not a command topic")

// commandTopics lists the command topics of our switches, numbers and buttons
func commandTopics() []string {
	var topics []string
	for _, key := range api.Switches {
		topics = append(topics, entityTopic("switch", key, "set"))
	}
	for _, n := range api.Numbers {
		topics = append(topics, entityTopic("number", n.Key, "set"))
	}
	for _, kind := range api.Services {
		topics = append(topics, entityTopic("button", string(kind), "set"))
	}
	return topics
}

// parseCommand maps a message on one of our command topics to a command
func parseCommand(msg SensorMessage) (api.Command, error) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) != 4 || parts[0] != "homeassistant" || parts[3] != "set" {
		return api.Command{}, fmt.Errorf("%w: %s", errNotACommand, msg.Topic)
	}
	component := parts[1]
	key, ok := strings.CutPrefix(parts[2], objectPrefix+"_")
	if !ok {
		return api.Command{}, fmt.Errorf("%w: %s", errNotACommand, msg.Topic)
	}

	switch component {
	case "switch":
		switch strings.ToUpper(msg.Value) {
		case "ON":
			return api.SwitchCommand(key, true)
		case "OFF":
			return api.SwitchCommand(key, false)
		}
		return api.Command{}, fmt.Errorf("switch %s: unexpected payload %q", key, msg.Value)

	case "number":
		value, err := strconv.ParseFloat(msg.Value, 64)
		if err != nil {
			return api.Command{}, fmt.Errorf("number %s: %w", key, err)
		}
		return api.NumberCommand(key, value)

	case "button":
		if cmd, ok := api.ServiceCommand(key); ok {
			return cmd, nil
		}
		return api.Command{}, fmt.Errorf("%w: button %s", api.ErrUnknownSetting, key)
	}
	return api.Command{}, fmt.Errorf("%w: %s", errNotACommand, msg.Topic)
}

// commandWorker turns messages from Home Assistant entities into commands
// for the dispatch worker
func commandWorker(ctx context.Context, msgChan <-chan SensorMessage, commandChan chan<- api.Command) {
	for {
		select {
		case msg := <-msgChan:
			cmd, err := parseCommand(msg)
			if err != nil {
				log.Printf("Command worker: ignoring %s=%q: %v\n", msg.Topic, msg.Value, err)
				continue
			}
			select {
			case commandChan <- cmd:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
