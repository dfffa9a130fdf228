package main

import (
	"context"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SensorMessage represents an MQTT message with topic and value
type SensorMessage struct {
	Topic string
	Value string
}

// DisplayData is an immutable snapshot of every topic the stats worker has seen
type DisplayData struct {
	TopicData map[string]any
}

// FloatTopicData holds the latest value of a numeric topic and its
// time-weighted median over the last medianWindow
type FloatTopicData struct {
	Current float64
	Median  float64
}

// StringTopicData holds the latest value of a non-numeric topic
type StringTopicData struct {
	Current string
}

// BooleanTopicData holds the latest value of an on/off topic
type BooleanTopicData struct {
	Current bool
}

// LookupFloat returns the topic's FloatTopicData, if the topic is numeric
func (d *DisplayData) LookupFloat(topic string) (*FloatTopicData, bool) {
	td, ok := d.TopicData[topic].(*FloatTopicData)
	return td, ok
}

// GetFloat returns a zero-valued FloatTopicData if the topic doesn't exist or isn't numeric
func (d *DisplayData) GetFloat(topic string) *FloatTopicData {
	if td, ok := d.LookupFloat(topic); ok {
		return td
	}
	return &FloatTopicData{}
}

// GetString returns "" if the topic doesn't exist or isn't a string
func (d *DisplayData) GetString(topic string) string {
	if td, ok := d.TopicData[topic].(*StringTopicData); ok {
		return td.Current
	}
	return ""
}

// GetBoolean returns true only for a topic whose last value was "on"
func (d *DisplayData) GetBoolean(topic string) bool {
	if td, ok := d.TopicData[topic].(*BooleanTopicData); ok {
		return td.Current
	}
	return false
}

// Reading represents a timestamped sensor reading
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// Readings is a collection of timestamped readings, oldest first
type Readings []Reading

const medianWindow = time.Minute

// timeWeightedMedian returns the value that was in effect for the middle of
// the window, weighting each reading by how long it persisted. With fewer
// than two readings in the window the last known value is returned.
func timeWeightedMedian(readings Readings, window time.Duration, now time.Time) float64 {
	if len(readings) == 0 {
		return 0
	}

	cutoff := now.Add(-window)
	start := len(readings)
	for i, r := range readings {
		if r.Timestamp.After(cutoff) {
			start = i
			break
		}
	}
	inWindow := readings[start:]
	if len(inWindow) <= 1 {
		return readings[len(readings)-1].Value
	}

	type weighted struct {
		value    float64
		duration time.Duration
	}
	pairs := make([]weighted, len(inWindow))
	var total time.Duration
	for i, r := range inWindow {
		end := now
		if i < len(inWindow)-1 {
			end = inWindow[i+1].Timestamp
		}
		pairs[i] = weighted{value: r.Value, duration: end.Sub(r.Timestamp)}
		total += pairs[i].duration
	}
	slices.SortFunc(pairs, func(a, b weighted) int {
		switch {
		case a.value < b.value:
			return -1
		case a.value > b.value:
			return 1
		}
		return 0
	})

	var cumulative time.Duration
	for _, p := range pairs {
		cumulative += p.duration
		if cumulative*2 >= total {
			return p.value
		}
	}
	return pairs[len(pairs)-1].value
}

// parseTopicValue classifies a raw payload as float, on/off or string
func parseTopicValue(raw string) any {
	if value, err := strconv.ParseFloat(raw, 64); err == nil {
		return &FloatTopicData{Current: value, Median: value}
	}
	switch strings.ToLower(raw) {
	case "on":
		return &BooleanTopicData{Current: true}
	case "off":
		return &BooleanTopicData{Current: false}
	}
	return &StringTopicData{Current: raw}
}

// cloneTopicData creates a deep copy of topicData for safe concurrent access
func cloneTopicData(topicData map[string]any) map[string]any {
	clone := make(map[string]any, len(topicData))
	for topic, data := range topicData {
		switch d := data.(type) {
		case *FloatTopicData:
			clone[topic] = &FloatTopicData{Current: d.Current, Median: d.Median}
		case *StringTopicData:
			clone[topic] = &StringTopicData{Current: d.Current}
		case *BooleanTopicData:
			clone[topic] = &BooleanTopicData{Current: d.Current}
		}
	}
	return clone
}

// topicStats is the state owned by statsWorker
type topicStats struct {
	topicData     map[string]any
	topicReadings map[string]Readings
}

func newTopicStats() *topicStats {
	return &topicStats{
		topicData:     make(map[string]any),
		topicReadings: make(map[string]Readings),
	}
}

// apply records one message
func (s *topicStats) apply(msg SensorMessage, now time.Time) {
	parsed := parseTopicValue(msg.Value)

	if existing, ok := s.topicData[msg.Topic]; ok {
		if _, wasFloat := existing.(*FloatTopicData); wasFloat {
			if _, isFloat := parsed.(*FloatTopicData); !isFloat {
				// e.g. a sensor reporting "unknown"; forget its history
				log.Printf("Stats: topic %s is no longer numeric (value=%s)\n", msg.Topic, msg.Value)
				delete(s.topicReadings, msg.Topic)
			}
		}
	}

	f, ok := parsed.(*FloatTopicData)
	if !ok {
		s.topicData[msg.Topic] = parsed
		return
	}

	s.topicReadings[msg.Topic] = append(s.topicReadings[msg.Topic], Reading{Value: f.Current, Timestamp: now})
	f.Median = timeWeightedMedian(s.topicReadings[msg.Topic], medianWindow, now)
	s.topicData[msg.Topic] = f
}

// prune drops readings older than the median window, keeping the newest
func (s *topicStats) prune(now time.Time) {
	cutoff := now.Add(-medianWindow)
	for topic, readings := range s.topicReadings {
		keep := 0
		for keep < len(readings)-1 && !readings[keep].Timestamp.After(cutoff) {
			keep++
		}
		s.topicReadings[topic] = slices.Clone(readings[keep:])
	}
}

// missing returns the required topics not yet received
func (s *topicStats) missing(required []string) []string {
	var out []string
	for _, topic := range required {
		if _, ok := s.topicData[topic]; !ok {
			out = append(out, topic)
		}
	}
	return out
}

func (s *topicStats) snapshot() DisplayData {
	return DisplayData{TopicData: cloneTopicData(s.topicData)}
}

// statsWorker receives messages, maintains per-topic values and sends
// debounced snapshots once every required topic has been seen
func statsWorker(ctx context.Context, msgChan <-chan SensorMessage, outputChan chan<- DisplayData, requiredTopics []string) {
	stats := newTopicStats()

	ready := false
	startupCheckTicker := time.NewTicker(30 * time.Second)
	defer startupCheckTicker.Stop()

	var lastSendTime time.Time
	var debounceTimer *time.Timer
	var debounceTimerC <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	send := func() bool {
		select {
		case outputChan <- stats.snapshot():
			lastSendTime = time.Now()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case msg := <-msgChan:
			stats.apply(msg, time.Now())

			if !ready && len(stats.missing(requiredTopics)) == 0 {
				ready = true
				startupCheckTicker.Stop()
				log.Printf("Stats worker ready: received data for all %d required topics\n", len(requiredTopics))
			}
			if !ready {
				continue
			}

			sinceLast := time.Since(lastSendTime)
			if sinceLast >= time.Second {
				if !send() {
					return
				}
			} else if debounceTimer == nil {
				debounceTimer = time.NewTimer(time.Second - sinceLast)
				debounceTimerC = debounceTimer.C
			}

		case <-debounceTimerC:
			debounceTimer = nil
			debounceTimerC = nil
			if ready && !send() {
				return
			}

		case <-startupCheckTicker.C:
			if missing := stats.missing(requiredTopics); len(missing) > 0 {
				log.Printf("WARNING: Still waiting for %d/%d required topics:\n", len(missing), len(requiredTopics))
				for _, topic := range missing {
					log.Printf("  - %s\n", topic)
				}
			}

		case <-cleanupTicker.C:
			stats.prune(time.Now())

		case <-ctx.Done():
			return
		}
	}
}
