// Package transport moves framed payloads between sensors, the engine and
// downstream consumers. Topics use MQTT syntax; subscribers accept the '+'
// and '#' wildcards.
package transport

import (
	"context"
	"errors"
	"strings"
)

const (
	// ReadingsFilter matches every sensor readings topic.
	ReadingsFilter = "motion/sensors/+/readings"
	// ResultsFilter matches every session results topic.
	ResultsFilter = "motion/sessions/+/results"
	// LatencyFilter matches every sensor latency topic.
	LatencyFilter = "motion/sensors/+/latency"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Message is one delivered payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one message. A non-nil error leaves the message
// unacknowledged where the transport supports redelivery.
type Handler func(ctx context.Context, m Message) error

// Publisher sends payloads.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages matching filter to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, h Handler) error
}

// ReadingsTopic is where a sensor's reading batches are published.
func ReadingsTopic(sensorID string) string {
	return "motion/sensors/" + sensorID + "/readings"
}

// ResultsTopic is where a session's analysis outputs are published.
func ResultsTopic(sessionID string) string {
	return "motion/sessions/" + sessionID + "/results"
}

// LatencyTopic is where a sensor's latency budget violations are published.
func LatencyTopic(sensorID string) string {
	return "motion/sensors/" + sensorID + "/latency"
}

// SensorFromTopic extracts the sensor id from a readings topic.
func SensorFromTopic(topic string) (string, bool) {
	return topicID(topic, "sensors", "readings")
}

// SessionFromTopic extracts the session id from a results topic.
func SessionFromTopic(topic string) (string, bool) {
	return topicID(topic, "sessions", "results")
}

func topicID(topic, kind, leaf string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "motion" || parts[1] != kind || parts[3] != leaf || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// Tee publishes every payload to each publisher in order. Nil publishers
// are skipped; errors are joined and do not stop later publishers.
type Tee []Publisher

func (t Tee) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, p := range t {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Match reports whether topic matches an MQTT-style filter.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		switch {
		case part == "#":
			return true
		case i >= len(t):
			return false
		case part == "+":
			if t[i] == "" {
				return false
			}
		case part != t[i]:
			return false
		}
	}
	return len(f) == len(t)
}
