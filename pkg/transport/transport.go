// Package transport defines the contract shared by every message driver.
//
// Drivers report medium failures as a false return plus a log line. They
// never return errors or panic past this boundary.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
)

// Driver moves messages to and from an external bus.
type Driver interface {
	Name() string
	Connect(ctx context.Context) bool
	Disconnect(ctx context.Context) bool
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool
	// Subscribe registers handler for topic. The subscription lives until
	// ctx is cancelled or the driver is disconnected.
	Subscribe(ctx context.Context, topic string, handler Handler) bool
}

// Message is a delivered message.
type Message struct {
	Topic      string            `json:"topic"`
	Payload    map[string]any    `json:"payload"`
	Headers    map[string]string `json:"headers"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg *Message)

// Deliverer accepts messages pushed to the process from outside, such as
// webhook or gRPC ingress.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) int
}

// Recorder receives driver level outcomes for metrics.
type Recorder interface {
	RecordPublish(driver, topic string, ok bool, duration time.Duration)
	RecordDelivery(driver, topic string)
}

// NewMessage builds a message with non-nil maps.
func NewMessage(topic string, payload map[string]any, headers map[string]string) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Topic:      topic,
		Payload:    payload,
		Headers:    CloneHeaders(headers),
		ReceivedAt: time.Now().UTC(),
	}
}

// SafeInvoke calls handler and converts a panic into an error log.
func SafeInvoke(ctx context.Context, log logger.Logger, handler Handler, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "message handler panic", "topic", msg.Topic, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	handler(ctx, msg)
	return true
}

// CloneHeaders copies a header map, returning an empty map for nil.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// MergeHeaders returns base overlaid with override. Neither input is modified.
func MergeHeaders(base, override map[string]string) map[string]string {
	out := CloneHeaders(base)
	for k, v := range override {
		out[k] = v
	}
	return out
}

// TopicMatches reports whether topic matches pattern. Segments are separated
// by dots; "*" matches one segment and a trailing ">" or "#" matches one or
// more remaining segments. A bare ">" or "#" matches everything.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == ">" || pattern == "#" {
		return topic != ""
	}
	if strings.HasSuffix(pattern, ".>") || strings.HasSuffix(pattern, ".#") {
		prefix := pattern[:len(pattern)-2]
		prefixParts := strings.Split(prefix, ".")
		topicParts := strings.Split(topic, ".")
		if len(topicParts) <= len(prefixParts) {
			return false
		}
		return segmentsMatch(prefixParts, topicParts[:len(prefixParts)])
	}

	return segmentsMatch(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func segmentsMatch(patternParts, topicParts []string) bool {
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}

// HasWildcard reports whether pattern contains a wildcard segment.
func HasWildcard(pattern string) bool {
	for _, part := range strings.Split(pattern, ".") {
		if part == "*" || part == ">" || part == "#" {
			return true
		}
	}
	return false
}
