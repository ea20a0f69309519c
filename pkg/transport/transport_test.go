package transport

import (
	"context"
	"testing"

	"github.com/goclaw/eventmesh/pkg/logger"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "order.created", true},
		{"order.*", "order.created.v2", false},
		{"*.failed", "payment.failed", true},
		{"order.>", "order.created", true},
		{"order.>", "order.created.v2", true},
		{"order.>", "order", false},
		{"order.#", "order.item.added", true},
		{"order.*.>", "order.eu.created.v1", true},
		{">", "anything.at.all", true},
		{"#", "x", true},
		{"payment.*", "order.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			if got := TopicMatches(tt.pattern, tt.topic); got != tt.want {
				t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestHasWildcard(t *testing.T) {
	if HasWildcard("order.created") {
		t.Error("plain topic reported as wildcard")
	}
	for _, p := range []string{"order.*", "order.>", "#"} {
		if !HasWildcard(p) {
			t.Errorf("%s should be a wildcard", p)
		}
	}
}

func TestMergeHeaders(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	override := map[string]string{"b": "3", "c": "4"}

	got := MergeHeaders(base, override)
	if got["a"] != "1" || got["b"] != "3" || got["c"] != "4" {
		t.Errorf("unexpected merge result %v", got)
	}
	if base["b"] != "2" {
		t.Error("base was modified")
	}
	if MergeHeaders(nil, nil) == nil {
		t.Error("expected non-nil map")
	}
}

func TestSafeInvoke(t *testing.T) {
	msg := NewMessage("order.created", nil, nil)
	if msg.Payload == nil || msg.Headers == nil {
		t.Fatal("expected non-nil maps")
	}

	called := false
	if !SafeInvoke(context.Background(), logger.Nop(), func(context.Context, *Message) { called = true }, msg) {
		t.Error("expected ok")
	}
	if !called {
		t.Error("handler not called")
	}

	if SafeInvoke(context.Background(), logger.Nop(), func(context.Context, *Message) { panic("boom") }, msg) {
		t.Error("expected panic to be reported")
	}
}
