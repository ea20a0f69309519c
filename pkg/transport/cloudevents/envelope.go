package cloudevents

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SpecVersion is the CloudEvents version this package emits.
const SpecVersion = "1.0"

// Envelope attribute names.
const (
	AttrSpecVersion     = "specversion"
	AttrType            = "type"
	AttrSource          = "source"
	AttrID              = "id"
	AttrTime            = "time"
	AttrDataContentType = "datacontenttype"
	AttrData            = "data"
)

// RequiredAttributes must be present and non-null on every received envelope.
var RequiredAttributes = []string{
	AttrSpecVersion, AttrType, AttrSource, AttrID, AttrTime, AttrDataContentType, AttrData,
}

// Header names added to delivered messages.
const (
	HeaderID     = "ce-id"
	HeaderSource = "ce-source"
	HeaderType   = "ce-type"
	HeaderTime   = "ce-time"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["specversion", "type", "source", "id", "time", "datacontenttype", "data"],
  "properties": {
    "specversion":     {"type": "string", "minLength": 1},
    "type":            {"type": "string", "minLength": 1},
    "source":          {"type": "string", "minLength": 1},
    "id":              {"type": "string", "minLength": 1},
    "time":            {"type": "string", "minLength": 1},
    "datacontenttype": {"type": "string"},
    "data":            {"not": {"type": "null"}}
  }
}`

var schema = jsonschema.MustCompileString("cloudevents-envelope.json", envelopeSchema)

func isReserved(name string) bool {
	for _, attr := range RequiredAttributes {
		if attr == name {
			return true
		}
	}
	return false
}

// NewEnvelope wraps payload in a CloudEvents 1.0 structured envelope. Header
// entries that do not collide with a required attribute become extension
// attributes.
func NewEnvelope(topic, source string, payload map[string]any, headers map[string]string, now time.Time) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	env := map[string]any{
		AttrSpecVersion:     SpecVersion,
		AttrType:            topic,
		AttrSource:          source,
		AttrID:              "evt_" + uuid.NewString(),
		AttrTime:            now.UTC().Format(time.RFC3339),
		AttrDataContentType: "application/json",
		AttrData:            payload,
	}
	for k, v := range headers {
		if isReserved(k) {
			continue
		}
		env[k] = v
	}
	return env
}

// Validate checks env against the envelope schema.
func Validate(env map[string]any) error {
	if env == nil {
		return fmt.Errorf("cloudevents: envelope is empty")
	}
	if err := schema.Validate(env); err != nil {
		return fmt.Errorf("cloudevents: invalid envelope: %w", err)
	}
	return nil
}

// Unwrap returns the data of a valid envelope as a payload map together with
// ce-* headers. Non-object data is wrapped as {"data": value}.
func Unwrap(env map[string]any) (map[string]any, map[string]string) {
	var payload map[string]any
	switch data := env[AttrData].(type) {
	case map[string]any:
		payload = data
	default:
		payload = map[string]any{AttrData: data}
	}

	headers := map[string]string{
		HeaderID:     fmt.Sprint(env[AttrID]),
		HeaderSource: fmt.Sprint(env[AttrSource]),
		HeaderType:   fmt.Sprint(env[AttrType]),
		HeaderTime:   fmt.Sprint(env[AttrTime]),
	}
	return payload, headers
}
