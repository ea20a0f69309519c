package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
)

// maxExactFloat is the largest integer a float64 holds without rounding.
const maxExactFloat = 1 << 53

// DecodePayload decodes a JSON object into a payload map. Numbers become
// float64 unless they are integers a float64 cannot hold exactly; those
// stay int64 (or uint64 above the int64 range). An empty document or null
// decodes to an empty map.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return NormalizeNumbers(out).(map[string]any), nil
}

// NormalizePayload round-trips a payload through JSON so it holds the same
// value shapes a decoded message would. A nil payload becomes an empty map.
func NormalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return DecodePayload(data)
}

// NormalizeNumbers replaces every json.Number inside v, walking maps and
// slices in place.
func NormalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = NormalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = NormalizeNumbers(val)
		}
		return t
	case json.Number:
		return number(t)
	default:
		return v
	}
}

func number(n json.Number) any {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i > maxExactFloat || i < -maxExactFloat {
			return i
		}
		return float64(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return s
	}
	return f
}
