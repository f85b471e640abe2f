// Package detection turns raw inference output into validated, categorized
// bounding boxes and per-snapshot aggregates.
package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
)

// RawBox is one bounding box exactly as the model reported it.
type RawBox struct {
	Category   string  `json:"vehicle_type"`
	XMin       float64 `json:"x_min"`
	YMin       float64 `json:"y_min"`
	XMax       float64 `json:"x_max"`
	YMax       float64 `json:"y_max"`
	Confidence float64 `json:"confidence_score"`
}

// field aliases accepted from the model, in lookup order.
var (
	categoryFields   = []string{"vehicle_type", "category"}
	confidenceFields = []string{"confidence_score", "confidence"}
)

// Parse decodes a model response into raw boxes. Code fences and surrounding
// whitespace are stripped first. Any schema violation is a failure.Malformed
// error; values are never coerced.
func Parse(raw string) ([]RawBox, error) {
	body := stripWrapping(raw)
	if body == "" {
		return nil, failure.Errorf(failure.Malformed, "parse", "empty response")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &top); err != nil {
		return nil, failure.Errorf(failure.Malformed, "parse", "response is not a JSON object: %v", err)
	}

	list, ok := top["bounding_boxes"]
	if !ok {
		return nil, failure.Errorf(failure.Malformed, "parse", "missing bounding_boxes")
	}
	var entries []map[string]json.RawMessage
	if isNull(list) {
		return nil, failure.Errorf(failure.Malformed, "parse", "bounding_boxes is null")
	}
	if err := json.Unmarshal(list, &entries); err != nil {
		return nil, failure.Errorf(failure.Malformed, "parse", "bounding_boxes is not an array of objects: %v", err)
	}

	boxes := make([]RawBox, 0, len(entries))
	for i, e := range entries {
		b, err := parseEntry(e)
		if err != nil {
			return nil, failure.Errorf(failure.Malformed, "parse", "bounding_boxes[%d]: %v", i, err)
		}
		boxes = append(boxes, b)
	}
	return boxes, nil
}

func parseEntry(e map[string]json.RawMessage) (RawBox, error) {
	if e == nil {
		return RawBox{}, fmt.Errorf("entry is null")
	}
	var b RawBox
	var err error

	name, raw, ok := lookup(e, categoryFields)
	if !ok {
		return RawBox{}, fmt.Errorf("missing vehicle_type")
	}
	if err := decodeString(raw, &b.Category); err != nil {
		return RawBox{}, fmt.Errorf("%s: %w", name, err)
	}

	coords := []struct {
		name string
		dst  *float64
	}{
		{"x_min", &b.XMin},
		{"y_min", &b.YMin},
		{"x_max", &b.XMax},
		{"y_max", &b.YMax},
	}
	for _, c := range coords {
		raw, ok := e[c.name]
		if !ok {
			return RawBox{}, fmt.Errorf("missing %s", c.name)
		}
		if err = decodeNumber(raw, c.dst); err != nil {
			return RawBox{}, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	name, raw, ok = lookup(e, confidenceFields)
	if !ok {
		return RawBox{}, fmt.Errorf("missing confidence_score")
	}
	if err := decodeNumber(raw, &b.Confidence); err != nil {
		return RawBox{}, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

func lookup(e map[string]json.RawMessage, names []string) (string, json.RawMessage, bool) {
	for _, n := range names {
		if raw, ok := e[n]; ok {
			return n, raw, true
		}
	}
	return "", nil, false
}

func decodeString(raw json.RawMessage, dst *string) error {
	if isNull(raw) {
		return fmt.Errorf("is null")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("not a string")
	}
	return nil
}

func decodeNumber(raw json.RawMessage, dst *float64) error {
	if isNull(raw) {
		return fmt.Errorf("is null")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("not a number")
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stripWrapping removes markdown code fences that models commonly wrap JSON in.
func stripWrapping(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// Drop an optional language tag on the opening fence line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			if tag := strings.TrimSpace(s[:nl]); !strings.HasPrefix(tag, "{") {
				s = s[nl+1:]
			}
		} else {
			s = strings.TrimPrefix(s, "json")
		}
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
