package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	appconfig "sensorflow/config"
	"sensorflow/models"
)

// FieldType tags the semantic type a schema field must carry.
type FieldType string

const (
	FieldFloat FieldType = "float"
	FieldInt   FieldType = "int"
)

// FieldRule is one entry of the compiled schema descriptor: a field name
// with its type tag, required flag and optional range bounds.
type FieldRule struct {
	Name     string
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
}

// Schema is the structural descriptor readings are checked against. It is
// compiled once at startup and read-only afterwards.
type Schema struct {
	fields []FieldRule
}

// CompileSchema builds a Schema from the configuration descriptor.
func CompileSchema(cfgs []appconfig.FieldSchemaConfig) (*Schema, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("schema must define at least one field")
	}
	fields := make([]FieldRule, 0, len(cfgs))
	for _, fc := range cfgs {
		var ft FieldType
		switch fc.Type {
		case "float":
			ft = FieldFloat
		case "int":
			ft = FieldInt
		default:
			return nil, fmt.Errorf("field '%s' has unknown type '%s'", fc.Name, fc.Type)
		}
		fields = append(fields, FieldRule{
			Name:     fc.Name,
			Type:     ft,
			Required: fc.Required,
			Min:      fc.Min,
			Max:      fc.Max,
		})
	}
	return &Schema{fields: fields}, nil
}

// Fields returns the compiled field rules.
func (s *Schema) Fields() []FieldRule {
	return s.fields
}

// rawPayload mirrors the wire shape of a reading before schema checking.
type rawPayload struct {
	StreamID  string                     `json:"stream_id"`
	TagID     string                     `json:"tag_id"`
	Timestamp json.RawMessage            `json:"timestamp"`
	Values    map[string]json.RawMessage `json:"values"`
	Location  models.Location            `json:"location"`
}

// ParseReading decodes and structurally checks a raw payload against the
// schema. Any malformed input is reported as an error naming the offending
// field; it never panics.
func (s *Schema) ParseReading(msg models.RawReadingMessage) (models.Reading, error) {
	var payload rawPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return models.Reading{StreamID: msg.StreamID}, fmt.Errorf("unparseable payload: %w", err)
	}

	streamID := payload.StreamID
	if streamID == "" {
		streamID = msg.StreamID
	}
	if streamID == "" {
		return models.Reading{}, fmt.Errorf("missing stream_id")
	}

	ts, err := parseTimestamp(payload.Timestamp)
	if err != nil {
		return models.Reading{StreamID: streamID}, fmt.Errorf("timestamp: %w", err)
	}

	values := make(map[string]float64, len(s.fields))
	for _, rule := range s.fields {
		raw, ok := payload.Values[rule.Name]
		if !ok {
			if rule.Required {
				return models.Reading{StreamID: streamID}, fmt.Errorf("missing required field '%s'", rule.Name)
			}
			continue
		}

		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return models.Reading{StreamID: streamID}, fmt.Errorf("field '%s' is not numeric", rule.Name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Reading{StreamID: streamID}, fmt.Errorf("field '%s' is not a finite number", rule.Name)
		}
		if rule.Type == FieldInt && v != math.Trunc(v) {
			return models.Reading{StreamID: streamID}, fmt.Errorf("field '%s' must be integral", rule.Name)
		}
		values[rule.Name] = v
	}

	return models.Reading{
		StreamID:  streamID,
		TagID:     payload.TagID,
		Timestamp: ts,
		Values:    values,
		Location:  payload.Location,
	}, nil
}

// CheckRanges returns the first field whose value falls outside its
// configured [min,max] bounds, or an empty string when all values pass.
func (s *Schema) CheckRanges(r models.Reading) (string, error) {
	for _, rule := range s.fields {
		v, ok := r.Values[rule.Name]
		if !ok {
			continue
		}
		if rule.Min != nil && v < *rule.Min {
			return rule.Name, fmt.Errorf("field '%s' value %v below minimum %v", rule.Name, v, *rule.Min)
		}
		if rule.Max != nil && v > *rule.Max {
			return rule.Name, fmt.Errorf("field '%s' value %v above maximum %v", rule.Name, v, *rule.Max)
		}
	}
	return "", nil
}

// parseTimestamp accepts RFC3339 strings and unix epoch numbers, in seconds
// or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp string")
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp '%s'", s)
		}
		return ts, nil
	}

	epoch, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp '%s'", trimmed)
	}
	if epoch <= 0 {
		return time.Time{}, fmt.Errorf("non-positive epoch timestamp")
	}
	// Values beyond the year 33658 in seconds are treated as milliseconds.
	if epoch > 1e12 {
		return time.UnixMilli(int64(epoch)).UTC(), nil
	}
	return time.Unix(int64(epoch), 0).UTC(), nil
}
