package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"metricsink/errs"
	"metricsink/storage"
)

// MaxBodyBytes bounds an accepted snapshot payload.
const MaxBodyBytes = 1 << 20

// Payload is the wire shape of POST /api/metrics. Pointer fields separate
// "missing" from zero values; unknown keys are ignored.
type Payload struct {
	MessageID *string           `json:"message_id"` // required, non-empty
	Timestamp *float64          `json:"timestamp"`  // required, seconds since epoch
	DeviceID  *string           `json:"device_id"`  // required, non-empty
	Source    *string           `json:"source"`     // required, non-empty
	Metrics   []json.RawMessage `json:"metrics"`    // required, at least one entry
}

// MetricPayload is one element of Payload.Metrics.
type MetricPayload struct {
	MetricName  *string  `json:"metric_name"`  // required, non-empty
	MetricValue *float64 `json:"metric_value"` // required, numeric
}

// Decode parses and validates a raw snapshot body. The first violation is
// returned as a *errs.ValidationError naming the offending field; nothing is
// accepted partially.
func Decode(raw []byte) (storage.Message, []storage.Reading, error) {
	var p Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return storage.Message{}, nil, errs.Invalid("body", "no JSON data provided")
	}
	if len(raw) > MaxBodyBytes {
		return storage.Message{}, nil, errs.Invalid("body", fmt.Sprintf("exceeds %d bytes", MaxBodyBytes))
	}
	// Unmarshal accepts null into a struct without complaint.
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return storage.Message{}, nil, errs.Invalid("body", "must be a JSON object")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return storage.Message{}, nil, decodeError("", err)
	}

	msg := storage.Message{}
	var err error
	if msg.MessageID, err = requireString("message_id", p.MessageID); err != nil {
		return storage.Message{}, nil, err
	}
	if p.Timestamp == nil {
		return storage.Message{}, nil, errs.Invalid("timestamp", "is required")
	}
	if math.IsNaN(*p.Timestamp) || math.IsInf(*p.Timestamp, 0) {
		return storage.Message{}, nil, errs.Invalid("timestamp", "must be a finite number")
	}
	msg.Timestamp = *p.Timestamp
	if msg.DeviceID, err = requireString("device_id", p.DeviceID); err != nil {
		return storage.Message{}, nil, err
	}
	if msg.Source, err = requireString("source", p.Source); err != nil {
		return storage.Message{}, nil, err
	}

	if p.Metrics == nil {
		return storage.Message{}, nil, errs.Invalid("metrics", "is required")
	}
	if len(p.Metrics) == 0 {
		return storage.Message{}, nil, errs.Invalid("metrics", "must contain at least one metric")
	}

	readings := make([]storage.Reading, 0, len(p.Metrics))
	for i, rawMetric := range p.Metrics {
		prefix := fmt.Sprintf("metrics[%d]", i)

		var m MetricPayload
		if err := json.Unmarshal(rawMetric, &m); err != nil {
			return storage.Message{}, nil, decodeError(prefix, err)
		}
		name, err := requireString(prefix+".metric_name", m.MetricName)
		if err != nil {
			return storage.Message{}, nil, err
		}
		if m.MetricValue == nil {
			return storage.Message{}, nil, errs.Invalid(prefix+".metric_value", "is required")
		}
		readings = append(readings, storage.Reading{Name: name, Value: *m.MetricValue})
	}
	return msg, readings, nil
}

func requireString(field string, v *string) (string, error) {
	if v == nil {
		return "", errs.Invalid(field, "is required")
	}
	if strings.TrimSpace(*v) == "" {
		return "", errs.Invalid(field, "must not be empty")
	}
	return *v, nil
}

// decodeError turns encoding/json failures into a ValidationError whose
// field is a path below prefix.
func decodeError(prefix string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := joinField(prefix, typeErr.Field)
		if field == "" {
			field = "body"
		}
		return errs.Invalid(field, fmt.Sprintf("must be %s, got %s", kindName(typeErr.Type), typeErr.Value))
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return errs.Invalid("body", fmt.Sprintf("malformed JSON at offset %d: %v", syntaxErr.Offset, syntaxErr))
	}
	field := prefix
	if field == "" {
		field = "body"
	}
	return errs.Invalid(field, err.Error())
}

func joinField(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}

func kindName(t reflect.Type) string {
	if t == nil {
		return "a valid value"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "a number"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Struct, reflect.Map:
		return "an object"
	default:
		return t.String()
	}
}
