// Package reading turns the raw payloads published by pallet scales into
// canonical sensor readings.
package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedReading marks payloads that cannot be mapped onto any reading field.
var ErrMalformedReading = errors.New("malformed reading")

// TopicPrefix is the first topic level of every scale channel.
const TopicPrefix = "scales/"

// Field names a single reading channel.
type Field string

const (
	FieldWeight    Field = "weight"
	FieldBottles   Field = "bottles"
	FieldStatus    Field = "status"
	FieldVehicle   Field = "vehicle"
	FieldTimestamp Field = "timestamp"
)

// compositeChannel carries a JSON object with any subset of the fields.
const compositeChannel = "state"

var fieldAliases = map[string]Field{
	"weight":       FieldWeight,
	"weight_g":     FieldWeight,
	"weight_grams": FieldWeight,
	"grams":        FieldWeight,
	"bottles":      FieldBottles,
	"bottle_count": FieldBottles,
	"status":       FieldStatus,
	"state":        FieldStatus,
	"vehicle":      FieldVehicle,
	"vehicle_id":   FieldVehicle,
	"nfc":          FieldVehicle,
	"uid":          FieldVehicle,
	"timestamp":    FieldTimestamp,
	"ts":           FieldTimestamp,
}

// singleChannels are the per-field topics; timestamps only travel in composites.
var singleChannels = map[string]Field{
	"weight":  FieldWeight,
	"bottles": FieldBottles,
	"status":  FieldStatus,
	"vehicle": FieldVehicle,
}

// RawMessage is either a Composite or a SingleField payload.
type RawMessage interface {
	// Values lists the raw textual value of every field carried by the message.
	Values() map[Field]string
	isRawMessage()
}

// Composite is a payload that carries several fields at once.
type Composite struct {
	Fields map[Field]string
}

// Values implements RawMessage.
func (c Composite) Values() map[Field]string { return c.Fields }

func (Composite) isRawMessage() {}

// SingleField is a scalar published on a field-specific channel.
type SingleField struct {
	Name  Field
	Value string
}

// Values implements RawMessage.
func (s SingleField) Values() map[Field]string { return map[Field]string{s.Name: s.Value} }

func (SingleField) isRawMessage() {}

// Message is a parsed inbound publish addressed to one device.
type Message struct {
	DeviceID string
	Topic    string
	Raw      RawMessage
}

// Parse resolves a topic and payload into a device-addressed RawMessage.
func Parse(topic string, payload []byte) (Message, error) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return Message{}, fmt.Errorf("%w: unexpected topic %q", ErrMalformedReading, topic)
	}

	parts := strings.Split(strings.TrimPrefix(topic, TopicPrefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Message{}, fmt.Errorf("%w: topic %q is not scales/<device>/<channel>", ErrMalformedReading, topic)
	}
	deviceID, channel := parts[0], strings.ToLower(parts[1])

	msg := Message{DeviceID: deviceID, Topic: topic}

	if channel == compositeChannel {
		composite, err := parseComposite(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Raw = composite
		return msg, nil
	}

	field, ok := singleChannels[channel]
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown channel %q", ErrMalformedReading, channel)
	}

	value, err := scalarText(bytes.TrimSpace(payload))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedReading, field, err)
	}
	msg.Raw = SingleField{Name: field, Value: value}
	return msg, nil
}

func parseComposite(payload []byte) (Composite, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Composite{}, fmt.Errorf("%w: decode composite: %v", ErrMalformedReading, err)
	}

	fields := make(map[Field]string, len(obj))
	for key, raw := range obj {
		field, ok := fieldAliases[strings.ToLower(key)]
		if !ok {
			continue
		}
		value, err := scalarText(raw)
		if err != nil {
			// keep the text so the field falls back to its prior value
			value = string(raw)
		}
		fields[field] = value
	}

	if len(fields) == 0 {
		return Composite{}, fmt.Errorf("%w: composite carries no known fields", ErrMalformedReading)
	}
	return Composite{Fields: fields}, nil
}

// scalarText unwraps a JSON string, keeps JSON numbers and bare text as-is, and
// rejects objects and arrays.
func scalarText(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case '{', '[':
		return "", errors.New("value is not a scalar")
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", errors.New("null value")
	}
	return string(raw), nil
}
