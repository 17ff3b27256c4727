// Package firehose adapts delivery-stream transformation batches: every
// record carries a base64 DynamoDB stream event, and is turned into a flat
// JSON row (the decoded NewImage plus event metadata) for delivery.
package firehose

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/tradecdc/internal/attrvalue"
)

// Operation is the kind of change a stream event describes.
type Operation string

const (
	OpInsert  Operation = "INSERT"
	OpModify  Operation = "MODIFY"
	OpRemove  Operation = "REMOVE"
	OpUnknown Operation = "UNKNOWN"
)

// ParseOperation maps an eventName to an Operation. Anything other than the
// three stream operations is UNKNOWN.
func ParseOperation(name string) Operation {
	switch Operation(name) {
	case OpInsert, OpModify, OpRemove:
		return Operation(name)
	default:
		return OpUnknown
	}
}

// Metadata column names appended to every delivered row.
const (
	ColumnEventName = "event_name"
	ColumnEventID   = "event_id"
)

// ChangeEvent is one decoded stream event. It is built once per record and
// not modified afterwards.
type ChangeEvent struct {
	Operation Operation
	EventID   string
	Row       attrvalue.Value
}

// Payload returns the delivered form of the event: the row fields and the
// two metadata columns as one JSON object followed by a newline.
func (e ChangeEvent) Payload() ([]byte, error) {
	row := e.Row.
		With(ColumnEventName, attrvalue.String(string(e.Operation))).
		With(ColumnEventID, attrvalue.String(e.EventID))

	buf, err := attrvalue.AppendJSON(nil, row)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode event %s: %w", e.EventID, err)
	}
	return append(buf, '\n'), nil
}

// ExtractEvent parses a raw stream event. It returns (nil, nil) when the
// event carries no NewImage, e.g. a REMOVE without a captured image.
func ExtractEvent(raw []byte) (*ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("firehose: parse event: %w", err)
	}

	ddb, ok := doc["dynamodb"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rawImage, present := ddb["NewImage"]
	if !present || rawImage == nil {
		return nil, nil
	}
	image, ok := rawImage.(map[string]any)
	if !ok {
		return nil, &attrvalue.DecodeError{
			Kind:   attrvalue.MalformedValue,
			Path:   "NewImage",
			Detail: "image is not an object",
		}
	}

	row, err := attrvalue.DecodeImage(image)
	if err != nil {
		return nil, err
	}

	return &ChangeEvent{
		Operation: ParseOperation(stringOr(doc["eventName"], string(OpUnknown))),
		EventID:   stringOr(doc["eventID"], string(OpUnknown)),
		Row:       row,
	}, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
