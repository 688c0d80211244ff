// Package payload expands a multi-line build log payload into one record
// per line. The payload is a JSON object whose "message" field is an array
// of lines; every other top-level field is copied onto each line as a
// string.
package payload

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

var ErrInvalidPayload = errors.New("invalid payload")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Split returns the field set of every line in raw. Timestamps are not
// added here; see Records.
func Split(raw []byte) ([]map[string]string, error) {
	var top map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rawMessages, ok := top["message"]
	if !ok {
		return nil, fmt.Errorf("%w: missing message field", ErrInvalidPayload)
	}
	var lines []jsoniter.RawMessage
	if err := json.Unmarshal(rawMessages, &lines); err != nil {
		return nil, fmt.Errorf("%w: message is not an array", ErrInvalidPayload)
	}

	shared := make(map[string]string, len(top))
	for key, value := range top {
		if key == "message" {
			continue
		}
		shared[key] = stringify(value)
	}

	out := make([]map[string]string, 0, len(lines))
	for _, line := range lines {
		fields := make(map[string]string, len(shared)+1)
		for k, v := range shared {
			fields[k] = v
		}
		fields["message"] = stringify(line)
		out = append(out, fields)
	}
	return out, nil
}

// Records splits raw and stamps every line with now, unless the payload
// carries its own @timestamp.
func Records(raw []byte, now time.Time) ([]logging.Record, error) {
	lines, err := Split(raw)
	if err != nil {
		return nil, err
	}

	records := make([]logging.Record, 0, len(lines))
	for _, fields := range lines {
		obj := make(map[string]any, len(fields))
		for k, v := range fields {
			obj[k] = v
		}

		rec, err := logging.NewRecordFromFields(obj, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// stringify renders a JSON value the way a loosely typed getter would:
// strings lose their quotes, everything else keeps its JSON text.
func stringify(value jsoniter.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}
