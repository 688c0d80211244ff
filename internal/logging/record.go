package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// TimestampField is added to records that arrive without one.
const TimestampField = "@timestamp"

// TimestampLayout matches the listener's expected date format.
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

var ErrInvalidRecord = errors.New("invalid record")

var fieldJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one compact JSON object, without the trailing newline.
type Record []byte

// WireSize is the number of bytes the record occupies inside a batch.
func (r Record) WireSize() int {
	return len(r) + 1
}

// NewRecord validates raw as a JSON object carrying a message field and
// returns it compacted onto a single line. A timestamp taken from now is
// appended when the object has none.
func NewRecord(raw []byte, now time.Time) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !jsoniter.Valid(trimmed) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}
	if jsoniter.Get(trimmed, "message").ValueType() == jsoniter.InvalidValue {
		return nil, fmt.Errorf("%w: missing message field", ErrInvalidRecord)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if jsoniter.Get(trimmed, TimestampField).ValueType() != jsoniter.InvalidValue {
		return Record(buf.Bytes()), nil
	}

	out := buf.Bytes()
	out = out[:len(out)-1] // drop closing brace
	out = append(out, `,"`+TimestampField+`":"`...)
	out = now.AppendFormat(out, TimestampLayout)
	out = append(out, `"}`...)
	return Record(out), nil
}

// NewRecordFromFields encodes fields and passes the result through NewRecord.
func NewRecordFromFields(fields map[string]any, now time.Time) (Record, error) {
	raw, err := fieldJSON.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return NewRecord(raw, now)
}

// Batch is an ordered group of records sent in one upload.
type Batch struct {
	records []Record
	size    int
}

func NewBatch(records []Record) Batch {
	size := 0
	for _, rec := range records {
		size += rec.WireSize()
	}
	return Batch{records: records, size: size}
}

func (b Batch) Records() []Record { return b.records }

func (b Batch) Len() int { return len(b.records) }

// Size is the length of Bytes().
func (b Batch) Size() int { return b.size }

func (b Batch) Empty() bool { return len(b.records) == 0 }

// Bytes renders the batch as newline-delimited JSON.
func (b Batch) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, rec := range b.records {
		out = append(out, rec...)
		out = append(out, '\n')
	}
	return out
}
