package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC)

func TestNewRecord_AppendsTimestamp(t *testing.T) {
	rec, err := NewRecord([]byte(`{"message": "a",  "level":"info"}`), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, `{"message":"a","level":"info","@timestamp":"2024-03-01T12:30:45.123+0000"}`, string(rec))
	assert.Equal(t, len(rec)+1, rec.WireSize())
}

func TestNewRecord_KeepsExistingTimestamp(t *testing.T) {
	rec, err := NewRecord([]byte(`{"message":"a","@timestamp":"yesterday"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, `{"message":"a","@timestamp":"yesterday"}`, string(rec))
}

func TestNewRecord_CompactsMultilineInput(t *testing.T) {
	rec, err := NewRecord([]byte("{\n  \"message\": \"a b\",\n  \"n\": [1, 2]\n}\n"), fixedNow)
	require.NoError(t, err)
	assert.NotContains(t, string(rec), "\n")
	assert.Contains(t, string(rec), `"message":"a b","n":[1,2]`)
}

func TestNewRecord_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"array":        `["message"]`,
		"broken":       `{"message":`,
		"no message":   `{"msg":"a"}`,
		"plain string": `"message"`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRecord([]byte(raw), fixedNow)
			assert.True(t, errors.Is(err, ErrInvalidRecord), "got %v", err)
		})
	}
}

func TestNewRecordFromFields(t *testing.T) {
	rec, err := NewRecordFromFields(map[string]any{"message": "hello", "pod": "p1"}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, `{"message":"hello","pod":"p1","@timestamp":"2024-03-01T12:30:45.123+0000"}`, string(rec))
}

func TestBatch_Bytes(t *testing.T) {
	batch := NewBatch([]Record{Record(`{"message":"a"}`), Record(`{"message":"b"}`)})

	assert.Equal(t, 2, batch.Len())
	assert.False(t, batch.Empty())
	assert.Equal(t, "{\"message\":\"a\"}\n{\"message\":\"b\"}\n", string(batch.Bytes()))
	assert.Equal(t, len(batch.Bytes()), batch.Size())

	assert.True(t, NewBatch(nil).Empty())
	assert.Equal(t, 0, NewBatch(nil).Size())
}

func TestOutcome_Retryable(t *testing.T) {
	assert.False(t, Outcome{Kind: OutcomeOK}.Retryable())
	assert.False(t, Outcome{Kind: OutcomeClientError, StatusCode: 401}.Retryable())
	assert.True(t, Outcome{Kind: OutcomeServerError, StatusCode: 503}.Retryable())
	assert.True(t, Outcome{Kind: OutcomeNetworkError, Err: errors.New("refused")}.Retryable())
	assert.Equal(t, "server_error (status 503)", Outcome{Kind: OutcomeServerError, StatusCode: 503}.String())
}
