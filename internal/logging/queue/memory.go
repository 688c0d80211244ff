package queue

import (
	"sync"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

// Memory is an in-process FIFO of records.
//
// With MaxBytes at zero the queue grows without bound. A positive MaxBytes
// turns on drop-oldest eviction: admitting a record that would push the
// pending size past the limit first evicts records from the head.
type Memory struct {
	mu       sync.Mutex
	records  []logging.Record
	size     int64
	maxBytes int64
	evicted  uint64
}

func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes}
}

func (q *Memory) Enqueue(rec logging.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := int64(rec.WireSize())
	if q.maxBytes > 0 {
		for q.size+size > q.maxBytes && len(q.records) > 0 {
			q.popLocked()
			q.evicted++
		}
	}

	q.records = append(q.records, rec)
	q.size += size
	return nil
}

func (q *Memory) Dequeue(maxBytes int) ([]logging.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := take(q.records, maxBytes)
	if n == 0 {
		return nil, nil
	}

	out := make([]logging.Record, n)
	copy(out, q.records[:n])
	for i := 0; i < n; i++ {
		q.popLocked()
	}
	return out, nil
}

func (q *Memory) popLocked() {
	q.size -= int64(q.records[0].WireSize())
	q.records[0] = nil
	q.records = q.records[1:]
	if len(q.records) == 0 {
		// let the backing array go once drained
		q.records = nil
	}
}

func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *Memory) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Memory) IsEmpty() bool {
	return q.Len() == 0
}

// Evicted returns how many records were dropped to honour MaxBytes.
func (q *Memory) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *Memory) Close() error { return nil }

// take returns how many head records fit in maxBytes. The first record is
// always counted so an oversized record still leaves the queue on its own.
func take(records []logging.Record, maxBytes int) int {
	total := 0
	n := 0
	for _, rec := range records {
		size := rec.WireSize()
		if n > 0 && total+size > maxBytes {
			break
		}
		total += size
		n++
		if total >= maxBytes {
			break
		}
	}
	return n
}
