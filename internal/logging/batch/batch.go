package batch

import (
	"fmt"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

// DefaultMaxBytes is the batch ceiling used when none is configured.
const DefaultMaxBytes = 3 * 1024 * 1024

// Assembler cuts the queue into upload-sized batches.
type Assembler struct {
	queue    logging.Queue
	maxBytes int
}

func NewAssembler(queue logging.Queue, maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Assembler{
		queue:    queue,
		maxBytes: maxBytes,
	}
}

// MaxBytes returns the ceiling batches are cut at.
func (a *Assembler) MaxBytes() int {
	return a.maxBytes
}

// Next removes one batch worth of records from the queue. A batch is filled
// until the next record would cross the ceiling or the queue runs dry; a
// record larger than the ceiling travels alone. An empty batch means there
// is nothing left to send.
func (a *Assembler) Next() (logging.Batch, error) {
	records, err := a.queue.Dequeue(a.maxBytes)
	if err != nil {
		return logging.Batch{}, fmt.Errorf("dequeue batch: %w", err)
	}
	return logging.NewBatch(records), nil
}

// All drains the queue completely into consecutive batches.
func (a *Assembler) All() ([]logging.Batch, error) {
	var batches []logging.Batch
	for {
		b, err := a.Next()
		if err != nil {
			return batches, err
		}
		if b.Empty() {
			return batches, nil
		}
		batches = append(batches, b)
	}
}
