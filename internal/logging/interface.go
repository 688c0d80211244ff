package logging

import (
	"context"
	"fmt"
)

// DefaultType is the stream tag sent with every batch when the endpoint
// does not name one.
const DefaultType = "jenkins_plugin"

// Endpoint identifies where batches go. It is fixed once a sender is built.
type Endpoint struct {
	URL   string
	Token string
	Type  string
}

// Queue buffers serialized records between producers and the drain cycle.
// Implementations must allow concurrent Enqueue calls alongside a single
// consumer calling Dequeue.
type Queue interface {
	// Enqueue appends one record. It never blocks.
	Enqueue(rec Record) error
	// Dequeue removes records in FIFO order until adding the next one would
	// push the wire size past maxBytes. The head record is always returned,
	// even when it alone is larger than maxBytes.
	Dequeue(maxBytes int) ([]Record, error)
	Len() int
	// Size is the wire size of all pending records.
	Size() int64
	IsEmpty() bool
	Close() error
}

// Transport performs a single upload of a batch.
type Transport interface {
	Send(ctx context.Context, batch Batch) Outcome
}

// Submitter accepts serialized records from producers.
type Submitter interface {
	Submit(raw string)
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeClientError
	OutcomeServerError
	OutcomeNetworkError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeClientError:
		return "client_error"
	case OutcomeServerError:
		return "server_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the classified result of one Transport.Send call.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	// Body holds the start of the response body, when the server sent one.
	Body string
	Err  error
}

// Retryable reports whether the same batch may be sent again.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeServerError || o.Kind == OutcomeNetworkError
}

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	case o.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", o.Kind, o.StatusCode)
	default:
		return o.Kind.String()
	}
}
