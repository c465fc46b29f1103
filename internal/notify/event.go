package notify

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventKind labels an Event.
type EventKind string

const (
	// EventMetric carries an analysis metric.
	EventMetric EventKind = "metric"
	// EventCapture carries a photo capture outcome.
	EventCapture EventKind = "capture"
	// EventNotice carries any other user-facing message.
	EventNotice EventKind = "notice"
)

// Event is the msgpack payload published on the events topic.
type Event struct {
	Kind      EventKind `msgpack:"kind"`
	Message   string    `msgpack:"message,omitempty"`
	IsError   bool      `msgpack:"is_error"`
	Seq       uint64    `msgpack:"seq,omitempty"`
	Metric    int       `msgpack:"metric"`
	URI       string    `msgpack:"uri,omitempty"`
	Timestamp int64     `msgpack:"timestamp"` // unix milliseconds
}

// Encode marshals e, stamping the current time if Timestamp is zero.
func (e Event) Encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	payload, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind, err)
	}
	return payload, nil
}

// DecodeEvent unmarshals a msgpack event payload.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return e, nil
}
