package ami

import (
	"bytes"
	"strconv"
)

// Event represents one AMI block as an ordered set of key-value pairs.
// Both unsolicited events and action requests/responses share this shape;
// the wire format is identical in every direction.
type Event struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a flat slice of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// ActionID returns the ActionID header, if any.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// Headers returns all headers as key-value pairs.
func (e Event) Headers() []header {
	return e.headers
}

// Len returns the number of headers.
func (e Event) Len() int {
	return len(e.headers)
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// Marshal encodes the event as an AMI wire block: one "Key: Value\r\n" line
// per header, terminated by a blank line. Decoding the result with a Parser
// yields the same headers in the same order.
func (e Event) Marshal() []byte {
	var buf bytes.Buffer
	for _, h := range e.headers {
		buf.WriteString(h.Key)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
