package ami

import (
	"bufio"
	"io"
	"strings"
)

// Parser reads an AMI byte stream and emits Events.
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{reader: bufio.NewReader(r)}
}

// Next reads the next block from the stream. It returns io.EOF once the
// stream is exhausted. Read errors that interrupt a partially-collected
// block are returned as-is; the block is lost, which is acceptable because
// the caller reconnects and all downstream state transitions are idempotent.
func (p *Parser) Next() (Event, error) {
	var headers []header

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(headers) > 0 {
				// Stream ended without a trailing blank line.
				return Event{headers: headers}, nil
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line marks end of a block.
		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, nil
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Lines without a separator (the login banner, free-form output
			// from command actions) carry no key/value pair; skip them.
			continue
		}

		headers = append(headers, header{Key: line[:idx], Value: line[idx+2:]})
	}
}

// ParseAll reads all events from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, err := p.Next()
		if err != nil {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}
