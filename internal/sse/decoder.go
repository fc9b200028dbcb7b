package sse

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/openclaude/autopilot/internal/event"
)

const dataField = "data:"

// MalformedHandler observes payloads that could not be parsed as events.
type MalformedHandler func(payload string, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithMalformedHandler registers a callback for dropped payloads.
func WithMalformedHandler(handler MalformedHandler) Option {
	return func(d *Decoder) {
		d.onMalformed = handler
	}
}

// Decoder turns a server-sent event byte stream into events.
// Frames end at a blank line; every data: line inside a frame is a complete JSON event.
type Decoder struct {
	// reader yields raw lines from the stream.
	reader *bufio.Reader
	// frame holds the lines of the frame being assembled.
	frame []string
	// pending holds decoded events of the last completed frame.
	pending []event.Event
	// onMalformed is notified for each dropped payload.
	onMalformed MalformedHandler
	// err is the terminal read error, io.EOF at end of input.
	err error
}

// NewDecoder wraps r. A reconnect starts over with a new Decoder.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{reader: bufio.NewReader(r)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next decoded event, or io.EOF once the stream has ended.
// A frame left unterminated at end of input is dropped.
func (d *Decoder) Next() (event.Event, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return event.Event{}, d.err
		}
		d.readFrame()
	}
	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

// Events yields decoded events until the stream ends. A read failure other than
// io.EOF is yielded once as the final element.
func (d *Decoder) Events() iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		for {
			ev, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(event.Event{}, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// readFrame consumes lines up to the next frame terminator and decodes it.
func (d *Decoder) readFrame() {
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			// A partial line without its newline never completes a frame.
			d.err = err
			d.frame = d.frame[:0]
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			d.flush()
			return
		}
		d.frame = append(d.frame, line)
	}
}

// flush decodes every data: line of the assembled frame independently.
func (d *Decoder) flush() {
	for _, line := range d.frame {
		if !strings.HasPrefix(line, dataField) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataField))
		if payload == "" {
			continue
		}
		ev, err := event.Parse([]byte(payload))
		if err != nil {
			if d.onMalformed != nil {
				d.onMalformed(payload, err)
			}
			continue
		}
		d.pending = append(d.pending, ev)
	}
	d.frame = d.frame[:0]
}
