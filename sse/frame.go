// Package sse decodes the job progress byte stream into events.
//
// The stream uses text/event-stream framing ("data: <json>\n\n") but is
// routinely mangled by intermediaries: chunks split mid-line, frames are
// double-prefixed by nested proxies, and completion is sometimes signalled
// only by a comment line. The decoder tolerates all of these. Malformed
// frames are protocol noise and are dropped, never returned as errors.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pithecene-io/refinewatch/types"
)

// DefaultReadSize is the read size used by NewDecoder.
const DefaultReadSize = 32 * 1024

// MaxLineSize bounds the carry-over buffer. A line longer than this is
// discarded as corrupt.
const MaxLineSize = 16 * 1024 * 1024

// ErrMissingType is returned by ParseEvent when the payload has no type tag.
var ErrMissingType = errors.New("event payload has no type")

// Stats counts what the decoder saw. Dropped lines are not errors.
type Stats struct {
	Lines      int64
	Events     int64
	Heartbeats int64
	Markers    int64
	Malformed  int64
	Ignored    int64
	Oversized  int64
}

// Decoder turns an append-only byte stream into events.
// A Decoder is not restartable; a new stream needs a new Decoder.
type Decoder struct {
	reader   io.Reader
	chunk    []byte
	carry    []byte
	pending  []types.Event
	err      error
	drained  bool
	mu       sync.Mutex
	stats    Stats
	observer func(line string, ev types.Event, kept bool)
}

// NewDecoder creates a decoder reading DefaultReadSize bytes at a time.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultReadSize)
}

// NewDecoderSize creates a decoder with a custom read size.
func NewDecoderSize(r io.Reader, size int) *Decoder {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &Decoder{
		reader: r,
		chunk:  make([]byte, size),
	}
}

// SetObserver registers a callback invoked for every non-empty line.
// Used by the debug tooling; must be set before the first Next.
func (d *Decoder) SetObserver(fn func(line string, ev types.Event, kept bool)) {
	d.observer = fn
}

// Next returns the next event in stream order.
//
// Errors:
//   - io.EOF: the stream closed and every buffered line was delivered
//   - any other error: the underlying read failed; events decoded before
//     the failure have already been returned
func (d *Decoder) Next() (types.Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.err != nil {
			return types.Event{}, d.err
		}

		n, err := d.reader.Read(d.chunk)
		if n > 0 {
			d.carry = append(d.carry, d.chunk[:n]...)
			d.processComplete()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.flushTail()
				d.err = io.EOF
			} else {
				d.err = fmt.Errorf("sse: read: %w", err)
			}
		}
	}
}

// Drain returns the events for every line already read into the buffer
// without reading further, including an unterminated final line if it
// decodes. After Drain the decoder returns the stored error or io.EOF.
func (d *Decoder) Drain() []types.Event {
	if d.drained {
		return nil
	}
	d.drained = true
	d.flushTail()
	out := d.pending
	d.pending = nil
	if d.err == nil {
		d.err = io.EOF
	}
	return out
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// processComplete decodes every complete line in the carry buffer and keeps
// the remainder for the next read.
func (d *Decoder) processComplete() {
	idx := bytes.LastIndexByte(d.carry, '\n')
	if idx < 0 {
		if len(d.carry) > MaxLineSize {
			d.count(func(s *Stats) { s.Oversized++ })
			d.carry = d.carry[:0]
		}
		return
	}

	complete := d.carry[:idx]
	for len(complete) > 0 {
		var line []byte
		if i := bytes.IndexByte(complete, '\n'); i >= 0 {
			line, complete = complete[:i], complete[i+1:]
		} else {
			line, complete = complete, nil
		}
		d.decodeLine(string(line))
	}

	rest := d.carry[idx+1:]
	d.carry = append(d.carry[:0], rest...)
}

// flushTail decodes an unterminated final line.
func (d *Decoder) flushTail() {
	if len(d.carry) == 0 {
		return
	}
	line := string(d.carry)
	d.carry = d.carry[:0]
	d.decodeLine(line)
}

func (d *Decoder) decodeLine(raw string) {
	line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
	if line == "" {
		return
	}
	d.count(func(s *Stats) { s.Lines++ })

	kind, marker := classify(line)
	switch kind {
	case lineHeartbeat:
		d.count(func(s *Stats) { s.Heartbeats++ })
		d.observe(line, types.Event{}, false)
		return
	case lineField:
		d.observe(line, types.Event{}, false)
		return
	case lineMarker:
		d.count(func(s *Stats) { s.Markers++ })
		d.pending = append(d.pending, marker)
		d.observe(line, marker, true)
		return
	}

	ev, err := ParseEvent([]byte(stripDataPrefixes(line)))
	if err != nil {
		d.count(func(s *Stats) { s.Malformed++ })
		d.observe(line, types.Event{}, false)
		return
	}
	if ev.Type == types.EventTypeIgnored {
		d.count(func(s *Stats) { s.Ignored++ })
		d.observe(line, ev, false)
		return
	}

	ev.Source = types.SourceSSE
	d.count(func(s *Stats) { s.Events++ })
	d.pending = append(d.pending, ev)
	d.observe(line, ev, true)
}

func (d *Decoder) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Decoder) observe(line string, ev types.Event, kept bool) {
	if d.observer != nil {
		d.observer(line, ev, kept)
	}
}

// ParseEvent decodes a single JSON event payload.
// Unknown type tags decode to EventTypeIgnored without error; payloads that
// are not JSON objects or carry no type return an error.
func ParseEvent(payload []byte) (types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return types.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return types.Event{}, ErrMissingType
	}
	ev.Type = types.ParseEventType(string(ev.Type))
	return ev, nil
}
