package sse

import (
	"strings"

	"github.com/pithecene-io/refinewatch/types"
)

// In-band terminal markers. They carry no JSON payload.
const (
	// MarkerEventDone is the SSE event field announcing a clean end.
	MarkerEventDone = "done"
	// MarkerEventError is the SSE event field announcing a failed end.
	MarkerEventError = "error"
	// SentinelProxyComplete is the comment line the edge proxy writes when
	// the upstream stream closed cleanly.
	SentinelProxyComplete = "proxy-complete"
	// SentinelStreamComplete is the comment line the backend writes after
	// its last event.
	SentinelStreamComplete = "stream-complete"
)

// lineKind classifies a trimmed, non-empty line.
type lineKind int

const (
	lineData lineKind = iota
	lineHeartbeat
	lineMarker
	lineField
)

// classify inspects a trimmed line and, for markers, returns the
// synthesized terminal event.
func classify(line string) (lineKind, types.Event) {
	if strings.HasPrefix(line, ":") {
		body := strings.TrimSpace(line[1:])
		switch body {
		case SentinelProxyComplete, SentinelStreamComplete:
			return lineMarker, types.Terminal(types.EventTypeComplete, types.SourceMarker, body)
		}
		return lineHeartbeat, types.Event{}
	}

	if name, ok := fieldValue(line, "event"); ok {
		switch name {
		case MarkerEventDone:
			return lineMarker, types.Terminal(types.EventTypeComplete, types.SourceMarker, "event: done")
		case MarkerEventError:
			ev := types.Terminal(types.EventTypeError, types.SourceMarker, "event: error")
			ev.Message = "stream reported an error"
			return lineMarker, ev
		}
		return lineField, types.Event{}
	}

	if _, ok := fieldValue(line, "id"); ok {
		return lineField, types.Event{}
	}
	if _, ok := fieldValue(line, "retry"); ok {
		return lineField, types.Event{}
	}

	return lineData, types.Event{}
}

// fieldValue matches an SSE "name: value" field line.
func fieldValue(line, name string) (string, bool) {
	if !strings.HasPrefix(line, name+":") {
		return "", false
	}
	return strings.TrimSpace(line[len(name)+1:]), true
}

// stripDataPrefixes removes one or more leading "data:" prefixes.
// Nested proxies occasionally re-wrap an already framed line.
func stripDataPrefixes(line string) string {
	for strings.HasPrefix(line, "data:") {
		line = strings.TrimSpace(line[len("data:"):])
	}
	return line
}

// DecodeMessage decodes a single self-contained message, as delivered by the
// push-socket. It accepts a bare JSON payload, an SSE-framed data line, or a
// terminal marker. ok is false for heartbeats and noise.
func DecodeMessage(msg []byte) (ev types.Event, ok bool) {
	line := strings.TrimSpace(string(msg))
	if line == "" {
		return types.Event{}, false
	}
	kind, marker := classify(line)
	switch kind {
	case lineMarker:
		return marker, true
	case lineHeartbeat, lineField:
		return types.Event{}, false
	}
	ev, err := ParseEvent([]byte(stripDataPrefixes(line)))
	if err != nil || ev.Type == types.EventTypeIgnored {
		return types.Event{}, false
	}
	return ev, true
}
