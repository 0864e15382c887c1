package sync

import (
	"encoding/json"
	"fmt"
)

// DefaultTag is the background-sync task tag used for queue replay.
const DefaultTag = "soil-snap-sync"

// Message types accepted from page contexts.
const (
	MessageProcessQueue = "PROCESS_QUEUE"
)

// Event types broadcast to every page context during a replay pass.
const (
	EventStart    = "SW_SYNC_START"
	EventProgress = "SW_SYNC_PROGRESS"
	EventDone     = "SW_SYNC_DONE"
	EventError    = "SW_SYNC_ERROR"
)

// Message is a page-to-worker message.
type Message struct {
	Type string `json:"type"`
}

// Event is a replay progress broadcast. Only the fields meaningful for its
// Type are serialized; Index is 1-based.
type Event struct {
	Type   string
	Index  int
	Total  int
	ID     int64
	OK     bool
	Status int
	Err    string
}

// Start returns a SW_SYNC_START event.
func Start(total int) Event { return Event{Type: EventStart, Total: total} }

// Progress returns a SW_SYNC_PROGRESS event.
func Progress(index, total int, id int64, ok bool, status int) Event {
	return Event{Type: EventProgress, Index: index, Total: total, ID: id, OK: ok, Status: status}
}

// Failure returns a SW_SYNC_ERROR event.
func Failure(index, total int, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: EventError, Index: index, Total: total, Err: msg}
}

// Done returns a SW_SYNC_DONE event.
func Done() Event { return Event{Type: EventDone} }

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStart:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Total int    `json:"total"`
		}{e.Type, e.Total})
	case EventProgress:
		return json.Marshal(struct {
			Type   string `json:"type"`
			Index  int    `json:"index"`
			Total  int    `json:"total"`
			ID     int64  `json:"id"`
			OK     bool   `json:"ok"`
			Status int    `json:"status,omitempty"`
		}{e.Type, e.Index, e.Total, e.ID, e.OK, e.Status})
	case EventError:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Total int    `json:"total"`
			Err   string `json:"err"`
		}{e.Type, e.Index, e.Total, e.Err})
	case EventDone:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type   string `json:"type"`
		Index  int    `json:"index"`
		Total  int    `json:"total"`
		ID     int64  `json:"id"`
		OK     bool   `json:"ok"`
		Status int    `json:"status"`
		Err    string `json:"err"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event(wire)
	return nil
}

// Broadcaster fans an event out to every connected page context.
type Broadcaster interface {
	Broadcast(ev Event)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ev Event)

// Broadcast calls f(ev).
func (f BroadcasterFunc) Broadcast(ev Event) { f(ev) }

// Discard drops every event.
var Discard Broadcaster = BroadcasterFunc(func(Event) {})
