// Package realtime defines the events instances exchange about shared
// assistant state.
package realtime

import "time"

type EventType string

const (
	EventThreadUpdated EventType = "thread.updated"
	EventThreadDeleted EventType = "thread.deleted"
	EventGraphChanged  EventType = "graph.changed"
)

// Event is published after a local change so other instances can drop stale
// caches. Origin is the publishing instance id; receivers skip their own.
type Event struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId,omitempty"`
	GraphKey string    `json:"graphKey,omitempty"`
	Origin   string    `json:"origin"`
	Time     time.Time `json:"time"`
}

func (e Event) FromOrigin(origin string) bool {
	return origin != "" && e.Origin == origin
}
