package models

// EventType is the kind of change a live event describes.
type EventType string

const (
	EventCreate     EventType = "create"
	EventEdit       EventType = "edit"
	EventDelete     EventType = "delete"
	EventBulkDelete EventType = "bulk_delete"
)

// Known reports whether t is one of the four event kinds.
func (t EventType) Known() bool {
	switch t {
	case EventCreate, EventEdit, EventDelete, EventBulkDelete:
		return true
	}

	return false
}

// Event is a normalized live event for one conversation.
//
// For create and edit, Message is set and ID mirrors Message.ID. For
// delete only ID is set. bulk_delete carries neither.
type Event struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id,omitempty"`
	Message *Message  `json:"msg,omitempty"`

	// HasTime is false when the payload omitted the timestamp. Edits
	// without a timestamp keep the stored one.
	HasTime bool `json:"-"`
}
