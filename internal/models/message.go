// Package models holds the chat data types shared by the synchronization
// core, the persistence layer, and the tool surface.
package models

import (
	"fmt"
	"path"
	"strings"
)

// ConversationKind distinguishes 1:1 rooms from n:n groups. The backend
// uses different endpoints and identity fields for each.
type ConversationKind string

const (
	KindRoom  ConversationKind = "room"
	KindGroup ConversationKind = "group"
)

// Sender roles used in direct rooms. Group messages carry a member id
// instead.
const (
	SenderAdmin = "admin"
	SenderUser  = "user"
)

// ConversationRef identifies one room or group.
type ConversationRef struct {
	Kind ConversationKind `json:"kind" yaml:"kind"`
	ID   string           `json:"id" yaml:"id"`
}

// Topic returns the realtime topic the conversation's events are
// published on.
func (c ConversationRef) Topic() string {
	return string(c.Kind) + ":" + c.ID
}

func (c ConversationRef) String() string {
	return c.Topic()
}

// Valid reports whether the ref names a known kind and a non-empty id.
func (c ConversationRef) Valid() bool {
	return (c.Kind == KindRoom || c.Kind == KindGroup) && c.ID != ""
}

// ParseConversationRef parses "room:12" or "group:7". The separator may
// also be "-" so the form can be used as a directory name.
func ParseConversationRef(s string) (ConversationRef, error) {
	s = strings.TrimSpace(s)

	idx := strings.IndexAny(s, ":-")
	if idx < 0 {
		return ConversationRef{}, fmt.Errorf("invalid conversation %q (want room:<id> or group:<id>)", s)
	}

	ref := ConversationRef{
		Kind: ConversationKind(strings.ToLower(s[:idx])),
		ID:   strings.TrimSpace(s[idx+1:]),
	}
	if !ref.Valid() {
		return ConversationRef{}, fmt.Errorf("invalid conversation %q (want room:<id> or group:<id>)", s)
	}

	return ref, nil
}

// Attachment describes a file already delivered to the backend.
type Attachment struct {
	Link string `json:"link" yaml:"link"`
	Name string `json:"name" yaml:"name"`
}

// Message is one entry in a conversation timeline.
type Message struct {
	ID           string          `json:"id" yaml:"id"`
	Conversation ConversationRef `json:"conversation" yaml:"conversation"`
	Sender       string          `json:"sender" yaml:"sender"`
	Body         string          `json:"body,omitempty" yaml:"body,omitempty"`
	Attachment   *Attachment     `json:"attachment,omitempty" yaml:"attachment,omitempty"`
	Time         int64           `json:"time" yaml:"time"`
	Read         bool            `json:"read" yaml:"read"`

	// Pending marks an optimistic local draft awaiting the server echo.
	Pending bool `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// LocalIDPrefix marks placeholder identities generated for optimistic
// drafts. Server ids never carry it.
const LocalIDPrefix = "local-"

// IsLocal reports whether the message carries a placeholder identity.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// AttachmentName returns the attachment display name, or "".
func (m Message) AttachmentName() string {
	if m.Attachment == nil {
		return ""
	}

	return m.Attachment.Name
}

// imageExtensions lists the extensions rendered inline as images.
var imageExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

// IsImage reports whether a file name or link points at an image, based
// on its extension.
func IsImage(nameOrLink string) bool {
	if nameOrLink == "" {
		return false
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(nameOrLink)), ".")

	return imageExtensions[ext]
}
