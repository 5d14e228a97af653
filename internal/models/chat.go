package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProvisionalID is the identifier the browser and the router use for a conversation that has not yet been
// assigned an id by the backend. It never reaches the backend.
const ProvisionalID = "new"

// ConversationRef identifies a conversation that is either provisional (created locally, waiting for the
// backend to assign an id) or committed to a backend id. The zero value is provisional.
type ConversationRef struct {
	id string
}

// Conversation is the client view of a conversation, as listed in the sidebar.
type Conversation struct {
	Ref         ConversationRef `json:"id"`
	Title       string          `json:"title"`
	Preview     string          `json:"preview"`
	LastUpdated time.Time       `json:"lastUpdated"`
	FolderID    *string         `json:"folder_id"`
}

// Folder groups conversations into a project. Conversations is derived from the conversation list by
// matching FolderID and is never exchanged with the backend.
type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsDefault   bool   `json:"is_default"`
	Instruction string `json:"instruction,omitempty"`

	Conversations []Conversation `json:"-"`
}

// FolderInput is the payload for creating or updating a folder.
type FolderInput struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction,omitempty"`
}

// ConversationUpdate is the payload of PUT /conversations/:id. A nil field is left untouched by the
// backend, except FolderID which is always sent when Move is set so a conversation can be unfiled.
type ConversationUpdate struct {
	Title    *string
	FolderID *string
	Move     bool
}

// ProvisionalRef returns the reference of a conversation without a backend id.
func ProvisionalRef() ConversationRef {
	return ConversationRef{}
}

// CommittedRef returns the reference of a conversation known to the backend. An empty id yields a
// provisional reference.
func CommittedRef(id string) ConversationRef {
	if id == ProvisionalID {
		return ConversationRef{}
	}
	return ConversationRef{id: id}
}

// ParseConversationRef converts an id received from a form or a query string into a reference. Both the
// empty string and "new" denote the provisional conversation.
func ParseConversationRef(s string) ConversationRef {
	return CommittedRef(s)
}

// IsProvisional reports whether the conversation still waits for a backend id.
func (r ConversationRef) IsProvisional() bool {
	return r.id == ""
}

// ID returns the backend id, and false for a provisional reference.
func (r ConversationRef) ID() (string, bool) {
	return r.id, r.id != ""
}

func (r ConversationRef) String() string {
	if r.id == "" {
		return ProvisionalID
	}
	return r.id
}

// MarshalJSON implements json.Marshaler.
func (r ConversationRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ConversationRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("conversation id must be a string: %w", err)
	}
	*r = ParseConversationRef(s)
	return nil
}

// InFolder reports whether the conversation is assigned to the folder. A nil folderID matches unfiled
// conversations.
func (c Conversation) InFolder(folderID *string) bool {
	return SameFolder(c.FolderID, folderID)
}

// SameFolder compares two nullable folder ids.
func SameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MarshalJSON implements json.Marshaler.
func (u ConversationUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 2)
	if u.Title != nil {
		m["title"] = *u.Title
	}
	if u.Move {
		m["folder_id"] = u.FolderID
	}
	return json.Marshal(m)
}
