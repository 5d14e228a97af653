package models

import "time"

// Message is an entry of a conversation transcript. While the assistant reply is still arriving the
// message is marked Streaming and its Content holds the text received so far.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	Streaming bool `json:"-"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a generated reply.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction injected by the backend, e.g. a folder instruction.
	RoleSystem Role = "system"
)

// Prefixes of message ids generated locally, before the backend knows about the message.
const (
	UserMessagePrefix    = "user-"
	LoadingMessagePrefix = "loading-"
)

// FrameKind tells which field of a Frame is meaningful.
type FrameKind string

const (
	// FrameContent carries a text fragment to append to the reply.
	FrameContent FrameKind = "content"
	// FrameIdentity carries the id the backend assigned to a new conversation.
	FrameIdentity FrameKind = "identity"
	// FrameError carries a terminal, human readable failure.
	FrameError FrameKind = "error"
	// FrameDone marks the end of the stream.
	FrameDone FrameKind = "done"
)

// Frame is one decoded event of the send-message stream.
type Frame struct {
	Kind FrameKind

	// Content would be filled if Kind is FrameContent.
	Content string
	// ConversationID would be filled if Kind is FrameIdentity.
	ConversationID string
	// Error would be filled if Kind is FrameError.
	Error string
}

// SendRequest is the body of the send-message call. ConversationID is empty for a provisional
// conversation.
type SendRequest struct {
	Content        string  `json:"content"`
	ConversationID string  `json:"conversation_id,omitempty"`
	FolderID       *string `json:"folder_id,omitempty"`
}

// ConversationDetail is the payload of GET /conversations/:id.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}
