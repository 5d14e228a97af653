package state

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
)

// TranscriptBackend loads the messages of a stored conversation.
type TranscriptBackend interface {
	Conversation(ctx context.Context, id string) (models.ConversationDetail, error)
}

// Transcripts keeps the messages of every opened conversation, keyed by conversation reference.
type Transcripts struct {
	backend TranscriptBackend

	mu       sync.RWMutex
	messages map[models.ConversationRef][]models.Message
}

// NewTranscripts creates an empty transcript store.
func NewTranscripts(backend TranscriptBackend) *Transcripts {
	return &Transcripts{
		backend:  backend,
		messages: make(map[models.ConversationRef][]models.Message),
	}
}

// Messages returns a copy of the transcript of a conversation.
func (t *Transcripts) Messages(ref models.ConversationRef) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages[ref])
}

// Message returns one message of a transcript.
func (t *Transcripts) Message(ref models.ConversationRef, id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := t.messages[ref]
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return models.Message{}, false
	}
	return msgs[idx], true
}

// Load replaces the transcript of a stored conversation with the backend's copy. A transcript with a
// streaming message is left alone, as the backend does not have the reply yet.
func (t *Transcripts) Load(ctx context.Context, id string) ([]models.Message, error) {
	ref := models.CommittedRef(id)
	if t.streaming(ref) {
		return t.Messages(ref), nil
	}

	detail, err := t.backend.Conversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if slices.ContainsFunc(t.messages[ref], func(m models.Message) bool { return m.Streaming }) {
		return slices.Clone(t.messages[ref]), nil
	}
	t.messages[ref] = slices.Clone(detail.Messages)
	return slices.Clone(detail.Messages), nil
}

// Append adds messages at the end of a transcript.
func (t *Transcripts) Append(ref models.ConversationRef, msgs ...models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages[ref] = append(slices.Clone(t.messages[ref]), msgs...)
}

// Replace swaps the message with the same id as msg. It reports whether the message was found.
func (t *Transcripts) Replace(ref models.ConversationRef, msg models.Message) bool {
	return t.Update(ref, msg.ID, func(models.Message) models.Message { return msg })
}

// Update rewrites the message with the given id through fn. It reports whether the message was found.
func (t *Transcripts) Update(ref models.ConversationRef, id string, fn func(models.Message) models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.messages[ref]
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return false
	}

	msgs = slices.Clone(msgs)
	msgs[idx] = fn(msgs[idx])
	t.messages[ref] = msgs
	return true
}

// SetContent overwrites the content of a message with the accumulated text of a reply. It reports
// whether the message was found.
func (t *Transcripts) SetContent(ref models.ConversationRef, id, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.messages[ref]
	if !slices.ContainsFunc(msgs, func(m models.Message) bool { return m.ID == id }) {
		return false
	}
	t.messages[ref] = ApplyContent(msgs, id, content)
	return true
}

// Rename moves a transcript to another reference, replacing whatever was stored there. It is used
// once a provisional conversation receives its backend id.
func (t *Transcripts) Rename(from, to models.ConversationRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.messages[from]
	if !ok {
		return
	}
	delete(t.messages, from)
	t.messages[to] = msgs
}

// Forget drops the transcript of a conversation.
func (t *Transcripts) Forget(ref models.ConversationRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.messages, ref)
}

// Clear drops every transcript.
func (t *Transcripts) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[models.ConversationRef][]models.Message)
}

func (t *Transcripts) streaming(ref models.ConversationRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.ContainsFunc(t.messages[ref], func(m models.Message) bool { return m.Streaming })
}

// ApplyContent returns a copy of msgs where the message with the given id holds content. The content is
// always the whole accumulated text, so applying the same content twice gives the same transcript.
func ApplyContent(msgs []models.Message, id, content string) []models.Message {
	out := slices.Clone(msgs)
	for i := range out {
		if out[i].ID == id {
			out[i].Content = content
		}
	}
	return out
}
