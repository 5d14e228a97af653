// Package state holds the client-side caches of the backend's conversations, folders and transcripts.
// The backend is the only source of truth: every cache can be rebuilt from it with Reload, and mutations
// that the backend rejects end with a Reload instead of a local rollback.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"golang.org/x/sync/singleflight"
)

// ConversationBackend is the part of the backend API the conversation cache needs.
type ConversationBackend interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error
}

// Conversations caches the conversation list. Slices handed out are copies; every mutation swaps the
// whole list so a reader never sees a half applied change.
type Conversations struct {
	backend ConversationBackend

	mu    sync.RWMutex
	items []models.Conversation

	reloads singleflight.Group

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewConversations creates an empty cache. Call Reload to fill it.
func NewConversations(backend ConversationBackend, logger *slog.Logger) *Conversations {
	return &Conversations{
		backend: backend,
		logger:  logger.With(slog.String("module", "conversations")),
	}
}

// List returns a copy of the cached conversations, in display order.
func (c *Conversations) List() []models.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneConversations(c.items)
}

// Get returns the conversation with the given reference.
func (c *Conversations) Get(ref models.ConversationRef) (models.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := slices.IndexFunc(c.items, func(conv models.Conversation) bool { return conv.Ref == ref })
	if idx == -1 {
		return models.Conversation{}, false
	}
	return cloneConversation(c.items[idx]), true
}

// Reload replaces the cache with the backend's list. Concurrent calls share one backend request. A
// provisional conversation survives the reload, since the backend cannot know about it yet.
func (c *Conversations) Reload(ctx context.Context) error {
	_, err, _ := c.reloads.Do("conversations", func() (any, error) {
		convs, err := c.backend.Conversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		items := make([]models.Conversation, 0, len(convs)+1)
		if idx := c.provisionalIndex(); idx != -1 {
			items = append(items, c.items[idx])
		}
		for _, conv := range convs {
			if conv.Ref.IsProvisional() {
				continue
			}
			items = append(items, conv)
		}
		c.items = items
		return nil, nil
	})
	return err
}

// EnsureProvisional puts a provisional conversation at the head of the list unless one is already
// there, and returns it.
func (c *Conversations) EnsureProvisional(title string, folderID *string, at time.Time) models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx := c.provisionalIndex(); idx != -1 {
		return cloneConversation(c.items[idx])
	}

	conv := models.Conversation{
		Ref:         models.ProvisionalRef(),
		Title:       title,
		Preview:     title,
		LastUpdated: at,
		FolderID:    cloneFolderID(folderID),
	}
	c.items = slices.Insert(slices.Clone(c.items), 0, conv)
	return cloneConversation(conv)
}

// Promote gives the provisional conversation the id assigned by the backend. The provisional record is
// replaced in place, never duplicated: when a record with that id is already cached (a reload raced the
// stream), the provisional record is dropped instead. It reports whether a provisional record existed.
func (c *Conversations) Promote(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.provisionalIndex()
	if idx == -1 {
		return false
	}

	ref := models.CommittedRef(id)
	items := slices.Clone(c.items)
	if slices.ContainsFunc(items, func(conv models.Conversation) bool { return conv.Ref == ref }) {
		c.items = slices.Delete(items, idx, idx+1)
		return true
	}

	items[idx].Ref = ref
	c.items = items
	return true
}

// DropProvisional removes the provisional conversation, if any.
func (c *Conversations) DropProvisional() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx := c.provisionalIndex(); idx != -1 {
		c.items = slices.Delete(slices.Clone(c.items), idx, idx+1)
	}
}

// Touch records the latest exchange of a conversation and moves it to the head of the list.
func (c *Conversations) Touch(ref models.ConversationRef, preview string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.items, func(conv models.Conversation) bool { return conv.Ref == ref })
	if idx == -1 {
		return
	}

	conv := c.items[idx]
	conv.Preview = preview
	conv.LastUpdated = at

	items := slices.Delete(slices.Clone(c.items), idx, idx+1)
	c.items = slices.Insert(items, 0, conv)
}

// SetFolder changes the folder of a cached conversation without contacting the backend. It reports
// whether the conversation was found.
func (c *Conversations) SetFolder(id string, folderID *string) bool {
	return c.update(id, func(conv *models.Conversation) {
		conv.FolderID = cloneFolderID(folderID)
	})
}

// Unfile detaches every conversation of a folder, as the backend does when the folder is deleted.
func (c *Conversations) Unfile(folderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := slices.Clone(c.items)
	for i := range items {
		if items[i].FolderID != nil && *items[i].FolderID == folderID {
			items[i].FolderID = nil
		}
	}
	c.items = items
}

// Clear empties the cache, as after a logout.
func (c *Conversations) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// Rename changes the title of a conversation once the backend confirmed it. On failure the cache is
// reloaded.
func (c *Conversations) Rename(ctx context.Context, id, title string) error {
	if err := c.backend.UpdateConversation(ctx, id, models.ConversationUpdate{Title: &title}); err != nil {
		c.resync(ctx)
		return fmt.Errorf("failed to rename conversation: %w", err)
	}

	c.update(id, func(conv *models.Conversation) {
		conv.Title = title
	})
	return nil
}

// Delete removes a conversation once the backend confirmed the deletion. On failure the cache is
// reloaded.
func (c *Conversations) Delete(ctx context.Context, id string) error {
	if err := c.backend.DeleteConversation(ctx, id); err != nil {
		c.resync(ctx)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ref := models.CommittedRef(id)
	c.items = slices.DeleteFunc(slices.Clone(c.items), func(conv models.Conversation) bool {
		return conv.Ref == ref
	})
	return nil
}

func (c *Conversations) update(id string, fn func(*models.Conversation)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := models.CommittedRef(id)
	idx := slices.IndexFunc(c.items, func(conv models.Conversation) bool { return conv.Ref == ref })
	if idx == -1 {
		return false
	}

	items := slices.Clone(c.items)
	fn(&items[idx])
	c.items = items
	return true
}

func (c *Conversations) resync(ctx context.Context) {
	if err := c.Reload(ctx); err != nil {
		c.logger.Error("Failed to resync conversations", slog.String(errLoggerKey, err.Error()))
	}
}

// provisionalIndex must be called with mu held.
func (c *Conversations) provisionalIndex() int {
	return slices.IndexFunc(c.items, func(conv models.Conversation) bool { return conv.Ref.IsProvisional() })
}

func cloneConversations(convs []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(convs))
	for i, conv := range convs {
		out[i] = cloneConversation(conv)
	}
	return out
}

func cloneConversation(conv models.Conversation) models.Conversation {
	conv.FolderID = cloneFolderID(conv.FolderID)
	return conv
}

func cloneFolderID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
