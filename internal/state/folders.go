package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// FolderBackend is the part of the backend API the folder cache needs.
type FolderBackend interface {
	Folders(ctx context.Context) ([]models.Folder, error)
	CreateFolder(ctx context.Context, in models.FolderInput) (models.Folder, error)
	UpdateFolder(ctx context.Context, id string, in models.FolderInput) (models.Folder, error)
	DeleteFolder(ctx context.Context, id string) error
}

// Folders caches the folder list. Folder membership is not stored: it is derived from the folder id of
// the cached conversations every time the folders are read, so it can never disagree with them.
type Folders struct {
	backend FolderBackend
	convs   *Conversations

	mu    sync.RWMutex
	items []models.Folder

	reloads singleflight.Group

	logger *slog.Logger
}

// ErrDefaultFolder is returned when deleting a folder the system created.
var ErrDefaultFolder = errors.New("default folders cannot be deleted")

// ErrFolderNotFound is returned for an id that is not cached.
var ErrFolderNotFound = errors.New("folder not found")

// NewFolders creates an empty folder cache whose membership is derived from convs.
func NewFolders(backend FolderBackend, convs *Conversations, logger *slog.Logger) *Folders {
	return &Folders{
		backend: backend,
		convs:   convs,
		logger:  logger.With(slog.String("module", "folders")),
	}
}

// List returns the folders with their conversations.
func (f *Folders) List() []models.Folder {
	f.mu.RLock()
	folders := slices.Clone(f.items)
	f.mu.RUnlock()

	convs := f.convs.List()
	for i := range folders {
		id := folders[i].ID
		folders[i].Conversations = filterConversations(convs, &id)
	}
	return folders
}

// Get returns a folder with its conversations.
func (f *Folders) Get(id string) (models.Folder, bool) {
	f.mu.RLock()
	idx := slices.IndexFunc(f.items, func(folder models.Folder) bool { return folder.ID == id })
	var folder models.Folder
	if idx != -1 {
		folder = f.items[idx]
	}
	f.mu.RUnlock()

	if idx == -1 {
		return models.Folder{}, false
	}
	folder.Conversations = filterConversations(f.convs.List(), &id)
	return folder, true
}

// Members returns the conversations of a folder, or the unfiled ones when folderID is nil.
func (f *Folders) Members(folderID *string) []models.Conversation {
	return filterConversations(f.convs.List(), folderID)
}

// Unfiled returns the conversations that belong to no folder.
func (f *Folders) Unfiled() []models.Conversation {
	return f.Members(nil)
}

// Reload rebuilds both the folders and the conversations from the backend, since membership depends
// on both. Concurrent calls share one reload.
func (f *Folders) Reload(ctx context.Context) error {
	_, err, _ := f.reloads.Do("folders", func() (any, error) {
		g, gctx := errgroup.WithContext(ctx)

		var folders []models.Folder
		g.Go(func() error {
			var err error
			folders, err = f.backend.Folders(gctx)
			if err != nil {
				return fmt.Errorf("failed to load folders: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return f.convs.Reload(gctx)
		})

		if err := g.Wait(); err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.items = folders
		f.mu.Unlock()
		return nil, nil
	})
	return err
}

// Create adds a folder once the backend created it.
func (f *Folders) Create(ctx context.Context, in models.FolderInput) (models.Folder, error) {
	folder, err := f.backend.CreateFolder(ctx, in)
	if err != nil {
		f.resync(ctx)
		return models.Folder{}, fmt.Errorf("failed to create folder: %w", err)
	}

	f.mu.Lock()
	f.items = append(slices.Clone(f.items), folder)
	f.mu.Unlock()
	return folder, nil
}

// Update renames a folder or changes its instruction once the backend accepted it.
func (f *Folders) Update(ctx context.Context, id string, in models.FolderInput) (models.Folder, error) {
	folder, err := f.backend.UpdateFolder(ctx, id, in)
	if err != nil {
		f.resync(ctx)
		return models.Folder{}, fmt.Errorf("failed to update folder: %w", err)
	}
	if folder.ID == "" {
		folder.ID = id
	}

	f.mu.Lock()
	items := slices.Clone(f.items)
	if idx := slices.IndexFunc(items, func(fd models.Folder) bool { return fd.ID == id }); idx != -1 {
		items[idx] = folder
	}
	f.items = items
	f.mu.Unlock()
	return folder, nil
}

// Delete removes a folder once the backend deleted it; its conversations become unfiled. Default folders
// are refused without contacting the backend.
func (f *Folders) Delete(ctx context.Context, id string) error {
	folder, ok := f.Get(id)
	if !ok {
		return ErrFolderNotFound
	}
	if folder.IsDefault {
		return ErrDefaultFolder
	}

	if err := f.backend.DeleteFolder(ctx, id); err != nil {
		f.resync(ctx)
		return fmt.Errorf("failed to delete folder: %w", err)
	}

	f.mu.Lock()
	f.items = slices.DeleteFunc(slices.Clone(f.items), func(fd models.Folder) bool { return fd.ID == id })
	f.mu.Unlock()

	f.convs.Unfile(id)
	return nil
}

// Clear empties the folder and conversation caches.
func (f *Folders) Clear() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()

	f.convs.Clear()
}

func (f *Folders) resync(ctx context.Context) {
	if err := f.Reload(ctx); err != nil {
		f.logger.Error("Failed to resync folders", slog.String(errLoggerKey, err.Error()))
	}
}

func filterConversations(convs []models.Conversation, folderID *string) []models.Conversation {
	var out []models.Conversation
	for _, conv := range convs {
		if conv.InFolder(folderID) {
			out = append(out, conv)
		}
	}
	return out
}
