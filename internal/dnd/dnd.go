// Package dnd moves conversations between folders through drag gestures. A drop is applied to the
// local caches at once and persisted in the background; when the backend refuses it, the folder and
// conversation caches are reloaded rather than patched back.
package dnd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
)

// Kind is the kind of item being dragged.
type Kind string

// KindConversation is the only draggable kind for now.
const KindConversation Kind = "conversation"

// DragSource is the item picked up by a gesture.
type DragSource struct {
	ID   string
	Kind Kind
}

// DropTarget is a place an item can be dropped on: a folder, or the unfiled area when FolderID is nil.
type DropTarget struct {
	ID       string
	FolderID *string
	Kinds    []Kind
}

// Phase is the state of a gesture.
type Phase int

const (
	// PhaseIdle is the state of a gesture that ended without changing anything.
	PhaseIdle Phase = iota
	// PhaseDragging is the state between pick-up and drop.
	PhaseDragging
	// PhaseReconciling is the state while the backend call is pending.
	PhaseReconciling
	// PhaseCommitted is the state after the backend accepted the move.
	PhaseCommitted
	// PhaseRolledBack is the state after the backend refused the move and the caches were reloaded.
	PhaseRolledBack
)

// UnfiledTargetID is the id of the drop target outside any folder.
const UnfiledTargetID = "unfiled"

// Assigner persists the folder of a conversation.
type Assigner interface {
	AssignFolder(ctx context.Context, conversationID string, folderID *string) error
}

// Mover starts drag gestures on cached conversations.
type Mover struct {
	assigner Assigner
	convs    *state.Conversations
	folders  *state.Folders

	mu          sync.Mutex
	reconciling map[string]bool

	logger *slog.Logger
}

// Gesture is one drag of a conversation, from pick-up to drop or cancel.
type Gesture struct {
	m *Mover

	source           DragSource
	originalFolderID *string

	mu    sync.Mutex
	phase Phase
	over  *DropTarget
}

var (
	// ErrReconciling is returned when a conversation is picked up while its previous move is still
	// waiting for the backend.
	ErrReconciling = errors.New("conversation is still being moved")
	// ErrNotDraggable is returned for a source of an unsupported kind.
	ErrNotDraggable = errors.New("item cannot be dragged")
	// ErrUnknownConversation is returned for a conversation missing from the cache, including the
	// provisional one, which cannot be filed before the backend knows it.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrGestureEnded is returned when dropping a gesture that is no longer dragging.
	ErrGestureEnded = errors.New("gesture already ended")
)

const errLoggerKey = "err"

// FolderTarget returns the drop target of a folder.
func FolderTarget(id string) DropTarget {
	return DropTarget{ID: id, FolderID: &id, Kinds: []Kind{KindConversation}}
}

// UnfiledTarget returns the drop target outside any folder.
func UnfiledTarget() DropTarget {
	return DropTarget{ID: UnfiledTargetID, Kinds: []Kind{KindConversation}}
}

// Accepts reports whether items of the kind can be dropped on the target.
func (t DropTarget) Accepts(kind Kind) bool {
	return slices.Contains(t.Kinds, kind)
}

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDragging:
		return "dragging"
	case PhaseReconciling:
		return "reconciling"
	case PhaseCommitted:
		return "committed"
	case PhaseRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// NewMover creates a Mover working on the given caches.
func NewMover(assigner Assigner, convs *state.Conversations, folders *state.Folders, logger *slog.Logger) *Mover {
	return &Mover{
		assigner:    assigner,
		convs:       convs,
		folders:     folders,
		reconciling: make(map[string]bool),
		logger:      logger.With(slog.String("module", "dnd")),
	}
}

// Start picks up a conversation and records the folder it currently belongs to.
func (m *Mover) Start(src DragSource) (*Gesture, error) {
	if src.Kind != KindConversation {
		return nil, ErrNotDraggable
	}

	conv, ok := m.convs.Get(models.CommittedRef(src.ID))
	if !ok || conv.Ref.IsProvisional() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, src.ID)
	}

	m.mu.Lock()
	busy := m.reconciling[src.ID]
	m.mu.Unlock()
	if busy {
		return nil, ErrReconciling
	}

	return &Gesture{
		m:                m,
		source:           src,
		originalFolderID: conv.FolderID,
		phase:            PhaseDragging,
	}, nil
}

// Move runs a whole gesture at once: pick up the conversation and drop it on the folder, or on the
// unfiled area when folderID is nil.
func (m *Mover) Move(ctx context.Context, conversationID string, folderID *string) (Phase, error) {
	g, err := m.Start(DragSource{ID: conversationID, Kind: KindConversation})
	if err != nil {
		return PhaseIdle, err
	}

	target := UnfiledTarget()
	if folderID != nil {
		target = FolderTarget(*folderID)
	}
	return g.Drop(ctx, &target)
}

// Reconciling reports whether a move of the conversation waits for the backend.
func (m *Mover) Reconciling(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconciling[conversationID]
}

// Phase returns the current phase of the gesture.
func (g *Gesture) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Source returns the dragged item.
func (g *Gesture) Source() DragSource {
	return g.source
}

// Over records the target under the pointer and reports whether it accepts the dragged item.
func (g *Gesture) Over(target DropTarget) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseDragging {
		return false
	}
	if !target.Accepts(g.source.Kind) {
		g.over = nil
		return false
	}
	g.over = &target
	return true
}

// Hovered returns the accepting target last reported by Over.
func (g *Gesture) Hovered() (DropTarget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.over == nil {
		return DropTarget{}, false
	}
	return *g.over, true
}

// Cancel abandons the gesture without any change.
func (g *Gesture) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase == PhaseDragging {
		g.phase = PhaseIdle
		g.over = nil
	}
}

// Drop ends the gesture on target; a nil target is a drop outside any target. Dropping where the
// conversation already is, or outside any accepting target, ends the gesture without a backend call.
// Otherwise the new folder is applied locally and persisted. When the backend refuses it, the folder
// and conversation caches are reloaded, the gesture ends RolledBack and the backend error is returned.
func (g *Gesture) Drop(ctx context.Context, target *DropTarget) (Phase, error) {
	g.mu.Lock()
	if g.phase != PhaseDragging {
		phase := g.phase
		g.mu.Unlock()
		return phase, ErrGestureEnded
	}
	if target == nil || !target.Accepts(g.source.Kind) || models.SameFolder(target.FolderID, g.originalFolderID) {
		g.phase = PhaseIdle
		g.over = nil
		g.mu.Unlock()
		return PhaseIdle, nil
	}
	g.mu.Unlock()

	m := g.m
	id := g.source.ID

	m.mu.Lock()
	if m.reconciling[id] {
		m.mu.Unlock()
		g.setPhase(PhaseIdle)
		return PhaseIdle, ErrReconciling
	}
	m.reconciling[id] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.reconciling, id)
		m.mu.Unlock()
	}()

	g.setPhase(PhaseReconciling)
	m.convs.SetFolder(id, target.FolderID)

	if err := m.assigner.AssignFolder(ctx, id, target.FolderID); err != nil {
		m.logger.Warn("Folder assignment refused, reloading",
			slog.String("conversation", id),
			slog.String("target", target.ID),
			slog.String(errLoggerKey, err.Error()))

		if rErr := m.folders.Reload(ctx); rErr != nil {
			m.logger.Error("Failed to reload folders", slog.String(errLoggerKey, rErr.Error()))
			err = errors.Join(err, rErr)
		}
		g.setPhase(PhaseRolledBack)
		return PhaseRolledBack, fmt.Errorf("failed to move conversation: %w", err)
	}

	g.setPhase(PhaseCommitted)
	m.logger.Debug("Conversation moved", slog.String("conversation", id), slog.String("target", target.ID))
	return PhaseCommitted, nil
}

func (g *Gesture) setPhase(p Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phase = p
	g.over = nil
}
