package dnd_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-web-client/internal/dnd"
	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
)

// backend is the authoritative store. AssignFolder applies the move unless err is set; block, when not
// nil, holds the call until closed.
type backend struct {
	mu      sync.Mutex
	folders []models.Folder
	convs   []models.Conversation
	err     error
	block   chan struct{}
	entered chan struct{}
	assigns int
}

func (b *backend) Folders(context.Context) ([]models.Folder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.folders), nil
}

func (b *backend) CreateFolder(context.Context, models.FolderInput) (models.Folder, error) {
	return models.Folder{}, errors.New("not implemented")
}

func (b *backend) UpdateFolder(context.Context, string, models.FolderInput) (models.Folder, error) {
	return models.Folder{}, errors.New("not implemented")
}

func (b *backend) DeleteFolder(context.Context, string) error {
	return errors.New("not implemented")
}

func (b *backend) Conversations(context.Context) ([]models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Conversation, len(b.convs))
	for i, c := range b.convs {
		if c.FolderID != nil {
			id := *c.FolderID
			c.FolderID = &id
		}
		out[i] = c
	}
	return out, nil
}

func (b *backend) UpdateConversation(context.Context, string, models.ConversationUpdate) error {
	return nil
}

func (b *backend) DeleteConversation(context.Context, string) error {
	return nil
}

func (b *backend) AssignFolder(_ context.Context, id string, folderID *string) error {
	b.mu.Lock()
	b.assigns++
	block, entered := b.block, b.entered
	b.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	for i := range b.convs {
		if b.convs[i].Ref == models.CommittedRef(id) {
			b.convs[i].FolderID = folderID
		}
	}
	return nil
}

func ptr(s string) *string {
	return &s
}

type fixture struct {
	backend *backend
	convs   *state.Conversations
	folders *state.Folders
	mover   *dnd.Mover
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	b := &backend{
		folders: []models.Folder{{ID: "A", Name: "A"}, {ID: "B", Name: "B"}},
		convs: []models.Conversation{
			{Ref: models.CommittedRef("c1"), FolderID: ptr("A")},
			{Ref: models.CommittedRef("c2"), FolderID: ptr("A")},
			{Ref: models.CommittedRef("c3")},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	convs := state.NewConversations(b, logger)
	folders := state.NewFolders(b, convs, logger)
	if err := folders.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	return fixture{backend: b, convs: convs, folders: folders, mover: dnd.NewMover(b, convs, folders, logger)}
}

// membership returns folder id -> conversation ids, with "" for unfiled.
func (f fixture) membership() map[string][]string {
	out := map[string][]string{}
	for _, folder := range f.folders.List() {
		ids := []string{}
		for _, c := range folder.Conversations {
			ids = append(ids, c.Ref.String())
		}
		out[folder.ID] = ids
	}
	ids := []string{}
	for _, c := range f.folders.Unfiled() {
		ids = append(ids, c.Ref.String())
	}
	out[""] = ids
	return out
}

func equalMembership(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !slices.Equal(v, b[k]) {
			return false
		}
	}
	return true
}

func TestDropOnSameFolderIsNoop(t *testing.T) {
	f := newFixture(t)
	before := f.membership()

	g, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	target := dnd.FolderTarget("A")
	if !g.Over(target) {
		t.Error("Over(folder) = false, want true")
	}

	phase, err := g.Drop(context.Background(), &target)
	if err != nil || phase != dnd.PhaseIdle {
		t.Errorf("Drop() = %v, %v; want idle", phase, err)
	}
	if f.backend.assigns != 0 {
		t.Errorf("assign calls = %d, want none", f.backend.assigns)
	}
	if !equalMembership(before, f.membership()) {
		t.Errorf("membership = %v, want unchanged %v", f.membership(), before)
	}
}

func TestDropUnfiledOnUnfiledIsNoop(t *testing.T) {
	f := newFixture(t)

	phase, err := f.mover.Move(context.Background(), "c3", nil)
	if err != nil || phase != dnd.PhaseIdle {
		t.Errorf("Move() = %v, %v; want idle", phase, err)
	}
	if f.backend.assigns != 0 {
		t.Errorf("assign calls = %d, want none", f.backend.assigns)
	}
}

func TestDropOnOtherFolderCommits(t *testing.T) {
	f := newFixture(t)

	g, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	target := dnd.FolderTarget("B")
	phase, err := g.Drop(context.Background(), &target)
	if err != nil || phase != dnd.PhaseCommitted {
		t.Fatalf("Drop() = %v, %v; want committed", phase, err)
	}
	if g.Phase() != dnd.PhaseCommitted {
		t.Errorf("Phase() = %v, want committed", g.Phase())
	}

	conv, _ := f.convs.Get(models.CommittedRef("c1"))
	if conv.FolderID == nil || *conv.FolderID != "B" {
		t.Errorf("folder_id = %v, want B", conv.FolderID)
	}
	m := f.membership()
	if slices.Contains(m["A"], "c1") {
		t.Errorf("A = %v, should not contain c1", m["A"])
	}
	count := 0
	for _, id := range m["B"] {
		if id == "c1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("B = %v, want c1 exactly once", m["B"])
	}
}

func TestUnfileCommits(t *testing.T) {
	f := newFixture(t)

	phase, err := f.mover.Move(context.Background(), "c2", nil)
	if err != nil || phase != dnd.PhaseCommitted {
		t.Fatalf("Move() = %v, %v; want committed", phase, err)
	}
	if got := f.membership()[""]; !slices.Equal(got, []string{"c2", "c3"}) {
		t.Errorf("unfiled = %v, want [c2 c3]", got)
	}
}

func TestFailedDropRollsBack(t *testing.T) {
	f := newFixture(t)
	before := f.membership()
	f.backend.err = errors.New("backend down")

	phase, err := f.mover.Move(context.Background(), "c1", ptr("B"))
	if err == nil || phase != dnd.PhaseRolledBack {
		t.Fatalf("Move() = %v, %v; want rolled back with error", phase, err)
	}
	if !equalMembership(before, f.membership()) {
		t.Errorf("membership = %v, want %v after resync", f.membership(), before)
	}
	if f.mover.Reconciling("c1") {
		t.Error("Reconciling() = true after the move resolved")
	}
}

func TestDropOutsideOrCancel(t *testing.T) {
	f := newFixture(t)

	g, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	phase, err := g.Drop(context.Background(), nil)
	if err != nil || phase != dnd.PhaseIdle {
		t.Errorf("Drop(nil) = %v, %v; want idle", phase, err)
	}

	g, err = f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	g.Cancel()
	target := dnd.FolderTarget("B")
	if _, err := g.Drop(context.Background(), &target); !errors.Is(err, dnd.ErrGestureEnded) {
		t.Errorf("Drop() after Cancel error = %v, want ErrGestureEnded", err)
	}

	rejecting := dnd.DropTarget{ID: "trash", Kinds: []dnd.Kind{"file"}}
	g, _ = f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation})
	if g.Over(rejecting) {
		t.Error("Over() on a target that does not accept conversations = true")
	}
	if _, ok := g.Hovered(); ok {
		t.Error("Hovered() should be empty after a rejecting target")
	}
	if phase, _ := g.Drop(context.Background(), &rejecting); phase != dnd.PhaseIdle {
		t.Errorf("Drop(rejecting) = %v, want idle", phase)
	}

	if f.backend.assigns != 0 {
		t.Errorf("assign calls = %d, want none", f.backend.assigns)
	}
}

func TestStartRejectsWhileReconciling(t *testing.T) {
	f := newFixture(t)
	f.backend.block = make(chan struct{})
	f.backend.entered = make(chan struct{})

	results := make(chan dnd.Phase, 1)
	go func() {
		phase, _ := f.mover.Move(context.Background(), "c1", ptr("B"))
		results <- phase
	}()
	<-f.backend.entered

	if !f.mover.Reconciling("c1") {
		t.Error("Reconciling() = false during the backend call")
	}
	if _, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation}); !errors.Is(err, dnd.ErrReconciling) {
		t.Errorf("Start() error = %v, want ErrReconciling", err)
	}
	// The optimistic folder is visible while reconciling.
	if m := f.membership(); !slices.Contains(m["B"], "c1") {
		t.Errorf("B = %v, want c1 applied optimistically", m["B"])
	}

	// Other conversations can still be dragged.
	if _, err := f.mover.Start(dnd.DragSource{ID: "c2", Kind: dnd.KindConversation}); err != nil {
		t.Errorf("Start(c2) error = %v", err)
	}

	f.backend.mu.Lock()
	f.backend.entered = nil
	f.backend.mu.Unlock()
	close(f.backend.block)

	if phase := <-results; phase != dnd.PhaseCommitted {
		t.Errorf("Move() = %v, want committed", phase)
	}
	if _, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: dnd.KindConversation}); err != nil {
		t.Errorf("Start() after commit error = %v", err)
	}
}

func TestStartRejectsUnknownItems(t *testing.T) {
	f := newFixture(t)

	if _, err := f.mover.Start(dnd.DragSource{ID: "c1", Kind: "folder"}); !errors.Is(err, dnd.ErrNotDraggable) {
		t.Errorf("Start(folder kind) error = %v, want ErrNotDraggable", err)
	}
	if _, err := f.mover.Start(dnd.DragSource{ID: "missing", Kind: dnd.KindConversation}); !errors.Is(err, dnd.ErrUnknownConversation) {
		t.Errorf("Start(missing) error = %v, want ErrUnknownConversation", err)
	}

	f.convs.EnsureProvisional("draft", nil, f.convs.List()[0].LastUpdated)
	if _, err := f.mover.Start(dnd.DragSource{ID: models.ProvisionalID, Kind: dnd.KindConversation}); !errors.Is(err, dnd.ErrUnknownConversation) {
		t.Errorf("Start(new) error = %v, want ErrUnknownConversation", err)
	}
}
