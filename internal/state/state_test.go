package state_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
)

// mockBackend serves folders and conversations from memory, like the real backend would.
type mockBackend struct {
	mu sync.Mutex

	folders []models.Folder
	convs   []models.Conversation
	details map[string]models.ConversationDetail

	err      error
	calls    []string
	loadHits int
}

func (m *mockBackend) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockBackend) Conversations(context.Context) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadHits++
	return slices.Clone(m.convs), nil
}

func (m *mockBackend) UpdateConversation(_ context.Context, id string, u models.ConversationUpdate) error {
	return m.record("update " + id)
}

func (m *mockBackend) DeleteConversation(_ context.Context, id string) error {
	return m.record("delete " + id)
}

func (m *mockBackend) Folders(context.Context) ([]models.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.folders), nil
}

func (m *mockBackend) CreateFolder(_ context.Context, in models.FolderInput) (models.Folder, error) {
	if err := m.record("create " + in.Name); err != nil {
		return models.Folder{}, err
	}
	return models.Folder{ID: "f-" + strings.ToLower(in.Name), Name: in.Name}, nil
}

func (m *mockBackend) UpdateFolder(_ context.Context, id string, in models.FolderInput) (models.Folder, error) {
	if err := m.record("update folder " + id); err != nil {
		return models.Folder{}, err
	}
	return models.Folder{ID: id, Name: in.Name, Instruction: in.Instruction}, nil
}

func (m *mockBackend) DeleteFolder(_ context.Context, id string) error {
	return m.record("delete folder " + id)
}

func (m *mockBackend) Conversation(_ context.Context, id string) (models.ConversationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.ConversationDetail{}, m.err
	}
	return m.details[id], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(s string) *string {
	return &s
}

func conv(id string, folderID *string) models.Conversation {
	return models.Conversation{Ref: models.CommittedRef(id), Title: "title " + id, FolderID: folderID}
}

func ids(convs []models.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.Ref.String()
	}
	return out
}

func newCaches(t *testing.T, backend *mockBackend) (*state.Conversations, *state.Folders) {
	t.Helper()
	convs := state.NewConversations(backend, testLogger())
	folders := state.NewFolders(backend, convs, testLogger())
	if err := folders.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	return convs, folders
}

func TestConversationsPromote(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("old", nil)}}
	convs, _ := newCaches(t, backend)

	convs.EnsureProvisional("안녕", nil, time.Now())
	convs.EnsureProvisional("again", nil, time.Now())
	if got := ids(convs.List()); !slices.Equal(got, []string{"new", "old"}) {
		t.Fatalf("List() = %v, want [new old]", got)
	}

	if !convs.Promote("abc123") {
		t.Fatal("Promote() = false, want true")
	}
	if got := ids(convs.List()); !slices.Equal(got, []string{"abc123", "old"}) {
		t.Errorf("List() = %v, want [abc123 old]", got)
	}
	if convs.Promote("again") {
		t.Error("Promote() without provisional record should report false")
	}
}

func TestConversationsPromoteAfterReloadRace(t *testing.T) {
	backend := &mockBackend{}
	convs, _ := newCaches(t, backend)

	convs.EnsureProvisional("hi", nil, time.Now())

	// The backend already lists the new conversation when a reload happens mid-stream.
	backend.convs = []models.Conversation{conv("c1", nil)}
	if err := convs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := ids(convs.List()); !slices.Equal(got, []string{"new", "c1"}) {
		t.Fatalf("List() = %v, want provisional kept across reload", got)
	}

	convs.Promote("c1")
	if got := ids(convs.List()); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("List() = %v, want exactly one c1", got)
	}
}

func TestConversationsTouchMovesToHead(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("a", nil), conv("b", nil)}}
	convs, _ := newCaches(t, backend)

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	convs.Touch(models.CommittedRef("b"), "latest", at)

	list := convs.List()
	if got := ids(list); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("List() = %v, want [b a]", got)
	}
	if list[0].Preview != "latest" || !list[0].LastUpdated.Equal(at) {
		t.Errorf("head = %+v, want touched preview and time", list[0])
	}
}

func TestConversationsDeleteWaitsForBackend(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("a", nil), conv("b", nil)}}
	convs, _ := newCaches(t, backend)

	backend.err = errors.New("boom")
	if err := convs.Delete(context.Background(), "a"); err == nil {
		t.Fatal("Delete() should fail")
	}
	if got := ids(convs.List()); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("List() after failed delete = %v, want unchanged", got)
	}

	backend.err = nil
	if err := convs.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := ids(convs.List()); !slices.Equal(got, []string{"b"}) {
		t.Errorf("List() = %v, want [b]", got)
	}
}

func TestConversationsRename(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("a", nil)}}
	convs, _ := newCaches(t, backend)

	if err := convs.Rename(context.Background(), "a", "Trip plan"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	got, ok := convs.Get(models.CommittedRef("a"))
	if !ok || got.Title != "Trip plan" {
		t.Errorf("Get() = %+v, %v; want renamed", got, ok)
	}
}

func TestListReturnsCopies(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("a", ptr("f1"))}}
	convs, _ := newCaches(t, backend)

	list := convs.List()
	*list[0].FolderID = "hacked"
	list[0].Title = "hacked"

	got, _ := convs.Get(models.CommittedRef("a"))
	if *got.FolderID != "f1" || got.Title != "title a" {
		t.Errorf("cache was mutated through List(): %+v", got)
	}
}

func TestFoldersDerivedMembership(t *testing.T) {
	backend := &mockBackend{
		folders: []models.Folder{{ID: "A", Name: "A"}, {ID: "B", Name: "B"}},
		convs:   []models.Conversation{conv("c1", ptr("A")), conv("c2", ptr("A")), conv("c3", nil)},
	}
	convs, folders := newCaches(t, backend)

	list := folders.List()
	if got := ids(list[0].Conversations); !slices.Equal(got, []string{"c1", "c2"}) {
		t.Errorf("A members = %v, want [c1 c2]", got)
	}
	if len(list[1].Conversations) != 0 {
		t.Errorf("B members = %v, want none", ids(list[1].Conversations))
	}
	if got := ids(folders.Unfiled()); !slices.Equal(got, []string{"c3"}) {
		t.Errorf("Unfiled() = %v, want [c3]", got)
	}

	convs.SetFolder("c1", ptr("B"))
	a, _ := folders.Get("A")
	b, _ := folders.Get("B")
	if got := ids(a.Conversations); !slices.Equal(got, []string{"c2"}) {
		t.Errorf("A members = %v, want [c2]", got)
	}
	if got := ids(b.Conversations); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("B members = %v, want [c1]", got)
	}
}

func TestFoldersDelete(t *testing.T) {
	backend := &mockBackend{
		folders: []models.Folder{{ID: "default", Name: "General", IsDefault: true}, {ID: "A", Name: "A"}},
		convs:   []models.Conversation{conv("c1", ptr("A"))},
	}
	_, folders := newCaches(t, backend)

	if err := folders.Delete(context.Background(), "default"); !errors.Is(err, state.ErrDefaultFolder) {
		t.Errorf("Delete(default) error = %v, want ErrDefaultFolder", err)
	}
	if err := folders.Delete(context.Background(), "missing"); !errors.Is(err, state.ErrFolderNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrFolderNotFound", err)
	}
	if slices.Contains(backend.calls, "delete folder default") {
		t.Error("default folder deletion should not reach the backend")
	}

	if err := folders.Delete(context.Background(), "A"); err != nil {
		t.Fatalf("Delete(A) error = %v", err)
	}
	if len(folders.List()) != 1 {
		t.Errorf("List() = %v, want only the default folder", folders.List())
	}
	if got := ids(folders.Unfiled()); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("Unfiled() = %v, want [c1]", got)
	}
}

func TestFoldersCreateAndUpdate(t *testing.T) {
	backend := &mockBackend{}
	_, folders := newCaches(t, backend)

	created, err := folders.Create(context.Background(), models.FolderInput{Name: "Work"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := folders.Update(context.Background(), created.ID, models.FolderInput{
		Name:        "Work",
		Instruction: "Answer briefly.",
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, ok := folders.Get(created.ID)
	if !ok || got.Instruction != "Answer briefly." {
		t.Errorf("Get() = %+v, %v; want updated instruction", got, ok)
	}
}

func TestFoldersCreateFailureResyncs(t *testing.T) {
	backend := &mockBackend{folders: []models.Folder{{ID: "A", Name: "A"}}}
	_, folders := newCaches(t, backend)

	backend.err = errors.New("boom")
	backend.folders = append(backend.folders, models.Folder{ID: "B", Name: "B"})
	if _, err := folders.Create(context.Background(), models.FolderInput{Name: "C"}); err == nil {
		t.Fatal("Create() should fail")
	}

	var got []string
	for _, f := range folders.List() {
		got = append(got, f.ID)
	}
	if !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("List() after resync = %v, want backend state [A B]", got)
	}
}

func TestTranscripts(t *testing.T) {
	backend := &mockBackend{details: map[string]models.ConversationDetail{
		"c1": {Messages: []models.Message{{ID: "m1", Role: models.RoleUser, Content: "hi"}}},
	}}
	tr := state.NewTranscripts(backend)
	provisional := models.ProvisionalRef()

	tr.Append(provisional,
		models.Message{ID: "user-1", Role: models.RoleUser, Content: "안녕"},
		models.Message{ID: "loading-1", Role: models.RoleAssistant, Streaming: true},
	)
	if !tr.SetContent(provisional, "loading-1", "안녕하") {
		t.Fatal("SetContent() = false, want true")
	}
	if tr.SetContent(provisional, "missing", "x") {
		t.Error("SetContent() on a missing message should report false")
	}

	tr.Rename(provisional, models.CommittedRef("c2"))
	if len(tr.Messages(provisional)) != 0 {
		t.Error("provisional transcript should be gone after Rename")
	}
	msg, ok := tr.Message(models.CommittedRef("c2"), "loading-1")
	if !ok || msg.Content != "안녕하" {
		t.Errorf("Message() = %+v, %v; want renamed transcript", msg, ok)
	}

	// A streaming transcript is not overwritten by a load.
	msgs, err := tr.Load(context.Background(), "c2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Load() = %v, want local streaming transcript", msgs)
	}

	msgs, err = tr.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("Load() = %v, want backend transcript", msgs)
	}
}

func TestApplyContentIsIdempotent(t *testing.T) {
	base := []models.Message{
		{ID: "user-1", Role: models.RoleUser, Content: "q"},
		{ID: "loading-1", Role: models.RoleAssistant, Streaming: true},
	}
	fragments := []string{"안", "녕", "하세요", "!"}

	var acc strings.Builder
	msgs := base
	for _, f := range fragments {
		acc.WriteString(f)
		msgs = state.ApplyContent(msgs, "loading-1", acc.String())
		again := state.ApplyContent(msgs, "loading-1", acc.String())
		if !slices.Equal(again, msgs) {
			t.Fatalf("re-applying %q changed the transcript", acc.String())
		}
	}

	if msgs[1].Content != strings.Join(fragments, "") {
		t.Errorf("content = %q, want %q", msgs[1].Content, strings.Join(fragments, ""))
	}
	if base[1].Content != "" {
		t.Error("ApplyContent must not mutate its input")
	}
}

func TestConversationsDropProvisional(t *testing.T) {
	backend := &mockBackend{convs: []models.Conversation{conv("a", nil)}}
	convs, _ := newCaches(t, backend)

	convs.EnsureProvisional("draft", nil, time.Now())
	convs.DropProvisional()
	if got := ids(convs.List()); !slices.Equal(got, []string{"a"}) {
		t.Errorf("List() = %v, want [a]", got)
	}

	// Nothing to drop is fine.
	convs.DropProvisional()
	if got := ids(convs.List()); !slices.Equal(got, []string{"a"}) {
		t.Errorf("List() = %v, want [a]", got)
	}
}

func TestTranscriptsReplaceAndClear(t *testing.T) {
	tr := state.NewTranscripts(&mockBackend{})
	ref := models.CommittedRef("c1")

	tr.Append(ref, models.Message{ID: "loading-1", Role: models.RoleAssistant, Streaming: true, Content: "par"})
	if !tr.Replace(ref, models.Message{ID: "loading-1", Role: models.RoleAssistant, Content: "partial"}) {
		t.Fatal("Replace() = false, want true")
	}
	msg, _ := tr.Message(ref, "loading-1")
	if msg.Streaming || msg.Content != "partial" {
		t.Errorf("Message() = %+v, want resolved content", msg)
	}
	if tr.Replace(ref, models.Message{ID: "missing"}) {
		t.Error("Replace() of a missing message should report false")
	}

	tr.Clear()
	if len(tr.Messages(ref)) != 0 {
		t.Error("Messages() after Clear should be empty")
	}
}
