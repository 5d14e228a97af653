package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-web-client/internal/dnd"
	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
)

// HandleMoveConversation handles a drop of a conversation on a folder, or on the unfiled area when
// "folder_id" is empty. The sidebar is answered in every case, reloaded from the backend when the move
// was refused.
func (m Main) HandleMoveConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.FormValue("conversation_id")
	var folderID *string
	if id := r.FormValue("folder_id"); id != "" && id != dnd.UnfiledTargetID {
		folderID = &id
	}

	// A drop is not undone by the browser going away.
	ctx := context.WithoutCancel(r.Context())

	phase, err := m.mover.Move(ctx, convID, folderID)
	status := http.StatusOK
	switch {
	case errors.Is(err, dnd.ErrReconciling):
		status = http.StatusConflict
	case errors.Is(err, dnd.ErrUnknownConversation), errors.Is(err, dnd.ErrNotDraggable):
		status = http.StatusBadRequest
	case err != nil:
		status = http.StatusBadGateway
	}
	if err != nil {
		m.logger.Warn("Conversation not moved",
			slog.String("conversationID", convID),
			slog.String("phase", phase.String()),
			slog.String(errLoggerKey, err.Error()))
	}

	if phase == dnd.PhaseCommitted || phase == dnd.PhaseRolledBack {
		m.publishSidebar("")
	}
	m.renderSidebar(w, r.FormValue("active_id"), status)
}

// HandleRenameConversation changes the title of a conversation.
func (m Main) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := models.ParseConversationRef(r.FormValue("conversation_id"))
	id, ok := ref.ID()
	if !ok {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	if err := m.convs.Rename(r.Context(), id, title); err != nil {
		m.logger.Error("Failed to rename conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
	}

	m.publishSidebar("")
	m.renderSidebar(w, r.FormValue("active_id"), status)
}

// HandleDeleteConversation deletes a conversation, stopping its reply first.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := models.ParseConversationRef(r.FormValue("conversation_id"))
	id, ok := ref.ID()
	if !ok {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	m.pipeline.Cancel(ref)

	status := http.StatusOK
	if err := m.convs.Delete(r.Context(), id); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
	} else {
		m.transcripts.Forget(ref)
	}

	activeID := r.FormValue("active_id")
	if activeID == id {
		activeID = ""
	}
	m.publishSidebar("")
	m.renderSidebar(w, activeID, status)
}

// HandleCreateFolder creates a folder from the "name" and "instruction" form fields.
func (m Main) HandleCreateFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	in, ok := folderInput(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	if _, err := m.folders.Create(r.Context(), in); err != nil {
		m.logger.Error("Failed to create folder", slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
	}

	m.publishSidebar("")
	m.renderSidebar(w, r.FormValue("active_id"), status)
}

// HandleUpdateFolder renames a folder or changes its instruction.
func (m Main) HandleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.FormValue("folder_id")
	if id == "" {
		http.Error(w, "Folder id is required", http.StatusBadRequest)
		return
	}
	in, ok := folderInput(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	if _, err := m.folders.Update(r.Context(), id, in); err != nil {
		m.logger.Error("Failed to update folder",
			slog.String("folderID", id),
			slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
	}

	m.publishSidebar("")
	m.renderSidebar(w, r.FormValue("active_id"), status)
}

// HandleDeleteFolder deletes a folder. Its conversations become unfiled.
func (m Main) HandleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.FormValue("folder_id")
	if id == "" {
		http.Error(w, "Folder id is required", http.StatusBadRequest)
		return
	}

	err := m.folders.Delete(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrDefaultFolder):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, state.ErrFolderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	status := http.StatusOK
	if err != nil {
		m.logger.Error("Failed to delete folder",
			slog.String("folderID", id),
			slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
	}

	m.publishSidebar("")
	m.renderSidebar(w, r.FormValue("active_id"), status)
}

func folderInput(w http.ResponseWriter, r *http.Request) (models.FolderInput, bool) {
	in := models.FolderInput{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Instruction: strings.TrimSpace(r.FormValue("instruction")),
	}
	if in.Name == "" {
		http.Error(w, "Folder name is required", http.StatusBadRequest)
		return models.FolderInput{}, false
	}
	return in, true
}
