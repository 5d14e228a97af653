package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-web-client/internal/chat"
	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleChats sends a message through HTTP POST requests. It expects a "message" form field, an optional
// "conversation_id" (empty or "new" for a conversation that does not exist yet) and an optional
// "folder_id" for a new conversation started inside a folder.
//
// The user message and an empty assistant message are rendered right away; the reply then streams through
// server-sent events on the topic of the assistant message. A sidebar update is published when a new
// conversation appears and again when the reply is resolved.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := models.ParseConversationRef(r.FormValue("conversation_id"))

	var folderID *string
	if id := r.FormValue("folder_id"); id != "" && ref.IsProvisional() {
		folderID = &id
	}

	s, err := m.pipeline.Begin(ref, r.FormValue("message"), folderID)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrSendInProgress):
		m.logger.Warn("Message rejected, a reply is still streaming", slog.String("conversation", ref.String()))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to begin message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	um, err := renderMessage(s.UserMessage)
	if err != nil {
		m.logger.Error("Failed to render contents",
			slog.String("message", fmt.Sprintf("%+v", s.UserMessage)),
			slog.String(errLoggerKey, err.Error()))
		s.Abort()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am, err := renderMessage(s.Placeholder)
	if err != nil {
		m.logger.Error("Failed to render contents",
			slog.String("message", fmt.Sprintf("%+v", s.Placeholder)),
			slog.String(errLoggerKey, err.Error()))
		s.Abort()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "user_message", um); err != nil {
		s.Abort()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(&sb, "ai_message", am); err != nil {
		s.Abort()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if ref.IsProvisional() {
		m.publishSidebar(ref.String())
	}

	// The reply outlives the request; HandleCancel, leaving the conversation and Shutdown stop it.
	go m.stream(s, ref)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(sb.String()))
}

// HandleCancel stops the reply streaming into a conversation. The partial reply is kept.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := models.ParseConversationRef(r.FormValue("conversation_id"))
	if !m.pipeline.Cancel(ref) {
		http.Error(w, "No reply is streaming", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) stream(s *chat.Stream, ref models.ConversationRef) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(s.Placeholder.ID))
	}()

	res := s.Run(context.Background(), func(u chat.Update) {
		rm, err := renderMessage(u.Message)
		if err != nil {
			m.logger.Error("Failed to render contents",
				slog.String("message", fmt.Sprintf("%+v", u.Message)),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		var sb strings.Builder
		if err := m.templates.ExecuteTemplate(&sb, "message_content", rm); err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			return
		}

		msg := sse.Message{Type: messagesSSEType}
		msg.AppendData(sb.String())
		if err := m.sseSrv.Publish(&msg, messageIDTopic(u.Message.ID)); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("messageID", u.Message.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	})

	m.logger.Debug("Reply resolved", slog.String("result", res.String()))

	if res.Promoted {
		msg := sse.Message{Type: conversationSSEType}
		msg.AppendData(res.Conversation.String())
		if err := m.sseSrv.Publish(&msg, messageIDTopic(s.Placeholder.ID)); err != nil {
			m.logger.Error("Failed to publish conversation id", slog.String(errLoggerKey, err.Error()))
		}
	}
	if ref.IsProvisional() && !res.Promoted {
		// The provisional conversation stays, so the message can be sent again.
		m.logger.Info("New conversation was not created", slog.String("result", res.String()))
	}

	m.publishSidebar(res.Conversation.String())
}
