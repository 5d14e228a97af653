package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chatwebclient "github.com/MegaGrindStone/chat-web-client"
	"github.com/MegaGrindStone/chat-web-client/internal/chat"
	"github.com/MegaGrindStone/chat-web-client/internal/dnd"
	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
	"github.com/tmaxmax/go-sse"
)

// Account is the session part of the backend API: signing in and out, and the prompt allowance of the
// signed-in user.
type Account interface {
	Login(ctx context.Context, code string) error
	Logout(ctx context.Context) error
	LoggedIn(ctx context.Context) bool
	User(ctx context.Context) (models.User, error)
	ApplyCoupon(ctx context.Context, code string) (models.Coupon, error)
}

// Main serves the browser: full pages and HTML fragments rendered from the client caches, and a
// server-sent events stream that pushes reply fragments and sidebar changes as they happen.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	account     Account
	pipeline    *chat.Pipeline
	convs       *state.Conversations
	folders     *state.Folders
	transcripts *state.Transcripts
	mover       *dnd.Mover

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	conversationSSEType = sse.Type("conversation")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewMain creates the browser handlers on top of the client caches. Templates are parsed from the
// embedded filesystem; browsers subscribe to the chats topic and, with a message_id query parameter, to
// the fragments of one streaming reply.
func NewMain(
	account Account,
	pipeline *chat.Pipeline,
	convs *state.Conversations,
	folders *state.Folders,
	transcripts *state.Transcripts,
	mover *dnd.Mover,
	logger *slog.Logger,
) (Main, error) {
	tmpl, err := template.ParseFS(
		chatwebclient.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:   tmpl,
		account:     account,
		pipeline:    pipeline,
		convs:       convs,
		folders:     folders,
		transcripts: transcripts,
		mover:       mover,
		logger:      logger.With(slog.String("module", "main")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE subscribes the browser to server-sent events.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown stops every streaming reply, then terminates the SSE server. Connected browsers receive a
// close event and are given up to 5 seconds to disconnect.
func (m Main) Shutdown(ctx context.Context) error {
	m.pipeline.CancelAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	// Shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// publishSidebar pushes the rendered sidebar to every browser.
func (m Main) publishSidebar(activeID string) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "sidebar", m.sidebar(activeID)); err != nil {
		m.logger.Error("Failed to render sidebar", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

// renderSidebar answers a sidebar mutation with the current sidebar. The status is kept so a refused
// change still shows the reloaded state.
func (m Main) renderSidebar(w http.ResponseWriter, activeID string, status int) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "sidebar", m.sidebar(activeID)); err != nil {
		m.logger.Error("Failed to render sidebar", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(sb.String()))
}
