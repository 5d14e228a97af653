package handlers

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/services"
)

type conversation struct {
	ID      string
	Title   string
	Preview string

	Active      bool
	Provisional bool
	Moving      bool
}

type folder struct {
	ID          string
	Name        string
	IsDefault   bool
	Instruction string

	Conversations []conversation
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type sidebarData struct {
	Folders []folder
	Unfiled []conversation
}

type promptCounter struct {
	Remaining    int
	LimitReached bool
	CouponCode   string
	Error        string
}

type homePageData struct {
	SignedIn bool
	User     models.User
	Prompts  promptCounter

	Sidebar               sidebarData
	CurrentConversationID string
	CurrentFolderID       string
	Messages              []message

	Error string
}

// HandleHome renders the home page. Signed out, it shows the login form. Signed in, it refreshes the
// caches from the backend and shows the sidebar, the prompt allowance and, with a conversation_id query
// parameter, the transcript of that conversation. Replies streaming into any other conversation are
// stopped. Opening the provisional conversation starts a fresh one unless a reply is still streaming
// into it.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !m.account.LoggedIn(r.Context()) {
		m.renderPage(w, homePageData{})
		return
	}

	user, err := m.account.User(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			m.renderPage(w, homePageData{Error: "Your session has expired, please sign in again."})
			return
		}
		m.logger.Error("Failed to get user", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	data := homePageData{
		SignedIn: true,
		User:     user,
		Prompts:  newPromptCounter(user),
	}

	if err := m.folders.Reload(r.Context()); err != nil {
		// The cached sidebar is still worth showing.
		m.logger.Warn("Failed to reload folders", slog.String(errLoggerKey, err.Error()))
		data.Error = "Could not refresh your conversations."
	}

	convID := r.URL.Query().Get("conversation_id")
	ref := models.ParseConversationRef(convID)

	// Leaving a conversation stops its reply. Without a conversation_id the page sends into a new chat.
	if n := m.pipeline.CancelExcept(ref); n > 0 {
		m.logger.Info("Stopped replies of conversations left", slog.Int("count", n))
	}

	if convID != "" {
		data.CurrentConversationID = ref.String()

		// Opening a new chat starts over, unless a reply is still streaming into it.
		if ref.IsProvisional() && !m.pipeline.Active(ref) {
			m.convs.DropProvisional()
			m.transcripts.Forget(ref)
		}

		msgs := m.transcripts.Messages(ref)
		if id, ok := ref.ID(); ok {
			msgs, err = m.transcripts.Load(r.Context(), id)
			if err != nil {
				m.logger.Error("Failed to load conversation",
					slog.String("conversationID", id),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
		}
		if conv, ok := m.convs.Get(ref); ok && conv.FolderID != nil {
			data.CurrentFolderID = *conv.FolderID
		}

		data.Messages, err = renderMessages(msgs)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if folderID := r.URL.Query().Get("folder_id"); folderID != "" {
		data.CurrentFolderID = folderID
	}

	data.Sidebar = m.sidebar(data.CurrentConversationID)
	m.renderPage(w, data)
}

// HandleLogin exchanges the login code for a session and loads the caches.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := strings.TrimSpace(r.FormValue("code"))
	if code == "" {
		m.logger.Error("Login code is required")
		http.Error(w, "Login code is required", http.StatusBadRequest)
		return
	}

	if err := m.account.Login(r.Context(), code); err != nil {
		m.logger.Warn("Login failed", slog.String(errLoggerKey, err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
		m.renderPage(w, homePageData{Error: "Login failed, please check your code."})
		return
	}

	if err := m.folders.Reload(r.Context()); err != nil {
		m.logger.Warn("Failed to load folders after login", slog.String(errLoggerKey, err.Error()))
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleLogout stops every reply, ends the session and empties the caches.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.pipeline.CancelAll()
	if err := m.account.Logout(r.Context()); err != nil {
		m.logger.Warn("Logout request failed", slog.String(errLoggerKey, err.Error()))
	}
	m.folders.Clear()
	m.transcripts.Clear()

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleCoupon redeems a coupon code and renders the updated prompt counter.
func (m Main) HandleCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := strings.TrimSpace(r.FormValue("coupon_code"))
	if code == "" {
		m.logger.Error("Coupon code is required")
		http.Error(w, "Coupon code is required", http.StatusBadRequest)
		return
	}

	user, err := m.account.User(r.Context())
	if err != nil {
		m.logger.Error("Failed to get user", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	status := http.StatusOK
	counter := newPromptCounter(user)

	coupon, err := m.account.ApplyCoupon(r.Context(), code)
	if err != nil {
		m.logger.Warn("Coupon refused",
			slog.String("coupon", code),
			slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadRequest
		counter.Error = couponError(err)
	} else {
		counter = newPromptCounter(user.Apply(coupon))
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "prompt_counter", counter); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(sb.String()))
}

func (m Main) renderPage(w http.ResponseWriter, data homePageData) {
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) sidebar(activeID string) sidebarData {
	view := func(convs []models.Conversation) []conversation {
		res := make([]conversation, len(convs))
		for i, c := range convs {
			id := c.Ref.String()
			res[i] = conversation{
				ID:          id,
				Title:       c.Title,
				Preview:     c.Preview,
				Active:      id == activeID,
				Provisional: c.Ref.IsProvisional(),
				Moving:      !c.Ref.IsProvisional() && m.mover.Reconciling(id),
			}
		}
		return res
	}

	folders := m.folders.List()
	data := sidebarData{
		Folders: make([]folder, len(folders)),
		Unfiled: view(m.folders.Unfiled()),
	}
	for i, f := range folders {
		data.Folders[i] = folder{
			ID:            f.ID,
			Name:          f.Name,
			IsDefault:     f.IsDefault,
			Instruction:   f.Instruction,
			Conversations: view(f.Conversations),
		}
	}
	return data
}

func newPromptCounter(user models.User) promptCounter {
	return promptCounter{
		Remaining:    user.RemainingPrompts(),
		LimitReached: user.LimitReached(),
		CouponCode:   user.CouponCode,
	}
}

func couponError(err error) string {
	var apiErr *services.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "The coupon could not be applied."
}

func renderMessages(msgs []models.Message) ([]message, error) {
	res := make([]message, len(msgs))
	for i, msg := range msgs {
		rm, err := renderMessage(msg)
		if err != nil {
			return nil, err
		}
		res[i] = rm
	}
	return res, nil
}

func renderMessage(msg models.Message) (message, error) {
	content, err := models.RenderMessage(msg)
	if err != nil {
		return message{}, err
	}

	state := "ended"
	if msg.Streaming {
		state = "loading"
		if msg.Content != "" {
			state = "streaming"
		}
	}
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.CreatedAt,
		StreamingState: state,
	}, nil
}
