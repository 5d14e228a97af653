package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
)

// TokenStore keeps the access and CSRF tokens between runs, the way a browser keeps them in local
// storage.
type TokenStore interface {
	Tokens(ctx context.Context) (models.Tokens, error)
	SaveTokens(ctx context.Context, tokens models.Tokens) error
	ClearTokens(ctx context.Context) error
}

// API is the client of the chat backend. It attaches the stored access token to every authenticated
// request and refreshes it when it is about to expire or when the backend rejects it.
type API struct {
	baseURL string
	tokens  TokenStore

	client       *http.Client
	streamClient *http.Client

	refreshMu *sync.Mutex

	logger *slog.Logger
}

// APIError is returned for every non-2xx response of the backend.
type APIError struct {
	StatusCode int
	Message    string
}

// ErrUnauthorized is returned when no valid session exists and none could be refreshed.
var ErrUnauthorized = errors.New("unauthorized")

const (
	csrfHeader = "X-CSRF-Token"

	// refreshLeeway is how long before its expiry an access token is refreshed.
	refreshLeeway = 30 * time.Second

	sendMessagePath = "/chat/stream"

	errLoggerKey = "err"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	CSRFToken   string `json:"csrf_token"`
}

type errorResponse struct {
	Detail  any    `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewAPI creates a backend client for the given base URL. The timeout applies to regular requests only,
// streamed responses are bounded by the caller's context.
func NewAPI(baseURL string, tokens TokenStore, timeout time.Duration, logger *slog.Logger) (API, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return API{}, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return API{}, fmt.Errorf("invalid backend url %q: scheme and host are required", baseURL)
	}

	// The refresh token lives in a cookie set by the login response.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return API{}, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return API{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokens:       tokens,
		client:       &http.Client{Timeout: timeout, Jar: jar},
		streamClient: &http.Client{Jar: jar},
		refreshMu:    &sync.Mutex{},
		logger:       logger.With(slog.String("module", "api")),
	}, nil
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Message)
}

// Login exchanges a login code for a session. Local tokens are cleared when the login fails.
func (a API) Login(ctx context.Context, code string) error {
	var res tokenResponse
	err := a.doJSON(ctx, http.MethodPost, "/auth/login", map[string]string{"code": code}, &res, false)
	if err == nil && res.AccessToken == "" {
		err = errors.New("login response carries no access token")
	}
	if err != nil {
		if cErr := a.tokens.ClearTokens(ctx); cErr != nil {
			a.logger.Warn("Failed to clear tokens", slog.String(errLoggerKey, cErr.Error()))
		}
		return fmt.Errorf("failed to login: %w", err)
	}

	return a.tokens.SaveTokens(ctx, models.Tokens{
		AccessToken: res.AccessToken,
		CSRFToken:   res.CSRFToken,
	})
}

// Logout ends the session. The backend call is best effort: local tokens are cleared whatever the
// backend answers, and only a failure to clear them is returned.
func (a API) Logout(ctx context.Context) error {
	tokens, err := a.tokens.Tokens(ctx)
	if err == nil && !tokens.Empty() {
		req, rErr := a.newRequest(ctx, http.MethodPost, "/auth/logout", nil, tokens)
		if rErr == nil {
			resp, dErr := a.client.Do(req)
			if dErr != nil {
				a.logger.Warn("Logout request failed", slog.String(errLoggerKey, dErr.Error()))
			} else {
				resp.Body.Close()
			}
		}
	}

	if err := a.tokens.ClearTokens(ctx); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

// LoggedIn reports whether an access token is held. It does not contact the backend.
func (a API) LoggedIn(ctx context.Context) bool {
	tokens, err := a.tokens.Tokens(ctx)
	if err != nil {
		a.logger.Error("Failed to read tokens", slog.String(errLoggerKey, err.Error()))
		return false
	}
	return !tokens.Empty()
}

// RefreshToken obtains a new access token using the CSRF token and the refresh cookie.
func (a API) RefreshToken(ctx context.Context) (models.Tokens, error) {
	tokens, err := a.tokens.Tokens(ctx)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("failed to read tokens: %w", err)
	}
	return a.refresh(ctx, tokens.AccessToken)
}

// User returns the signed-in account, including its prompt usage.
func (a API) User(ctx context.Context) (models.User, error) {
	var user models.User
	if err := a.doJSON(ctx, http.MethodGet, "/auth/user", nil, &user, true); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Folders lists the folders of the account.
func (a API) Folders(ctx context.Context) ([]models.Folder, error) {
	var folders []models.Folder
	if err := a.doJSON(ctx, http.MethodGet, "/folders", nil, &folders, true); err != nil {
		return nil, err
	}
	return folders, nil
}

// CreateFolder creates a folder and returns it as stored by the backend.
func (a API) CreateFolder(ctx context.Context, in models.FolderInput) (models.Folder, error) {
	var folder models.Folder
	if err := a.doJSON(ctx, http.MethodPost, "/folders", in, &folder, true); err != nil {
		return models.Folder{}, err
	}
	return folder, nil
}

// UpdateFolder renames a folder or changes its instruction.
func (a API) UpdateFolder(ctx context.Context, id string, in models.FolderInput) (models.Folder, error) {
	var folder models.Folder
	if err := a.doJSON(ctx, http.MethodPut, "/folders/"+url.PathEscape(id), in, &folder, true); err != nil {
		return models.Folder{}, err
	}
	return folder, nil
}

// DeleteFolder deletes a folder. The backend refuses to delete default folders.
func (a API) DeleteFolder(ctx context.Context, id string) error {
	return a.doJSON(ctx, http.MethodDelete, "/folders/"+url.PathEscape(id), nil, nil, true)
}

// Conversations lists the conversations of the account, most recent first.
func (a API) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := a.doJSON(ctx, http.MethodGet, "/conversations", nil, &convs, true); err != nil {
		return nil, err
	}
	return convs, nil
}

// Conversation returns a conversation together with its messages.
func (a API) Conversation(ctx context.Context, id string) (models.ConversationDetail, error) {
	var detail models.ConversationDetail
	err := a.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &detail, true)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	return detail, nil
}

// UpdateConversation changes the title or the folder of a conversation.
func (a API) UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error {
	return a.doJSON(ctx, http.MethodPut, "/conversations/"+url.PathEscape(id), update, nil, true)
}

// AssignFolder moves a conversation into a folder, or out of any folder when folderID is nil.
func (a API) AssignFolder(ctx context.Context, conversationID string, folderID *string) error {
	return a.UpdateConversation(ctx, conversationID, models.ConversationUpdate{
		FolderID: folderID,
		Move:     true,
	})
}

// DeleteConversation deletes a conversation.
func (a API) DeleteConversation(ctx context.Context, id string) error {
	return a.doJSON(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, true)
}

// ApplyCoupon redeems a coupon code and returns the resulting prompt limits.
func (a API) ApplyCoupon(ctx context.Context, code string) (models.Coupon, error) {
	var coupon models.Coupon
	err := a.doJSON(ctx, http.MethodPost, "/codes/coupon", map[string]string{"coupon_code": code}, &coupon, true)
	if err != nil {
		return models.Coupon{}, err
	}
	return coupon, nil
}

func (a API) doJSON(ctx context.Context, method, path string, in, out any, auth bool) error {
	resp, err := a.do(ctx, a.client, method, path, in, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// do sends a request and returns the response when its status is 2xx. Authenticated requests are retried
// once with a refreshed token when the backend answers 401.
func (a API) do(
	ctx context.Context,
	client *http.Client,
	method, path string,
	in any,
	auth bool,
) (*http.Response, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
	}

	var tokens models.Tokens
	if auth {
		var err error
		tokens, err = a.accessToken(ctx)
		if err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := a.newRequest(ctx, method, path, body, tokens)
		if err != nil {
			return nil, err
		}

		a.logger.Debug("Request", slog.String("method", method), slog.String("path", path))

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		apiErr := newAPIError(resp)
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized || !auth {
			return nil, apiErr
		}
		if attempt > 0 {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
		}

		tokens, err = a.refresh(ctx, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
	}
}

func (a API) newRequest(ctx context.Context, method, path string, body []byte, tokens models.Tokens) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tokens.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	}
	return req, nil
}

// accessToken returns the stored tokens, refreshed first when the access token is about to expire.
func (a API) accessToken(ctx context.Context) (models.Tokens, error) {
	tokens, err := a.tokens.Tokens(ctx)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("failed to read tokens: %w", err)
	}
	if tokens.Empty() {
		return models.Tokens{}, ErrUnauthorized
	}

	exp, ok := tokenExpiry(tokens.AccessToken)
	if !ok || time.Until(exp) > refreshLeeway {
		return tokens, nil
	}

	a.logger.Debug("Access token expires soon, refreshing", slog.Time("expiresAt", exp))
	return a.refresh(ctx, tokens.AccessToken)
}

// refresh replaces the stale access token. Concurrent callers holding the same stale token share a
// single refresh call. The stored tokens are cleared when the refresh is rejected.
func (a API) refresh(ctx context.Context, stale string) (models.Tokens, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	current, err := a.tokens.Tokens(ctx)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("failed to read tokens: %w", err)
	}
	if !current.Empty() && current.AccessToken != stale {
		return current, nil
	}

	body, err := json.Marshal(map[string]string{"csrf_token": current.CSRFToken})
	if err != nil {
		return models.Tokens{}, fmt.Errorf("error marshaling request: %w", err)
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/refresh-token", body, models.Tokens{})
	if err != nil {
		return models.Tokens{}, err
	}
	if current.CSRFToken != "" {
		req.Header.Set(csrfHeader, current.CSRFToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("error refreshing token: %w", err)
	}
	defer resp.Body.Close()

	var res tokenResponse
	if resp.StatusCode != http.StatusOK {
		err = newAPIError(resp)
	} else if dErr := json.NewDecoder(resp.Body).Decode(&res); dErr != nil {
		err = fmt.Errorf("error decoding response: %w", dErr)
	} else if res.AccessToken == "" {
		err = errors.New("refresh response carries no access token")
	}
	if err != nil {
		a.logger.Warn("Token refresh failed, clearing session", slog.String(errLoggerKey, err.Error()))
		if cErr := a.tokens.ClearTokens(ctx); cErr != nil {
			a.logger.Error("Failed to clear tokens", slog.String(errLoggerKey, cErr.Error()))
		}
		return models.Tokens{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	tokens := models.Tokens{
		AccessToken: res.AccessToken,
		CSRFToken:   res.CSRFToken,
	}
	if tokens.CSRFToken == "" {
		tokens.CSRFToken = current.CSRFToken
	}
	if err := a.tokens.SaveTokens(ctx, tokens); err != nil {
		return models.Tokens{}, fmt.Errorf("failed to save tokens: %w", err)
	}
	return tokens, nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var res errorResponse
	if err := json.Unmarshal(body, &res); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	switch {
	case res.Message != "":
		apiErr.Message = res.Message
	case res.Error != "":
		apiErr.Message = res.Error
	case res.Detail != nil:
		if s, ok := res.Detail.(string); ok {
			apiErr.Message = s
		} else {
			apiErr.Message = fmt.Sprintf("%v", res.Detail)
		}
	}
	return apiErr
}
