// Package chat sends user messages to the backend and streams the assistant's reply into the client
// caches.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Backend opens the send-message stream.
type Backend interface {
	SendMessage(ctx context.Context, req models.SendRequest) iter.Seq2[models.Frame, error]
}

// Pipeline runs the send-message flow: it shows the user message and a placeholder reply at once, fills
// the placeholder as fragments arrive and gives a new conversation its backend id when the stream
// completes. Sends on one conversation never overlap.
type Pipeline struct {
	backend     Backend
	convs       *state.Conversations
	transcripts *state.Transcripts
	idleTimeout time.Duration

	// mu guards locks and active. A lock is held and an active entry exists from Begin until the
	// stream is run or aborted.
	mu     sync.Mutex
	locks  map[models.ConversationRef]*semaphore.Weighted
	active map[models.ConversationRef]context.CancelCauseFunc

	logger *slog.Logger
}

// Stream is a send that has been shown locally and waits to be run against the backend.
type Stream struct {
	p *Pipeline

	ref  models.ConversationRef
	req  models.SendRequest
	once sync.Once

	// ctx is canceled by Cancel, CancelExcept and CancelAll, even before Run is called.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// UserMessage is the message typed by the user, already in the transcript.
	UserMessage models.Message
	// Placeholder is the assistant message that receives the reply.
	Placeholder models.Message
}

// Update is reported to the observer of a stream each time the placeholder changes.
type Update struct {
	Conversation models.ConversationRef
	Message      models.Message
}

// Result describes how a stream ended.
type Result struct {
	// Conversation is the reference to use from now on. It is committed when a provisional
	// conversation was promoted.
	Conversation models.ConversationRef
	// Message is the resolved assistant message.
	Message models.Message

	Promoted      bool
	LimitExceeded bool
	Failed        bool
	Canceled      bool
}

const (
	// FailureMessage replaces the reply when the stream fails.
	FailureMessage = "메시지 처리 중 오류가 발생했습니다."
	// LimitExceededMessage is the error the backend sends when the account used up its prompts.
	LimitExceededMessage = "채팅 허용 횟수를 초과했습니다."

	previewLength = 60
	errLoggerKey  = "err"
)

var (
	// ErrEmptyMessage is returned for a message made only of white space.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInProgress is returned when the conversation is still receiving a reply.
	ErrSendInProgress = errors.New("a message is already being sent in this conversation")

	errCanceled    = errors.New("stream canceled")
	errIdleTimeout = errors.New("no frame received before the idle timeout")
)

// NewPipeline creates a pipeline writing into the given caches. A zero idleTimeout disables the
// idle timeout.
func NewPipeline(
	backend Backend,
	convs *state.Conversations,
	transcripts *state.Transcripts,
	idleTimeout time.Duration,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		backend:     backend,
		convs:       convs,
		transcripts: transcripts,
		idleTimeout: idleTimeout,
		locks:       make(map[models.ConversationRef]*semaphore.Weighted),
		active:      make(map[models.ConversationRef]context.CancelCauseFunc),
		logger:      logger.With(slog.String("module", "chat")),
	}
}

// Send shows the message and streams the reply, returning once the reply is resolved.
func (p *Pipeline) Send(
	ctx context.Context,
	ref models.ConversationRef,
	content string,
	folderID *string,
	onUpdate func(Update),
) (Result, error) {
	s, err := p.Begin(ref, content, folderID)
	if err != nil {
		return Result{}, err
	}
	return s.Run(ctx, onUpdate), nil
}

// Begin validates the message and, before any network call, appends the user message and an empty
// streaming placeholder to the transcript. A provisional conversation is added to the conversation list
// when needed. The returned stream holds the conversation's send lock, and the conversation reports
// as active, until the stream is run or aborted.
func (p *Pipeline) Begin(ref models.ConversationRef, content string, folderID *string) (*Stream, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	if !p.acquire(ref, cancel) {
		cancel(nil)
		return nil, ErrSendInProgress
	}

	now := time.Now()
	if ref.IsProvisional() {
		p.convs.EnsureProvisional(preview(content), folderID, now)
	}

	um := models.Message{
		ID:        models.UserMessagePrefix + uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	am := models.Message{
		ID:        models.LoadingMessagePrefix + uuid.NewString(),
		Role:      models.RoleAssistant,
		Streaming: true,
	}
	p.transcripts.Append(ref, um, am)

	req := models.SendRequest{
		Content:  content,
		FolderID: folderID,
	}
	if id, ok := ref.ID(); ok {
		req.ConversationID = id
	}

	return &Stream{
		p:           p,
		ref:         ref,
		req:         req,
		ctx:         ctx,
		cancel:      cancel,
		UserMessage: um,
		Placeholder: am,
	}, nil
}

// Cancel stops the stream of a conversation. It reports whether a stream was running.
func (p *Pipeline) Cancel(ref models.ConversationRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.active[ref]
	if ok {
		cancel(errCanceled)
	}
	return ok
}

// CancelExcept stops the streams of every conversation but keep, and returns how many it stopped.
func (p *Pipeline) CancelExcept(keep models.ConversationRef) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for ref, cancel := range p.active {
		if ref == keep {
			continue
		}
		cancel(errCanceled)
		n++
	}
	return n
}

// CancelAll stops every running stream.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.active {
		cancel(errCanceled)
	}
}

// Active reports whether a conversation is receiving a reply.
func (p *Pipeline) Active(ref models.ConversationRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.active[ref]
	return ok
}

// acquire takes the send lock of ref and registers the stream as active.
func (p *Pipeline) acquire(ref models.ConversationRef, cancel context.CancelCauseFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[ref]
	if !ok {
		l = semaphore.NewWeighted(1)
	}
	if !l.TryAcquire(1) {
		return false
	}
	p.locks[ref] = l
	p.active[ref] = cancel
	return true
}

// release gives the send lock back and drops the entries of ref. Nobody waits on a lock, so it is
// safe to forget it once released.
func (p *Pipeline) release(ref models.ConversationRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.locks[ref]; ok {
		l.Release(1)
		delete(p.locks, ref)
	}
	delete(p.active, ref)
}

func (s *Stream) finish() {
	s.cancel(nil)
	s.p.release(s.ref)
}

// Run streams the reply into the placeholder and resolves it. onUpdate, when not nil, is called after
// every change of the placeholder, in order, from the calling goroutine. Run must be called at most
// once; later calls return a failed result without touching the caches.
func (s *Stream) Run(ctx context.Context, onUpdate func(Update)) Result {
	res := Result{Conversation: s.ref, Failed: true}
	s.once.Do(func() {
		defer s.finish()
		res = s.run(ctx, onUpdate)
	})
	return res
}

// Abort resolves the placeholder with the failure message without contacting the backend, and
// releases the send lock.
func (s *Stream) Abort() {
	s.once.Do(func() {
		defer s.finish()
		s.resolve(FailureMessage)
	})
}

func (s *Stream) run(ctx context.Context, onUpdate func(Update)) Result {
	p := s.p
	notify := func(msg models.Message, ref models.ConversationRef) {
		if onUpdate != nil {
			onUpdate(Update{Conversation: ref, Message: msg})
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()
	if s.ctx.Err() != nil {
		cancel(context.Cause(s.ctx))
	}

	idle := p.idleTimer(cancel)
	defer idle.Stop()

	var (
		acc       strings.Builder
		identity  string
		completed bool
		errText   string
		streamErr error
	)

	for frame, err := range p.backend.SendMessage(ctx, s.req) {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		idle.Reset()

		switch frame.Kind {
		case models.FrameContent:
			acc.WriteString(frame.Content)
			if p.transcripts.SetContent(s.ref, s.Placeholder.ID, acc.String()) {
				msg, _ := p.transcripts.Message(s.ref, s.Placeholder.ID)
				notify(msg, s.ref)
			}
		case models.FrameIdentity:
			if identity != "" {
				p.logger.Debug("Ignoring repeated conversation identity",
					slog.String("first", identity),
					slog.String("repeated", frame.ConversationID))
				continue
			}
			identity = frame.ConversationID
		case models.FrameError:
			errText = frame.Error
		case models.FrameDone:
			completed = true
		}
		if errText != "" || completed {
			break
		}
	}

	res := Result{Conversation: s.ref}
	cause := context.Cause(ctx)

	switch {
	case cause != nil && !errors.Is(cause, errIdleTimeout) && !completed && errText == "":
		p.logger.Info("Stream canceled", slog.String("conversation", s.ref.String()))
		res.Canceled = true
		res.Message = s.resolve(acc.String())
	case errText == LimitExceededMessage:
		p.logger.Info("Prompt limit exceeded", slog.String("conversation", s.ref.String()))
		res.LimitExceeded = true
		res.Message = s.resolve(acc.String())
	case errText != "" || streamErr != nil || !completed:
		switch {
		case errText != "":
			p.logger.Error("Backend reported an error", slog.String(errLoggerKey, errText))
		case streamErr != nil:
			p.logger.Error("Stream failed", slog.String(errLoggerKey, streamErr.Error()))
		case cause != nil:
			p.logger.Error("Stream failed", slog.String(errLoggerKey, cause.Error()))
		default:
			p.logger.Error("Stream ended without completion")
		}
		res.Failed = true
		res.Message = s.resolve(FailureMessage)
	default:
		res.Message = s.resolve(acc.String())
		res.Conversation, res.Promoted = s.promote(identity)
		p.convs.Touch(res.Conversation, preview(acc.String()), res.Message.CreatedAt)
	}

	notify(res.Message, res.Conversation)
	return res
}

// resolve ends the placeholder with the given content.
func (s *Stream) resolve(content string) models.Message {
	resolved := models.Message{
		ID:        s.Placeholder.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.p.transcripts.Replace(s.ref, resolved)
	return resolved
}

// promote moves a provisional conversation to the id captured from the stream. It runs once per
// stream, only after a completed stream. When the provisional record is gone from the list, nothing is
// promoted and the conversation shows up with the next reload.
func (s *Stream) promote(identity string) (models.ConversationRef, bool) {
	if !s.ref.IsProvisional() {
		return s.ref, false
	}
	if identity == "" {
		s.p.logger.Warn("Stream of a new conversation completed without an identity")
		return s.ref, false
	}

	if !s.p.convs.Promote(identity) {
		s.p.logger.Warn("New conversation is no longer listed",
			slog.String("conversation", identity))
		return s.ref, false
	}
	committed := models.CommittedRef(identity)
	s.p.transcripts.Rename(s.ref, committed)

	s.p.logger.Info("Conversation created", slog.String("conversation", identity))
	return committed, true
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "…"
}

// String implements fmt.Stringer for logging.
func (r Result) String() string {
	return fmt.Sprintf("conversation=%s promoted=%t limit=%t failed=%t canceled=%t",
		r.Conversation, r.Promoted, r.LimitExceeded, r.Failed, r.Canceled)
}
