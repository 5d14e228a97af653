package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	"github.com/tmaxmax/go-sse"
)

type streamFrame struct {
	Content        *string `json:"content"`
	ConversationID string  `json:"conversation_id"`
	Error          string  `json:"error"`
}

const doneSentinel = "[DONE]"

// SendMessage posts a user message and streams back the reply. Frames are yielded in the order they
// arrive; the last yielded frame is always of kind FrameDone unless an error is yielded first. The
// stream is released as soon as the consumer stops iterating or the context is done.
func (a API) SendMessage(ctx context.Context, req models.SendRequest) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		resp, err := a.do(ctx, a.streamClient, http.MethodPost, sendMessagePath, req, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Frame{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Frame{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			a.logger.Debug("Received event", slog.String("event", ev.Data))

			frames, err := parseFrames(ev.Data)
			if err != nil {
				a.logger.Warn("Skipping malformed frame",
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
				if f.Kind == models.FrameDone {
					return
				}
			}
		}

		// The body ended without the sentinel; the backend closed the stream normally.
		yield(models.Frame{Kind: models.FrameDone}, nil)
	}
}

// parseFrames decodes the data of one event. An event may carry both the conversation identity and a
// first fragment, in which case the identity frame comes first. Events with no known field yield no
// frame.
func parseFrames(data string) ([]models.Frame, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if data == doneSentinel {
		return []models.Frame{{Kind: models.FrameDone}}, nil
	}

	var sf streamFrame
	if err := json.Unmarshal([]byte(data), &sf); err != nil {
		return nil, fmt.Errorf("error unmarshaling frame: %w", err)
	}

	if sf.Error != "" {
		return []models.Frame{{Kind: models.FrameError, Error: sf.Error}}, nil
	}

	var frames []models.Frame
	if sf.ConversationID != "" {
		frames = append(frames, models.Frame{Kind: models.FrameIdentity, ConversationID: sf.ConversationID})
	}
	if sf.Content != nil && *sf.Content != "" {
		frames = append(frames, models.Frame{Kind: models.FrameContent, Content: *sf.Content})
	}
	return frames, nil
}
