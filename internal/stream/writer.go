// Package stream incrementally renders an agent turn's output into the
// messaging API as a live-edited draft message, then replits the finished
// turn into one or more final messages once the turn completes.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acpgateway/gateway/internal/markup"
)

// RateLimitError is returned by a MessagingAPI implementation when the
// messaging backend asks the caller to back off for a given duration.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("stream: rate limited, retry after %s", e.RetryAfter)
}

// MessagingAPI is the narrow surface a stream.Writer needs from whatever
// chat transport it is driving. draftMessageID is 0 on the first call for a
// given turn and the returned messageID thereafter; implementations must
// edit the existing message in place rather than sending a new one once
// draftMessageID is non-zero.
type MessagingAPI interface {
	SendOrEditDraft(ctx context.Context, chatID, topicID, draftMessageID int64, text string) (messageID int64, err error)
	SendPlainMessage(ctx context.Context, chatID, topicID int64, text string) error
	SendFormattedMessage(ctx context.Context, chatID, topicID int64, html string) error
}

type toolCallStatus struct {
	id        string
	title     string
	completed bool
	failed    bool
}

// Writer accumulates one agent turn's chunks, throttling live draft
// updates and producing a final, markup-converted send (with a tool-call
// summary line) once the turn is complete.
type Writer struct {
	api    MessagingAPI
	markup markup.Converter
	log    *slog.Logger

	chatID int64
	topicID int64

	mu             sync.Mutex
	buffer         strings.Builder
	draftMessageID int64
	lastDraftAt    time.Time
	cancelled      bool
	finalized      bool
	toolOrder      []string
	toolCalls      map[string]*toolCallStatus
}

func NewWriter(api MessagingAPI, conv markup.Converter, chatID, topicID int64, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		api:       api,
		markup:    conv,
		chatID:    chatID,
		topicID:   topicID,
		log:       log,
		toolCalls: make(map[string]*toolCallStatus),
	}
}

// WriteChunk appends agent-message text to the turn's buffer and, subject
// to DraftThrottle, pushes an updated draft to the messaging API. Draft
// failures (including rate limits) are logged and swallowed: a missed
// draft update is never fatal to the turn.
func (w *Writer) WriteChunk(ctx context.Context, text string) {
	w.mu.Lock()
	if w.cancelled || w.finalized {
		w.mu.Unlock()
		return
	}
	w.buffer.WriteString(text)
	since := time.Since(w.lastDraftAt)
	due := since >= DraftThrottle*time.Millisecond
	snapshot := w.buffer.String()
	w.mu.Unlock()

	if !due {
		return
	}
	w.pushDraft(ctx, snapshot)
}

func (w *Writer) pushDraft(ctx context.Context, buffer string) {
	windowed := SlidingWindow(buffer)

	w.mu.Lock()
	draftID := w.draftMessageID
	w.mu.Unlock()

	id, err := w.api.SendOrEditDraft(ctx, w.chatID, w.topicID, draftID, windowed)
	if err != nil {
		var rl *RateLimitError
		if ok := asRateLimit(err, &rl); ok {
			w.log.Debug("draft update rate limited, skipping this tick", "retry_after", rl.RetryAfter)
		} else {
			w.log.Warn("draft update failed", "error", err)
		}
		return
	}

	w.mu.Lock()
	w.draftMessageID = id
	w.lastDraftAt = time.Now()
	w.mu.Unlock()
}

func asRateLimit(err error, target **RateLimitError) bool {
	if rl, ok := err.(*RateLimitError); ok {
		*target = rl
		return true
	}
	return false
}

// TrackToolCall registers a tool call raised during the turn so its
// outcome is rolled into the final tool-call summary line.
func (w *Writer) TrackToolCall(id, title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.toolCalls[id]; !exists {
		w.toolOrder = append(w.toolOrder, id)
		w.toolCalls[id] = &toolCallStatus{id: id, title: title}
	} else if title != "" {
		w.toolCalls[id].title = title
	}
}

// UpdateToolCall records a tool call's terminal status.
func (w *Writer) UpdateToolCall(id string, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	status, exists := w.toolCalls[id]
	if !exists {
		status = &toolCallStatus{id: id}
		w.toolOrder = append(w.toolOrder, id)
		w.toolCalls[id] = status
	}
	status.completed = true
	status.failed = failed
}

// Cancel stops any further draft updates or final sends for this turn.
func (w *Writer) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = true
}

// Finalize sends the completed turn as one or more final messages,
// converting markdown to the messaging API's inline HTML subset and
// falling back to plain text if formatted rendering or sending fails.
// It is a no-op if the turn was cancelled, or if the buffer is blank and
// no tool call was tracked.
func (w *Writer) Finalize(ctx context.Context) error {
	w.mu.Lock()
	if w.cancelled || w.finalized {
		w.mu.Unlock()
		return nil
	}
	w.finalized = true
	body := w.buffer.String()
	summary := w.toolSummaryLocked()
	draftID := w.draftMessageID
	w.mu.Unlock()

	if strings.TrimSpace(body) == "" && summary == "" {
		return nil
	}

	if draftID != 0 {
		if _, err := w.api.SendOrEditDraft(ctx, w.chatID, w.topicID, draftID, "…"); err != nil {
			w.log.Debug("failed to clear draft before final send", "error", err)
		}
	}

	plain := body
	if summary != "" {
		plain = summary + "\n\n" + body
	}

	html, convErr := w.markup.Convert(body)
	if convErr != nil {
		w.log.Warn("markup conversion failed, falling back to plain text", "error", convErr)
		return w.sendPlainSegments(ctx, plain)
	}

	full := html
	if summary != "" {
		full = summary + "\n\n" + html
	}

	for _, segment := range SplitFormatted(full) {
		if err := w.api.SendFormattedMessage(ctx, w.chatID, w.topicID, segment); err != nil {
			w.log.Warn("formatted send failed, falling back to plain text for this turn", "error", err)
			return w.sendPlainSegments(ctx, plain)
		}
	}
	return nil
}

func (w *Writer) sendPlainSegments(ctx context.Context, full string) error {
	for _, segment := range SplitPlainText(full) {
		if err := w.api.SendPlainMessage(ctx, w.chatID, w.topicID, segment); err != nil {
			return fmt.Errorf("stream: plain send failed: %w", err)
		}
	}
	return nil
}

func (w *Writer) toolSummaryLocked() string {
	if len(w.toolOrder) == 0 {
		return ""
	}
	var titles []string
	seen := make(map[string]bool)
	for _, id := range w.toolOrder {
		status := w.toolCalls[id]
		title := status.title
		if title == "" {
			title = status.id
		}
		if status.completed && status.failed {
			title = "✗ " + title
		}
		if seen[title] {
			continue
		}
		seen[title] = true
		titles = append(titles, title)
	}
	return "🔧 " + strings.Join(titles, " → ")
}
