package handlers

import (
	"context"
	"strings"
	"sync"

	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/ai"
	"github.com/multi-ai-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

func (r *Router) maxLength() int {
	if r.cfg.Reply.MaxLength <= 0 || r.cfg.Reply.MaxLength > markdown.MaxMessageLength {
		return markdown.MaxMessageLength
	}
	return r.cfg.Reply.MaxLength
}

// deliver sends a model reply as one or more chunks, each rendered as HTML
// with a plain text retry when the platform rejects the markup
func (r *Router) deliver(ctx context.Context, chatID int64, reply string, log *logrus.Entry) error {
	for _, chunk := range r.chunks(reply) {
		if err := r.sendChunk(ctx, chatID, chunk, log); err != nil {
			return err
		}
	}
	return nil
}

// deliverPlain sends text chunked but without any formatting
func (r *Router) deliverPlain(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range markdown.SplitMessage(text, r.maxLength()) {
		if _, err := r.messenger.SendMessage(ctx, chatID, chunk, models.SendOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) chunks(reply string) []string {
	return markdown.SplitCodeBlocks(markdown.FormatCodeBlocks(reply), r.maxLength())
}

func (r *Router) sendChunk(ctx context.Context, chatID int64, chunk string, log *logrus.Entry) error {
	html := markdown.ToTelegramHTML(chunk)
	if html != "" && markdown.Length(html) <= markdown.MaxMessageLength {
		_, err := r.messenger.SendMessage(ctx, chatID, html, models.SendOptions{ParseMode: models.ParseModeHTML})
		if err == nil {
			return nil
		}
		log.WithError(err).Warn("Failed to send HTML message, retrying as plain text")
	}

	_, err := r.messenger.SendMessage(ctx, chatID, chunk, models.SendOptions{})
	return err
}

func (r *Router) editChunk(ctx context.Context, chatID int64, messageID int, chunk string, log *logrus.Entry) error {
	html := markdown.ToTelegramHTML(chunk)
	if html != "" && markdown.Length(html) <= markdown.MaxMessageLength {
		err := r.messenger.EditMessage(ctx, chatID, messageID, html, models.SendOptions{ParseMode: models.ParseModeHTML})
		if err == nil {
			return nil
		}
		log.WithError(err).Warn("Failed to edit HTML message, retrying as plain text")
	}
	return r.messenger.EditMessage(ctx, chatID, messageID, chunk, models.SendOptions{})
}

// streamReply posts a placeholder and keeps editing it with the partial
// reply as fragments arrive. Edits are plain text and skipped until at least
// StreamMinDelta new characters have accumulated.
func (r *Router) streamReply(
	ctx context.Context,
	chatID int64,
	lang string,
	backend ai.StreamingBackend,
	messages []models.Message,
	model string,
	log *logrus.Entry,
) (string, int, error) {
	placeholder, err := r.messenger.SendMessage(ctx, chatID, r.t(i18n.MsgProcessing, lang, nil), models.SendOptions{})
	if err != nil {
		return "", 0, err
	}

	var (
		mu       sync.Mutex
		buf      strings.Builder
		shown    string
		total    int
		shownLen int
		minStep  = r.cfg.Reply.StreamMinDelta
	)
	if minStep <= 0 {
		minStep = 1
	}

	reply, err := backend.StreamReply(ctx, messages, model, func(fragment string) {
		mu.Lock()
		defer mu.Unlock()

		buf.WriteString(fragment)
		total += markdown.Length(fragment)
		if total-shownLen < minStep {
			return
		}
		preview := markdown.SplitMessage(buf.String(), r.maxLength())
		if len(preview) == 0 || preview[0] == shown {
			return
		}
		shown, shownLen = preview[0], total
		if err := r.messenger.EditMessage(ctx, chatID, placeholder, shown, models.SendOptions{}); err != nil {
			log.WithError(err).Debug("Failed to update streaming preview")
		}
	})
	return reply, placeholder, err
}

// finishStream renders the final reply into the placeholder and sends any
// overflow as further messages
func (r *Router) finishStream(ctx context.Context, chatID int64, placeholder int, reply string, log *logrus.Entry) error {
	chunks := r.chunks(reply)
	if len(chunks) == 0 {
		return nil
	}

	if err := r.editChunk(ctx, chatID, placeholder, chunks[0], log); err != nil {
		log.WithError(err).Warn("Failed to finalize streamed message, sending instead")
		if err := r.sendChunk(ctx, chatID, chunks[0], log); err != nil {
			return err
		}
	}
	for _, chunk := range chunks[1:] {
		if err := r.sendChunk(ctx, chatID, chunk, log); err != nil {
			return err
		}
	}
	return nil
}
