package telegram

import (
	"context"
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mvdan/xurls"

	"github.com/gennino/gennino/internal/app/executor"
)

// HandleUpdate routes one update.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		b.handleCallback(ctx, *upd.CallbackQuery)
		return
	}
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	cid := msg.Chat.ID
	if !b.allowedChat(cid) {
		log.Printf("[telegram] ignoring chat %d", cid)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if locator := pickLocator(msg); locator != "" {
		b.submit(ctx, cid, executor.JobPick, locator)
		return
	}
	if msg.Text != "" {
		b.send(cid, textHelp)
	}
}

func (b *Bot) allowedChat(id int64) bool {
	return len(b.allowed) == 0 || b.allowed[id]
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		b.send(cid, textHelp)
	case "describe":
		if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
			if locator := firstURL(args); locator != "" {
				b.session(cid).Select(locator)
			}
		}
		b.describe(ctx, cid)
	case "status":
		st, err := b.svc.Status(ctx)
		if err != nil {
			b.send(cid, "Could not check the feature: "+err.Error())
			return
		}
		b.send(cid, "Feature status: "+st.String())
	case "download":
		b.send(cid, textDownloading)
		b.submit(ctx, cid, executor.JobDownload, "")
	default:
		b.send(cid, textUnknownCommand)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb tgbotapi.CallbackQuery) {
	b.api.Request(tgbotapi.NewCallback(cb.ID, "")) // ack
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	cid := cb.Message.Chat.ID
	if !b.allowedChat(cid) {
		return
	}
	if cb.Data == callbackDescribe {
		b.describe(ctx, cid)
	}
}

// handlePick runs a pick job: it loads the locator in job.Payload, makes
// it the chat's selection and offers the describe button. An unreadable
// image leaves the previous pick in place.
func (b *Bot) handlePick(ctx context.Context, job executor.Job) error {
	cid, err := chatID(job.SessionID)
	if err != nil {
		return fmt.Errorf("pick for session %q: %w", job.SessionID, err)
	}
	locator := job.Payload
	img, err := b.svc.Load(ctx, locator)
	if err != nil {
		log.Printf("[telegram] chat %d: pick %s: %v", cid, locator, err)
		b.send(cid, textUnreadable)
		return nil
	}
	b.session(cid).Select(locator)

	msg := tgbotapi.NewMessage(cid, fmt.Sprintf("Image selected (%s, %d×%d).", img.Format, img.Width, img.Height))
	msg.ReplyMarkup = describeKeyboard()
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("[telegram] send to %d: %v", cid, err)
	}
	return nil
}

// describe queues a description of the chat's current pick.
func (b *Bot) describe(ctx context.Context, cid int64) {
	sess := b.session(cid)
	if _, ok := sess.Selected(); !ok {
		b.send(cid, textNoImage)
		return
	}
	b.submit(ctx, cid, executor.JobDescribe, "")
}

// pickLocator extracts an image locator from a message: the largest photo
// size, an image document, or the first link in the text.
func pickLocator(msg *tgbotapi.Message) string {
	if n := len(msg.Photo); n > 0 {
		return FileScheme + ":" + msg.Photo[n-1].FileID
	}
	if d := msg.Document; d != nil && strings.HasPrefix(d.MimeType, "image/") {
		return FileScheme + ":" + d.FileID
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return firstURL(text)
}

// firstURL returns the first link in s, with https assumed when the scheme
// is missing.
func firstURL(s string) string {
	for _, u := range xurls.Relaxed.FindAllString(s, -1) {
		lower := strings.ToLower(u)
		switch {
		case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
			return u
		case !strings.Contains(u, "://") && !strings.Contains(u, "@"):
			return "https://" + u
		}
	}
	return ""
}
