// Package telegram is the chat surface: a photo, an image document or an
// image link is a pick, and the "Get Image Description" button describes it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/app/executor"
	"github.com/gennino/gennino/internal/domain"
)

// FileScheme is the locator scheme for files stored on Telegram servers.
const FileScheme = "telegram-file"

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Jobs runs background jobs. The bot registers its own pick handler.
type Jobs interface {
	Submit(ctx context.Context, job executor.Job) (string, error)
	RegisterHandler(kind executor.JobKind, h executor.Handler)
}

// Config tunes the bot.
type Config struct {
	PollTimeout  int     // long polling timeout in seconds
	AllowedChats []int64 // empty = everyone
}

// Bot routes Telegram updates into the description pipeline.
type Bot struct {
	api      botAPI
	svc      *describe.Service
	sessions *describe.Sessions
	jobs     Jobs
	httpc    *http.Client
	cfg      Config
	allowed  map[int64]bool
}

// New creates a bot with a token.
func New(token string, debug bool, svc *describe.Service, sessions *describe.Sessions, jobs Jobs, cfg Config) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: %w", domain.ErrMissingAPIKey)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = debug
	log.Printf("[telegram] authorized as @%s", api.Self.UserName)
	return newBot(api, svc, sessions, jobs, cfg), nil
}

func newBot(api botAPI, svc *describe.Service, sessions *describe.Sessions, jobs Jobs, cfg Config) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	b := &Bot{
		api:      api,
		svc:      svc,
		sessions: sessions,
		jobs:     jobs,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		cfg:      cfg,
		allowed:  make(map[int64]bool, len(cfg.AllowedChats)),
	}
	for _, id := range cfg.AllowedChats {
		b.allowed[id] = true
	}
	svc.Resolver().Register(FileScheme, b.openFile)
	jobs.RegisterHandler(executor.JobPick, executor.HandlerFunc(b.handlePick))
	return b
}

// openFile streams a Telegram-hosted file named by a telegram-file locator.
func (b *Bot) openFile(ctx context.Context, locator string) (io.ReadCloser, error) {
	fileID := strings.TrimPrefix(locator, FileScheme+":")
	if fileID == "" {
		return nil, domain.ErrNoImage
	}
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram file: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// ─── Polling ────────────────────────────────────────────────────────────────

// Run long-polls for updates until ctx ends. Errors back off from 1s to 15s.
func (b *Bot) Run(ctx context.Context) error {
	offset := 0
	const (
		baseDelay = time.Second
		maxDelay  = 15 * time.Second
	)
	delay := baseDelay

	log.Printf("[telegram] polling (timeout %ds)", b.cfg.PollTimeout)
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[telegram] polling stopped")
			return nil
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = b.cfg.PollTimeout

		updates, err := b.api.GetUpdates(u)
		if err != nil {
			log.Printf("[telegram] polling error: %v; retry in %v", err, delay)
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = baseDelay

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func sessionID(chatID int64) string { return "tg:" + strconv.FormatInt(chatID, 10) }

func chatID(sessionID string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(sessionID, "tg:"), 10, 64)
}

// session returns the chat's session; its notices become chat messages.
func (b *Bot) session(chatID int64) *describe.Session {
	return b.sessions.Get(sessionID(chatID), func() domain.Notifier {
		return &chatNotifier{bot: b, chatID: chatID}
	})
}

// chatNotifier turns notices into messages. Fragments only trigger the
// typing indicator; the done notice carries the full text.
type chatNotifier struct {
	bot    *Bot
	chatID int64
}

func (n *chatNotifier) Notify(x domain.Notice) {
	switch x.Kind {
	case domain.NoticeFragment:
		n.bot.api.Request(tgbotapi.NewChatAction(n.chatID, tgbotapi.ChatTyping))
	case domain.NoticeDone:
		n.bot.send(n.chatID, resultText(x.Text))
	default:
		n.bot.send(n.chatID, x.Text)
	}
}

func (b *Bot) send(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("[telegram] send to %d: %v", chatID, err)
	}
}

// submit queues a job for the chat's session.
func (b *Bot) submit(ctx context.Context, chatID int64, kind executor.JobKind, payload string) {
	_, err := b.jobs.Submit(ctx, executor.Job{Kind: kind, SessionID: sessionID(chatID), Payload: payload})
	if errors.Is(err, executor.ErrAtCapacity) {
		b.send(chatID, textAtCapacity)
		return
	}
	if err != nil {
		log.Printf("[telegram] submit %s for %d: %v", kind, chatID, err)
		b.send(chatID, "Could not start: "+err.Error())
	}
}
