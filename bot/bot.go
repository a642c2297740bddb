// Package bot runs the update loop and command handlers: the /start delivery
// entry point, the admin commands, and the greeting surface.
package bot

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumabyte/sharegate/config"
	"github.com/lumabyte/sharegate/db"
	"github.com/lumabyte/sharegate/delivery"
	"github.com/lumabyte/sharegate/gate"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

// API is the platform surface the bot front-end needs.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]tgapi.Update, error)
	SendMessage(ctx context.Context, params tgapi.SendMessageParams) (*tgapi.Message, error)
	SendPhoto(ctx context.Context, params tgapi.SendPhotoParams) (*tgapi.Message, error)
	CopyMessage(ctx context.Context, params tgapi.CopyMessageParams) (int64, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
}

// Bot multiplexes inbound updates across a fixed worker pool. Each update is
// handled on one worker; concurrent requests are independent.
type Bot struct {
	API      API
	DB       *sql.DB
	Cfg      *config.Config
	Gate     *gate.Gate
	Pipeline *delivery.Pipeline

	started time.Time

	// Sleep is injectable for tests; it must honor the context.
	Sleep func(ctx context.Context, d time.Duration)
}

// New wires the bot front-end.
func New(api API, dbx *sql.DB, cfg *config.Config, g *gate.Gate, p *delivery.Pipeline) *Bot {
	return &Bot{API: api, DB: dbx, Cfg: cfg, Gate: g, Pipeline: p, started: time.Now()}
}

// Run long-polls for updates until the context is cancelled, dispatching each
// update to a worker. Poll errors back off briefly and the loop continues.
func (b *Bot) Run(ctx context.Context) {
	workers := b.Cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	updates := make(chan tgapi.Update, workers*4)
	for i := 0; i < workers; i++ {
		go b.worker(ctx, updates)
	}
	slog.Info("bot update loop starting", slog.Int("workers", workers))

	var offset int64
	for {
		select {
		case <-ctx.Done():
			close(updates)
			slog.Info("bot update loop stopped")
			return
		default:
		}
		batch, err := b.API.GetUpdates(ctx, offset, 30)
		if err == nil && b.DB != nil {
			db.Heartbeat(ctx, b.DB, "bot_poll")
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("getUpdates failed", slog.Any("err", err), slog.String("component", "bot"))
			b.sleep(ctx, 3*time.Second)
			continue
		}
		for _, u := range batch {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			select {
			case updates <- u:
			case <-ctx.Done():
			}
		}
	}
}

func (b *Bot) worker(ctx context.Context, updates <-chan tgapi.Update) {
	for u := range updates {
		uctx := telemetry.WithCorrelation(ctx, uuid.New().String())
		b.handleUpdate(uctx, u)
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u tgapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Chat.Type == "private" && u.Message.From != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) sleep(ctx context.Context, d time.Duration) {
	if b.Sleep != nil {
		b.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Uptime reports how long the bot front-end has been running.
func (b *Bot) Uptime() time.Duration { return time.Since(b.started) }
