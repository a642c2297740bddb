package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumabyte/sharegate/db"
	"github.com/lumabyte/sharegate/delivery"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
	"github.com/lumabyte/sharegate/token"
)

// archiveLinkPattern matches t.me message links, public or private form.
var archiveLinkPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^https://t\.me/(?:c/)?([^/]+)/(\d+)$`)
})

func (b *Bot) handleMessage(ctx context.Context, msg *tgapi.Message) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.Int64("user", msg.From.ID), slog.String("component", "bot"))

	fields := strings.Fields(msg.Text)
	cmd := ""
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		cmd = strings.SplitN(fields[0], "@", 2)[0]
	}

	switch cmd {
	case "/start":
		b.handleStart(ctx, msg, fields)
	case "/users":
		b.requireAdmin(ctx, msg, func() { b.handleUsers(ctx, msg) })
	case "/broadcast":
		b.requireAdmin(ctx, msg, func() { b.handleBroadcast(ctx, msg) })
	case "/setfsub":
		b.requireAdmin(ctx, msg, func() { b.handleSetFsub(ctx, msg, fields) })
	case "/getfsub":
		b.requireAdmin(ctx, msg, func() { b.handleGetFsub(ctx, msg) })
	case "/stats":
		b.requireAdmin(ctx, msg, func() { b.handleStats(ctx, msg) })
	case "/genlink":
		b.requireAdmin(ctx, msg, func() { b.handleGenLink(ctx, msg, fields) })
	case "/batch":
		b.requireAdmin(ctx, msg, func() { b.handleBatch(ctx, msg, fields) })
	default:
		// Admins can mint a share link by forwarding an archive post.
		if b.Cfg.IsAdmin(msg.From.ID) {
			if id := b.archiveMessageID(msg); id != 0 {
				b.replyShareLink(ctx, msg.Chat.ID, token.Single(id))
				return
			}
		}
		if _, err := b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: b.Cfg.UserReplyText}); err != nil {
			logger.Debug("could not send canned reply", slog.Any("err", err))
		}
	}
}

func (b *Bot) requireAdmin(ctx context.Context, msg *tgapi.Message, fn func()) {
	if !b.Cfg.IsAdmin(msg.From.ID) {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: b.Cfg.UserReplyText})
		return
	}
	fn()
}

// handleStart registers the user and either greets or runs a token delivery.
func (b *Bot) handleStart(ctx context.Context, msg *tgapi.Message, fields []string) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.Int64("user", msg.From.ID), slog.String("component", "bot"))

	known, err := db.PresentUser(ctx, b.DB, msg.From.ID)
	if err != nil {
		logger.Warn("registry lookup failed", slog.Any("err", err))
	}
	if err == nil && !known {
		if err := db.AddUser(ctx, b.DB, msg.From.ID); err != nil {
			logger.Warn("could not register user", slog.Any("err", err))
		}
	}

	if len(fields) < 2 {
		b.greet(ctx, msg)
		return
	}
	b.deliver(ctx, msg.From.ID, fields[1])
}

// deliver runs the pipeline and presents the outcome.
func (b *Bot) deliver(ctx context.Context, userID int64, tok string) {
	outcome := b.Pipeline.Deliver(ctx, userID, tok)
	switch outcome.Kind {
	case delivery.OutcomeGated:
		b.sendGatePrompt(ctx, userID, outcome.Token)
	case delivery.OutcomeDecodeFailed, delivery.OutcomeFetchFailed:
		// Generic text; internal detail stays in the logs.
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: userID, Text: "Something went wrong with that link. Ask for a fresh one."})
	case delivery.OutcomeDeliveredEmpty:
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: userID, Text: "That link points at nothing I can share anymore."})
	case delivery.OutcomeDelivered:
		// Content speaks for itself.
	}
}

// sendGatePrompt asks the requester to join the gating channel and offers a
// replay button carrying the original token.
func (b *Bot) sendGatePrompt(ctx context.Context, userID int64, tok string) {
	var rows [][]tgapi.InlineKeyboardButton
	if link := b.Gate.InviteLink(ctx); link != "" {
		rows = append(rows, []tgapi.InlineKeyboardButton{{Text: "Join Channel", URL: link}})
	}
	if tok != "" && b.Cfg.BotUsername != "" {
		rows = append(rows, []tgapi.InlineKeyboardButton{{Text: "Try Again", URL: b.deepLink(tok)}})
	}
	params := tgapi.SendMessageParams{ChatID: userID, Text: b.Cfg.ForceSubMsg}
	if len(rows) > 0 {
		params.ReplyMarkup = &tgapi.InlineKeyboardMarkup{InlineKeyboard: rows}
	}
	if _, err := b.API.SendMessage(ctx, params); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("could not send gate prompt", slog.Any("err", err), slog.String("component", "bot"))
	}
}

func (b *Bot) greet(ctx context.Context, msg *tgapi.Message) {
	text := strings.NewReplacer(
		"{first}", msg.From.FirstName,
		"{last}", msg.From.LastName,
		"{username}", msg.From.Username,
		"{id}", strconv.FormatInt(msg.From.ID, 10),
	).Replace(b.Cfg.StartMsg)
	markup := &tgapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgapi.InlineKeyboardButton{{
		{Text: "About", CallbackData: "about"},
		{Text: "Close", CallbackData: "close"},
	}}}
	var err error
	if b.Cfg.StartPic != "" {
		_, err = b.API.SendPhoto(ctx, tgapi.SendPhotoParams{ChatID: msg.Chat.ID, Photo: b.Cfg.StartPic, Caption: text, ReplyMarkup: markup})
	} else {
		_, err = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: text, ReplyMarkup: markup})
	}
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("could not send greeting", slog.Any("err", err), slog.String("component", "bot"))
	}
}

func (b *Bot) handleUsers(ctx context.Context, msg *tgapi.Message) {
	n, err := db.CountUsers(ctx, b.DB)
	if err != nil {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Could not read the user registry."})
		return
	}
	telemetry.SetUserbase(n)
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: fmt.Sprintf("%d users are using this bot.", n)})
}

// handleBroadcast copies the replied-to message to the whole userbase,
// pruning accounts the platform reports as gone.
func (b *Bot) handleBroadcast(ctx context.Context, msg *tgapi.Message) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "broadcast"))
	if msg.ReplyTo == nil {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Reply to a message to broadcast it."})
		return
	}
	users, err := db.FullUserbase(ctx, b.DB)
	if err != nil {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Could not read the user registry."})
		return
	}
	progress, _ := b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Broadcasting..."})

	var successful, removed, failed int
	for _, userID := range users {
		err := b.broadcastOnce(ctx, userID, msg)
		switch {
		case err == nil:
			successful++
			telemetry.BroadcastsSent.Inc()
		case isGoneUser(err):
			if derr := db.DelUser(ctx, b.DB, userID); derr != nil {
				logger.Warn("could not prune user", slog.Int64("user", userID), slog.Any("err", derr))
			}
			removed++
		default:
			failed++
			logger.Warn("broadcast copy failed", slog.Int64("user", userID), slog.Any("err", err))
		}
	}

	tally := fmt.Sprintf("Broadcast completed: %d successful, %d removed, %d failed.", successful, removed, failed)
	if progress != nil {
		if err := b.API.EditMessageText(ctx, msg.Chat.ID, progress.MessageID, tally); err == nil {
			return
		}
	}
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: tally})
}

// broadcastOnce copies the replied-to message to one user with one bounded
// throttle retry.
func (b *Bot) broadcastOnce(ctx context.Context, userID int64, msg *tgapi.Message) error {
	params := tgapi.CopyMessageParams{ChatID: userID, FromChatID: msg.Chat.ID, MessageID: msg.ReplyTo.MessageID}
	_, err := b.API.CopyMessage(ctx, params)
	var ra *tgapi.RetryAfterError
	if errors.As(err, &ra) {
		telemetry.ThrottleWaits.Inc()
		b.sleep(ctx, time.Duration(ra.Seconds)*time.Second)
		_, err = b.API.CopyMessage(ctx, params)
	}
	return err
}

// isGoneUser reports platform errors that mean the account can no longer be
// reached and should leave the registry.
func isGoneUser(err error) bool {
	var apiErr *tgapi.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	return strings.Contains(desc, "blocked") || strings.Contains(desc, "deactivated")
}

func (b *Bot) handleSetFsub(ctx context.Context, msg *tgapi.Message, fields []string) {
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "-100") {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Usage: /setfsub -100XXXXXXXXX"})
		return
	}
	channelID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "That is not a valid channel id."})
		return
	}
	if err := b.Gate.SetChannel(ctx, channelID); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("could not set gating channel", slog.Any("err", err), slog.String("component", "bot"))
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Could not persist the gating channel."})
		return
	}
	reply := fmt.Sprintf("Force subscription channel set to %d.", channelID)
	if link := b.Gate.InviteLink(ctx); link != "" {
		reply += "\nInvite link: " + link
	}
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: reply})
}

func (b *Bot) handleGetFsub(ctx context.Context, msg *tgapi.Message) {
	channel := b.Gate.Channel(ctx)
	if channel == 0 {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "No force sub channel has been set."})
		return
	}
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: fmt.Sprintf("Current force sub channel: %d", channel)})
}

func (b *Bot) handleStats(ctx context.Context, msg *tgapi.Message) {
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   "Bot uptime: " + readableDuration(b.Uptime()),
	})
}

// handleGenLink mints a share link for one archive message given as a t.me
// link argument or by replying to a forwarded archive post.
func (b *Bot) handleGenLink(ctx context.Context, msg *tgapi.Message, fields []string) {
	var id int64
	if len(fields) == 2 {
		id = b.archiveIDFromLink(fields[1])
	} else if msg.ReplyTo != nil {
		id = b.archiveMessageID(msg.ReplyTo)
	}
	if id == 0 {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Give me an archive post link, or reply to a post forwarded from the archive."})
		return
	}
	b.replyShareLink(ctx, msg.Chat.ID, token.Single(id))
}

// handleBatch mints a share link covering an inclusive range given as two
// archive post links. Order of the links sets the delivery order.
func (b *Bot) handleBatch(ctx context.Context, msg *tgapi.Message, fields []string) {
	if len(fields) != 3 {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Usage: /batch <first post link> <last post link>"})
		return
	}
	first := b.archiveIDFromLink(fields[1])
	last := b.archiveIDFromLink(fields[2])
	if first == 0 || last == 0 {
		_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: msg.Chat.ID, Text: "Both arguments must be archive post links."})
		return
	}
	b.replyShareLink(ctx, msg.Chat.ID, token.Range(first, last))
}

func (b *Bot) replyShareLink(ctx context.Context, chatID int64, ref token.Reference) {
	link := b.deepLink(b.Pipeline.Codec.Encode(ref))
	_, _ = b.API.SendMessage(ctx, tgapi.SendMessageParams{
		ChatID: chatID,
		Text:   "Here is your share link:\n" + link,
		ReplyMarkup: &tgapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgapi.InlineKeyboardButton{{
			{Text: "Share", URL: link},
		}}},
	})
}

func (b *Bot) deepLink(tok string) string {
	return "https://t.me/" + b.Cfg.BotUsername + "?start=" + tok
}

// archiveMessageID recovers the archive message id from a forwarded archive
// post or from a t.me link in the message text. Returns 0 when the message
// does not point into the archive.
func (b *Bot) archiveMessageID(msg *tgapi.Message) int64 {
	if msg.ForwardFromChat != nil {
		if msg.ForwardFromChat.ID == b.Cfg.ArchiveChannelID {
			return msg.ForwardFromMessageID
		}
		return 0
	}
	if msg.ForwardSenderName != "" {
		return 0
	}
	if msg.Text != "" {
		return b.archiveIDFromLink(strings.TrimSpace(msg.Text))
	}
	return 0
}

// archiveIDFromLink parses a t.me message link and checks it targets the
// archive channel (by internal id for private links, by username otherwise).
func (b *Bot) archiveIDFromLink(link string) int64 {
	m := archiveLinkPattern().FindStringSubmatch(link)
	if m == nil {
		return 0
	}
	msgID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0
	}
	channelPart := m[1]
	if internal, err := strconv.ParseInt(channelPart, 10, 64); err == nil {
		if fmt.Sprintf("-100%d", internal) == strconv.FormatInt(b.Cfg.ArchiveChannelID, 10) {
			return msgID
		}
		return 0
	}
	if b.Cfg.ArchiveChannelUsername != "" && channelPart == b.Cfg.ArchiveChannelUsername {
		return msgID
	}
	return 0
}

func (b *Bot) handleCallback(ctx context.Context, q *tgapi.CallbackQuery) {
	if err := b.API.AnswerCallbackQuery(ctx, q.ID); err != nil {
		telemetry.LoggerWithCorr(ctx).Debug("could not answer callback", slog.Any("err", err), slog.String("component", "bot"))
	}
	if q.Message == nil {
		return
	}
	switch q.Data {
	case "about":
		_ = b.API.EditMessageText(ctx, q.Message.Chat.ID, q.Message.MessageID,
			"I hand out files archived in a private channel. Open a share link to receive them.")
	case "close":
		_ = b.API.DeleteMessage(ctx, q.Message.Chat.ID, q.Message.MessageID)
	}
}

// readableDuration renders an uptime like "2 days, 03:15:42".
func readableDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%d days, %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
