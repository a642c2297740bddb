package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
	"github.com/lumabyte/sharegate/token"
)

// OutcomeKind enumerates the terminal results of one delivery request.
type OutcomeKind int

const (
	// OutcomeGated means the membership gate denied delivery. The outcome
	// carries the original token so the requester can replay it after
	// joining.
	OutcomeGated OutcomeKind = iota
	// OutcomeDecodeFailed means the token was malformed. Requesters see a
	// generic failure; the decode detail stays in the logs.
	OutcomeDecodeFailed
	// OutcomeFetchFailed means no archive content could be established.
	OutcomeFetchFailed
	// OutcomeDelivered means at least one copy reached the requester.
	OutcomeDelivered
	// OutcomeDeliveredEmpty means the request was valid but resolved to no
	// deliverable messages.
	OutcomeDeliveredEmpty
)

// Outcome is the result of Pipeline.Deliver.
type Outcome struct {
	Kind  OutcomeKind
	Count int
	// Token is the original request token, set for OutcomeGated replays.
	Token string
}

// Copy identifies one delivered message instance in the requester's chat.
type Copy struct {
	ChatID    int64
	MessageID int64
}

// Job is the set of copies produced by one delivery, handed to the
// retraction scheduler as a unit.
type Job struct {
	ID       string
	ChatID   int64
	Copies   []Copy
	NoticeID int64
}

// Scheduler consumes delivery jobs for deferred retraction.
type Scheduler interface {
	Schedule(job Job, delay time.Duration)
}

// Gater is the gating decision the pipeline consults before touching the
// archive.
type Gater interface {
	AllowAll(ctx context.Context, userID int64) bool
}

// Sender is the platform surface the pipeline needs beyond fetching.
type Sender interface {
	SendMessage(ctx context.Context, params tgapi.SendMessageParams) (*tgapi.Message, error)
	CopyMessage(ctx context.Context, params tgapi.CopyMessageParams) (int64, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Options carries the delivery-shaping configuration switches.
type Options struct {
	// AutoDeleteTime is the retraction delay; 0 disables retraction.
	AutoDeleteTime time.Duration
	// CustomCaption is a template applied to file-carrying messages, with
	// {previouscaption} and {filename} placeholders. Empty disables it.
	CustomCaption string
	// ProtectContent forbids forwarding/saving of delivered copies.
	ProtectContent bool
	// DisableChannelButton strips inline keyboards inherited from the
	// archive.
	DisableChannelButton bool
	// AutoDeleteMsg is the pending-retraction notice, with a {time}
	// placeholder in seconds.
	AutoDeleteMsg string
	// FetchingMsg is the transient notice shown while the archive is read.
	FetchingMsg string
}

// Pipeline wires the delivery sequence together. All collaborators are
// interfaces so tests can count calls.
type Pipeline struct {
	API       Sender
	Gate      Gater
	Codec     token.Codec
	Fetcher   *Fetcher
	Scheduler Scheduler
	Opts      Options

	// Sleep is injectable for tests; it must honor the context.
	Sleep func(ctx context.Context, d time.Duration)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Deliver resolves a token for one requester and streams the referenced
// archive content back. Each step depends on the previous one succeeding; the
// archive is never touched for a gated or undecodable request.
func (p *Pipeline) Deliver(ctx context.Context, requesterID int64, tok string) Outcome {
	telemetry.DeliveriesStarted.Inc()
	start := time.Now()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.Int64("requester", requesterID),
		slog.String("component", "delivery"))

	if !p.Gate.AllowAll(ctx, requesterID) {
		logger.Info("delivery gated")
		return Outcome{Kind: OutcomeGated, Token: tok}
	}

	ref, err := p.Codec.Decode(tok)
	if err != nil {
		telemetry.DeliveriesFailed.Inc()
		logger.Warn("token decode failed", slog.Any("err", err))
		return Outcome{Kind: OutcomeDecodeFailed}
	}
	ids := ref.Expand()

	// Transient progress notice; best effort, removed after the fetch.
	var fetchingID int64
	if p.Opts.FetchingMsg != "" {
		if m, err := p.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: requesterID, Text: p.Opts.FetchingMsg}); err == nil {
			fetchingID = m.MessageID
		}
	}

	var msgs []tgapi.Message
	fetchDur := telemetry.TimeFunc(telemetry.FetchDuration, func() {
		msgs, err = p.Fetcher.Fetch(ctx, ids)
	})
	if fetchingID != 0 {
		if derr := p.API.DeleteMessage(ctx, requesterID, fetchingID); derr != nil {
			logger.Debug("could not remove progress notice", slog.Any("err", derr))
		}
	}
	if err != nil {
		telemetry.DeliveriesFailed.Inc()
		logger.Error("archive fetch failed", slog.Any("err", err), slog.Duration("fetch_duration", fetchDur))
		return Outcome{Kind: OutcomeFetchFailed}
	}
	if len(msgs) < len(ids) {
		logger.Warn("partial archive fetch", slog.Int("requested", len(ids)), slog.Int("resolved", len(msgs)))
	}

	job := Job{ID: uuid.New().String(), ChatID: requesterID}
	for _, msg := range msgs {
		id, err := p.copyOnce(ctx, requesterID, msg)
		var ra *tgapi.RetryAfterError
		if errors.As(err, &ra) {
			telemetry.ThrottleWaits.Inc()
			logger.Warn("copy throttled", slog.Int("retry_after", ra.Seconds), slog.Int64("message_id", msg.MessageID))
			p.sleep(ctx, time.Duration(ra.Seconds)*time.Second)
			id, err = p.copyOnce(ctx, requesterID, msg)
		}
		if err != nil {
			telemetry.CopiesFailed.Inc()
			logger.Warn("copy failed, skipping message", slog.Any("err", err), slog.Int64("message_id", msg.MessageID))
			continue
		}
		telemetry.CopiesSent.Inc()
		job.Copies = append(job.Copies, Copy{ChatID: requesterID, MessageID: id})
	}

	if len(job.Copies) == 0 {
		telemetry.DeliveryDuration.Observe(time.Since(start).Seconds())
		logger.Info("delivery resolved to nothing", slog.Int("requested", len(ids)))
		return Outcome{Kind: OutcomeDeliveredEmpty}
	}

	if p.Scheduler != nil && p.Opts.AutoDeleteTime > 0 {
		notice := strings.ReplaceAll(p.Opts.AutoDeleteMsg, "{time}",
			strconv.Itoa(int(p.Opts.AutoDeleteTime/time.Second)))
		if m, err := p.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: requesterID, Text: notice}); err == nil {
			job.NoticeID = m.MessageID
		} else {
			logger.Warn("could not send retraction notice", slog.Any("err", err))
		}
		p.Scheduler.Schedule(job, p.Opts.AutoDeleteTime)
	}

	telemetry.DeliveriesCompleted.Inc()
	telemetry.DeliveryDuration.Observe(time.Since(start).Seconds())
	logger.Info("delivery complete",
		slog.String("job_id", job.ID),
		slog.Int("requested", len(ids)),
		slog.Int("delivered", len(job.Copies)),
		slog.Duration("fetch_duration", fetchDur))
	return Outcome{Kind: OutcomeDelivered, Count: len(job.Copies)}
}

// copyOnce issues one copy call with the configured caption, protection, and
// keyboard rules applied.
func (p *Pipeline) copyOnce(ctx context.Context, requesterID int64, msg tgapi.Message) (int64, error) {
	params := tgapi.CopyMessageParams{
		ChatID:         requesterID,
		FromChatID:     msg.Chat.ID,
		MessageID:      msg.MessageID,
		ProtectContent: p.Opts.ProtectContent,
	}
	if p.Opts.CustomCaption != "" && msg.Document != nil {
		caption := strings.NewReplacer(
			"{previouscaption}", msg.Caption,
			"{filename}", msg.Document.FileName,
		).Replace(p.Opts.CustomCaption)
		params.Caption = &caption
	}
	if !p.Opts.DisableChannelButton && msg.ReplyMarkup != nil {
		params.ReplyMarkup = msg.ReplyMarkup
	}
	return p.API.CopyMessage(ctx, params)
}
