// Package retract deletes delivered copies after a fixed delay. Jobs are
// best-effort and independent: one goroutine per job, one deletion attempt
// (plus one throttle-mandated retry) per copy, and exactly one confirmation
// notice to the requester regardless of how many deletions succeeded.
package retract

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lumabyte/sharegate/delivery"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

// Deleter is the platform surface the scheduler needs.
type Deleter interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendMessage(ctx context.Context, params tgapi.SendMessageParams) (*tgapi.Message, error)
}

// Scheduler runs deferred retraction jobs. A job, once scheduled, runs to
// completion; it is not cancelled by server shutdown.
type Scheduler struct {
	API Deleter
	// SuccessText is the final confirmation notice.
	SuccessText string

	// Sleep is injectable for tests; it must honor the context.
	Sleep func(ctx context.Context, d time.Duration)

	wg sync.WaitGroup
}

// Schedule runs the job after the delay in its own goroutine.
func (s *Scheduler) Schedule(job delivery.Job, delay time.Duration) {
	telemetry.AddPendingRetraction(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer telemetry.AddPendingRetraction(-1)
		// Retraction is a commitment to the requester; it survives shutdown
		// of the surrounding request context.
		s.run(context.Background(), job, delay)
	}()
}

// Wait blocks until all scheduled jobs have finished. Used by tests and by a
// drain-on-exit main.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, job delivery.Job, delay time.Duration) {
	logger := slog.Default().With(
		slog.String("job_id", job.ID),
		slog.Int64("chat", job.ChatID),
		slog.String("component", "retract"))
	logger.Info("retraction scheduled", slog.Int("copies", len(job.Copies)), slog.Duration("delay", delay))

	s.sleep(ctx, delay)

	var failed int
	for _, c := range job.Copies {
		if err := s.deleteOnce(ctx, c); err != nil {
			failed++
			telemetry.RetractionsFailed.Inc()
			logger.Warn("copy deletion failed", slog.Int64("message_id", c.MessageID), slog.Any("err", err))
		}
	}

	// One confirmation, unconditionally, replacing the pending notice when
	// possible.
	s.confirm(ctx, job)

	telemetry.RetractionsRun.Inc()
	logger.Info("retraction complete", slog.Int("copies", len(job.Copies)), slog.Int("failed", failed))
}

// deleteOnce attempts one deletion with a single bounded retry after a
// throttling signal.
func (s *Scheduler) deleteOnce(ctx context.Context, c delivery.Copy) error {
	err := s.API.DeleteMessage(ctx, c.ChatID, c.MessageID)
	var ra *tgapi.RetryAfterError
	if errors.As(err, &ra) {
		telemetry.ThrottleWaits.Inc()
		s.sleep(ctx, time.Duration(ra.Seconds)*time.Second)
		err = s.API.DeleteMessage(ctx, c.ChatID, c.MessageID)
	}
	return err
}

func (s *Scheduler) confirm(ctx context.Context, job delivery.Job) {
	if job.NoticeID != 0 {
		if err := s.API.EditMessageText(ctx, job.ChatID, job.NoticeID, s.SuccessText); err == nil {
			return
		}
	}
	if _, err := s.API.SendMessage(ctx, tgapi.SendMessageParams{ChatID: job.ChatID, Text: s.SuccessText}); err != nil {
		slog.Warn("could not send retraction confirmation",
			slog.String("job_id", job.ID), slog.Any("err", err), slog.String("component", "retract"))
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
