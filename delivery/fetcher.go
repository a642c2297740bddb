// Package delivery orchestrates the token-addressed retrieval pipeline: gate
// check, token decode, batched archive fetch, per-message copy, and handoff to
// the retraction scheduler.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

// ArchiveReader is the platform surface the fetcher needs.
type ArchiveReader interface {
	GetMessages(ctx context.Context, chatID int64, ids []int64) ([]tgapi.Message, error)
}

// Fetcher retrieves archived messages by id in platform-sized batches,
// tolerating throttling with one bounded retry per chunk. Failed chunks are
// omitted from the result rather than substituted; callers observe the
// shortfall by comparing requested and returned counts.
type Fetcher struct {
	API       ArchiveReader
	ChannelID int64

	// Sleep is injectable for tests; it must honor the context.
	Sleep func(ctx context.Context, d time.Duration)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) {
	if f.Sleep != nil {
		f.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Fetch retrieves the given ids in request order. The returned slice
// concatenates chunk results in chunk order; it is never longer than ids.
// The only terminal error is context cancellation.
func (f *Fetcher) Fetch(ctx context.Context, ids []int64) ([]tgapi.Message, error) {
	var out []tgapi.Message
	for start := 0; start < len(ids); start += tgapi.MaxBatchGet {
		end := start + tgapi.MaxBatchGet
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		msgs, err := f.fetchChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			// Chunk omitted; the count mismatch is the caller's signal.
			slog.Warn("archive chunk unresolved, omitting",
				slog.Int("chunk_size", len(chunk)),
				slog.Int64("first_id", chunk[0]),
				slog.Any("err", err),
				slog.String("component", "fetcher"))
			continue
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// fetchChunk issues one batch call with a single throttle-mandated retry.
// A second throttling signal on the same chunk is treated as chunk failure.
func (f *Fetcher) fetchChunk(ctx context.Context, chunk []int64) ([]tgapi.Message, error) {
	msgs, err := f.API.GetMessages(ctx, f.ChannelID, chunk)
	var ra *tgapi.RetryAfterError
	if errors.As(err, &ra) {
		telemetry.ThrottleWaits.Inc()
		slog.Warn("archive fetch throttled", slog.Int("retry_after", ra.Seconds), slog.String("component", "fetcher"))
		f.sleep(ctx, time.Duration(ra.Seconds)*time.Second)
		msgs, err = f.API.GetMessages(ctx, f.ChannelID, chunk)
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
