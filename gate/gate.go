// Package gate implements the membership gating decision: whether a requester
// may receive archived content, based on channel membership, with an
// administrator override. The decision is evaluated fresh per request and
// fails closed on anything it cannot verify.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lumabyte/sharegate/db"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

// kv keys for runtime-settable gating state.
const (
	kvForceSubChannel = "force_sub_channel"
	kvInviteLink      = "force_sub_invite_link"
)

// PlatformClient is the platform surface the gate needs.
type PlatformClient interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (tgapi.ChatMember, error)
	GetChat(ctx context.Context, chatID int64) (*tgapi.Chat, error)
	ExportChatInviteLink(ctx context.Context, chatID int64) (string, error)
}

// Gate decides, per requester, whether delivery may proceed. The invite link
// for the active gating channel is explicit state owned here and read through
// an accessor; admin commands update it through SetInviteLink.
type Gate struct {
	api    PlatformClient
	dbx    *sql.DB
	admins map[int64]struct{}
	static []int64

	// Sleep is injectable for tests; it must honor the context.
	Sleep func(ctx context.Context, d time.Duration)

	mu         sync.Mutex
	inviteLink string
}

// New builds a gate over the configured static channels (up to four) and
// administrator set. dbx supplies the runtime-settable channel override.
func New(api PlatformClient, dbx *sql.DB, admins, staticChannels []int64) *Gate {
	set := make(map[int64]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &Gate{
		api:    api,
		dbx:    dbx,
		admins: set,
		static: staticChannels,
		Sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// IsAdmin reports whether the user is exempt from gating.
func (g *Gate) IsAdmin(userID int64) bool {
	_, ok := g.admins[userID]
	return ok
}

// ActiveChannels resolves the gating channel set for this evaluation: the
// runtime-configured channel (kv) takes the place of the first static slot;
// remaining static slots apply unchanged. An empty result disables gating.
func (g *Gate) ActiveChannels(ctx context.Context) []int64 {
	channels := make([]int64, len(g.static))
	copy(channels, g.static)

	if g.dbx != nil {
		v, err := db.GetKV(ctx, g.dbx, kvForceSubChannel)
		if err != nil {
			slog.Warn("dynamic gating channel lookup failed, using static config", slog.Any("err", err), slog.String("component", "gate"))
		} else if v != "" {
			if id, perr := strconv.ParseInt(v, 10, 64); perr == nil && id != 0 {
				if len(channels) == 0 {
					channels = []int64{id}
				} else {
					channels[0] = id
				}
			}
		}
	}
	return channels
}

// Allow evaluates the decision procedure against one gating channel.
// Admins always pass. A throttling signal during the membership query is
// honored once (sleep the indicated delay) and then denied for this attempt;
// the requester retries via the replay affordance.
func (g *Gate) Allow(ctx context.Context, userID, channelID int64) bool {
	if g.IsAdmin(userID) {
		return true
	}
	if channelID == 0 {
		return true
	}
	member, err := g.api.GetChatMember(ctx, channelID, userID)
	if err != nil {
		var ra *tgapi.RetryAfterError
		switch {
		case errors.Is(err, tgapi.ErrNotParticipant):
			return false
		case errors.As(err, &ra):
			telemetry.ThrottleWaits.Inc()
			slog.Warn("membership query throttled", slog.Int("retry_after", ra.Seconds), slog.Int64("channel", channelID), slog.String("component", "gate"))
			g.Sleep(ctx, time.Duration(ra.Seconds)*time.Second)
			return false
		default:
			slog.Warn("membership query failed, denying", slog.Any("err", err), slog.Int64("channel", channelID), slog.String("component", "gate"))
			return false
		}
	}
	switch member.Status {
	case tgapi.StatusOwner, tgapi.StatusAdministrator, tgapi.StatusMember:
		return true
	default:
		return false
	}
}

// AllowAll requires membership in every active gating channel. With no
// channels configured gating is disabled and everything passes.
func (g *Gate) AllowAll(ctx context.Context, userID int64) bool {
	if g.IsAdmin(userID) {
		return true
	}
	for _, ch := range g.ActiveChannels(ctx) {
		if !g.Allow(ctx, userID, ch) {
			telemetry.DeliveriesGated.Inc()
			return false
		}
	}
	return true
}

// SetChannel persists a runtime gating channel override and refreshes the
// cached invite link for it.
func (g *Gate) SetChannel(ctx context.Context, channelID int64) error {
	if err := db.SetKV(ctx, g.dbx, kvForceSubChannel, strconv.FormatInt(channelID, 10)); err != nil {
		return err
	}
	if _, err := g.RefreshInviteLink(ctx, channelID); err != nil {
		slog.Warn("could not refresh invite link for new gating channel", slog.Any("err", err), slog.Int64("channel", channelID), slog.String("component", "gate"))
	}
	return nil
}

// Channel returns the currently active primary gating channel, or 0 when
// gating is disabled.
func (g *Gate) Channel(ctx context.Context) int64 {
	channels := g.ActiveChannels(ctx)
	if len(channels) == 0 {
		return 0
	}
	return channels[0]
}

// InviteLink returns the cached invite link for the active gating channel,
// falling back to the persisted copy in kv after a restart.
func (g *Gate) InviteLink(ctx context.Context) string {
	g.mu.Lock()
	link := g.inviteLink
	g.mu.Unlock()
	if link != "" {
		return link
	}
	if g.dbx != nil {
		if v, err := db.GetKV(ctx, g.dbx, kvInviteLink); err == nil && v != "" {
			g.SetInviteLink(v)
			return v
		}
	}
	return ""
}

// SetInviteLink replaces the cached invite link.
func (g *Gate) SetInviteLink(link string) {
	g.mu.Lock()
	g.inviteLink = link
	g.mu.Unlock()
}

// RefreshInviteLink resolves the invite link for a channel via the platform,
// exporting a fresh one when the chat has none, and caches the result.
func (g *Gate) RefreshInviteLink(ctx context.Context, channelID int64) (string, error) {
	chat, err := g.api.GetChat(ctx, channelID)
	if err != nil {
		return "", err
	}
	link := chat.InviteLink
	if link == "" {
		link, err = g.api.ExportChatInviteLink(ctx, channelID)
		if err != nil {
			return "", err
		}
	}
	g.SetInviteLink(link)
	if g.dbx != nil {
		if err := db.SetKV(ctx, g.dbx, kvInviteLink, link); err != nil {
			slog.Warn("could not persist invite link", slog.Any("err", err), slog.String("component", "gate"))
		}
	}
	return link, nil
}
