package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

type fakePlatform struct {
	member     tgapi.ChatMember
	memberErr  error
	memberCall int

	chat    *tgapi.Chat
	chatErr error

	exported  string
	exportErr error
}

func (f *fakePlatform) GetChatMember(ctx context.Context, chatID, userID int64) (tgapi.ChatMember, error) {
	f.memberCall++
	return f.member, f.memberErr
}

func (f *fakePlatform) GetChat(ctx context.Context, chatID int64) (*tgapi.Chat, error) {
	return f.chat, f.chatErr
}

func (f *fakePlatform) ExportChatInviteLink(ctx context.Context, chatID int64) (string, error) {
	return f.exported, f.exportErr
}

func newTestGate(api PlatformClient, admins, static []int64) *Gate {
	telemetry.Init()
	g := New(api, nil, admins, static)
	g.Sleep = func(ctx context.Context, d time.Duration) {}
	return g
}

func TestAllowAdminBypassesMembership(t *testing.T) {
	api := &fakePlatform{memberErr: errors.New("should not be called")}
	g := newTestGate(api, []int64{7}, []int64{-100123})

	assert.True(t, g.Allow(context.Background(), 7, -100123))
	assert.Zero(t, api.memberCall, "admin check must short-circuit the platform query")
}

func TestAllowStatuses(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{tgapi.StatusOwner, true},
		{tgapi.StatusAdministrator, true},
		{tgapi.StatusMember, true},
		{tgapi.StatusRestricted, false},
		{tgapi.StatusLeft, false},
		{tgapi.StatusKicked, false},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			api := &fakePlatform{member: tgapi.ChatMember{Status: tc.status}}
			g := newTestGate(api, nil, []int64{-100123})
			assert.Equal(t, tc.want, g.Allow(context.Background(), 42, -100123))
		})
	}
}

func TestAllowNotParticipantDenies(t *testing.T) {
	api := &fakePlatform{memberErr: tgapi.ErrNotParticipant}
	g := newTestGate(api, nil, []int64{-100123})
	assert.False(t, g.Allow(context.Background(), 42, -100123))
}

func TestAllowThrottleSleepsThenDenies(t *testing.T) {
	api := &fakePlatform{memberErr: &tgapi.RetryAfterError{Seconds: 5}}
	g := New(api, nil, nil, []int64{-100123})
	telemetry.Init()

	var slept time.Duration
	g.Sleep = func(ctx context.Context, d time.Duration) { slept = d }

	assert.False(t, g.Allow(context.Background(), 42, -100123))
	assert.Equal(t, 5*time.Second, slept)
	assert.Equal(t, 1, api.memberCall, "throttled membership query is not retried within the attempt")
}

func TestAllowFailsClosedOnUnknownError(t *testing.T) {
	api := &fakePlatform{memberErr: errors.New("network down")}
	g := newTestGate(api, nil, []int64{-100123})
	assert.False(t, g.Allow(context.Background(), 42, -100123))
}

func TestAllowDisabledChannel(t *testing.T) {
	api := &fakePlatform{memberErr: errors.New("should not be called")}
	g := newTestGate(api, nil, nil)
	assert.True(t, g.Allow(context.Background(), 42, 0))
	assert.Zero(t, api.memberCall)
}

func TestAllowAllNoChannelsPasses(t *testing.T) {
	g := newTestGate(&fakePlatform{}, nil, nil)
	assert.True(t, g.AllowAll(context.Background(), 42))
}

func TestAllowAllRequiresEveryChannel(t *testing.T) {
	// Member of the first channel only: the fake reports member on the first
	// call and left on subsequent ones.
	api := &seqPlatform{statuses: []string{tgapi.StatusMember, tgapi.StatusLeft}}
	g := newTestGate(api, nil, []int64{-100123, -100456})
	assert.False(t, g.AllowAll(context.Background(), 42))
}

type seqPlatform struct {
	fakePlatform
	statuses []string
	n        int
}

func (s *seqPlatform) GetChatMember(ctx context.Context, chatID, userID int64) (tgapi.ChatMember, error) {
	st := s.statuses[s.n%len(s.statuses)]
	s.n++
	return tgapi.ChatMember{Status: st}, nil
}

func TestActiveChannelsStaticOnly(t *testing.T) {
	g := newTestGate(&fakePlatform{}, nil, []int64{-100123, -100456})
	assert.Equal(t, []int64{-100123, -100456}, g.ActiveChannels(context.Background()))
}

func TestRefreshInviteLinkPrefersChatLink(t *testing.T) {
	api := &fakePlatform{chat: &tgapi.Chat{ID: -100123, InviteLink: "https://t.me/+abc"}}
	g := newTestGate(api, nil, []int64{-100123})

	link, err := g.RefreshInviteLink(context.Background(), -100123)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+abc", link)
	assert.Equal(t, "https://t.me/+abc", g.InviteLink(context.Background()))
}

func TestRefreshInviteLinkExportsWhenMissing(t *testing.T) {
	api := &fakePlatform{chat: &tgapi.Chat{ID: -100123}, exported: "https://t.me/+fresh"}
	g := newTestGate(api, nil, []int64{-100123})

	link, err := g.RefreshInviteLink(context.Background(), -100123)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+fresh", link)
}

func TestRefreshInviteLinkError(t *testing.T) {
	api := &fakePlatform{chatErr: errors.New("forbidden")}
	g := newTestGate(api, nil, []int64{-100123})

	_, err := g.RefreshInviteLink(context.Background(), -100123)
	require.Error(t, err)
	assert.Empty(t, g.InviteLink(context.Background()))
}
