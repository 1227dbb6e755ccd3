package avenueguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimStatusValidTransition(t *testing.T) {
	t.Parallel()

	all := []ClaimStatus{
		ClaimStatusPending,
		ClaimStatusClaimed,
		ClaimStatusDeclined,
		ClaimStatusTimedOut,
		ClaimStatusDMClosed,
	}

	allowed := map[ClaimStatus]map[ClaimStatus]bool{
		ClaimStatusPending: {
			ClaimStatusClaimed:  true,
			ClaimStatusDeclined: true,
			ClaimStatusTimedOut: true,
		},
	}

	for _, from := range all {
		for _, to := range all {
			expected := allowed[from][to]
			assert.Equalf(
				t,
				expected,
				from.ValidTransition(to),
				"%s -> %s",
				from,
				to,
			)
		}
	}
}

func TestClaimStatusIsFinal(t *testing.T) {
	t.Parallel()

	assert.False(t, ClaimStatusPending.IsFinal())
	assert.True(t, ClaimStatusClaimed.IsFinal())
	assert.True(t, ClaimStatusDeclined.IsFinal())
	assert.True(t, ClaimStatusTimedOut.IsFinal())
	assert.True(t, ClaimStatusDMClosed.IsFinal())
}

func TestSessionStageValidTransition(t *testing.T) {
	t.Parallel()

	assert.True(
		t,
		SessionStageAwaitingRequest.ValidTransition(SessionStageConfirmDecline),
	)
	assert.True(
		t,
		SessionStageConfirmDecline.ValidTransition(SessionStageAwaitingRequest),
	)
	assert.False(
		t,
		SessionStageAwaitingRequest.ValidTransition(SessionStageAwaitingRequest),
	)
	assert.False(
		t,
		SessionStageConfirmDecline.ValidTransition(SessionStageConfirmDecline),
	)
}

func TestTransitionClaim(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()
	week := weekStartKey(time.Now())

	claim := &WeeklyClaim{
		GuildID:     testGuildID,
		WeekStart:   week,
		UserID:      "user1",
		Rank:        1,
		Status:      ClaimStatusPending,
		ContactedTS: time.Now().UnixMilli(),
	}
	require.NoError(t, ag.db.Create(claim).Error)

	require.NoError(t, ag.transitionClaim(ctx, claim, ClaimStatusClaimed))
	assert.Equal(t, ClaimStatusClaimed, claim.Status)

	stored, err := ag.getClaim(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ClaimStatusClaimed, stored.Status)

	// Final status: no further transitions, in memory or in the DB.
	err = ag.transitionClaim(ctx, claim, ClaimStatusDeclined)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ClaimStatusClaimed, claim.Status)

	stored, err = ag.getClaim(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusClaimed, stored.Status)
}

func TestTransitionSession(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()
	week := weekStartKey(time.Now())

	session := &WeeklySession{
		GuildID:   testGuildID,
		WeekStart: week,
		UserID:    "user1",
		Stage:     SessionStageAwaitingRequest,
		ExpiresTS: time.Now().Add(time.Hour).UnixMilli(),
		Active:    true,
	}
	require.NoError(t, ag.db.Create(session).Error)

	require.NoError(
		t,
		ag.transitionSession(ctx, session, SessionStageConfirmDecline),
	)
	assert.Equal(t, SessionStageConfirmDecline, session.Stage)

	require.NoError(
		t,
		ag.transitionSession(ctx, session, SessionStageAwaitingRequest),
	)

	err := ag.transitionSession(ctx, session, SessionStageAwaitingRequest)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLatestActiveSession(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()

	require.NoError(
		t,
		ag.db.Create(
			&WeeklySession{
				GuildID:   testGuildID,
				WeekStart: "2024-06-30",
				UserID:    "user1",
				Stage:     SessionStageAwaitingRequest,
				Active:    false,
			},
		).Error,
	)
	require.NoError(
		t,
		ag.db.Create(
			&WeeklySession{
				GuildID:   testGuildID,
				WeekStart: "2024-07-07",
				UserID:    "user1",
				Stage:     SessionStageAwaitingRequest,
				Active:    true,
			},
		).Error,
	)

	session, err := ag.latestActiveSession(ctx, testGuildID, "user1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "2024-07-07", session.WeekStart)

	session, err = ag.latestActiveSession(ctx, testGuildID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestLogWeeklyEvent(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	logChannelID := "500000000000000009"
	setRuntimeConfig(
		t, ag, func(rc *RuntimeConfig) {
			rc.LogChannelID = logChannelID
		},
	)
	ctx := context.Background()
	week := weekStartKey(time.Now())

	ag.logWeeklyEvent(ctx, testGuildID, week, "user1", weeklyEventDMSent, "rank #1")

	var rows []WeeklyEventLog
	require.NoError(
		t,
		ag.db.Where("guild_id = ?", testGuildID).Find(&rows).Error,
	)
	require.Len(t, rows, 1)
	assert.Equal(t, weeklyEventDMSent, rows[0].Event)
	assert.Equal(t, week, rows[0].WeekStart)
	assert.Equal(t, "user1", rows[0].UserID)
	assert.Equal(t, "rank #1", rows[0].Detail)

	posted := session.sentToChannel(logChannelID)
	require.Len(t, posted, 1)
	require.NotNil(t, posted[0].Embed)
	assert.Contains(t, posted[0].Embed.Title, weeklyEventDMSent)
	require.Len(t, posted[0].Embed.Fields, 3)
	assert.Equal(t, "<@user1>", posted[0].Embed.Fields[0].Value)
	assert.Equal(t, week, posted[0].Embed.Fields[1].Value)
	assert.Equal(t, "rank #1", posted[0].Embed.Fields[2].Value)
}

// An unset log channel still persists the audit row.
func TestLogWeeklyEventNoChannel(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := weekStartKey(time.Now())

	ag.logWeeklyEvent(ctx, testGuildID, week, "user2", weeklyEventDeclined, "")

	var rows []WeeklyEventLog
	require.NoError(
		t,
		ag.db.Where("user_id = ?", "user2").Find(&rows).Error,
	)
	require.Len(t, rows, 1)
	assert.Equal(t, weeklyEventDeclined, rows[0].Event)
	assert.Empty(t, session.sent)
}

func TestSessionExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := WeeklySession{ExpiresTS: now.Add(time.Minute).UnixMilli()}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}
