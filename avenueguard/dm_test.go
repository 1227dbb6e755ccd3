package avenueguard

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offerTo seeds a pending claim and an active awaiting_request session,
// as if the weekly job had just contacted the user.
func offerTo(
	t testing.TB,
	ag *AvenueGuard,
	userID string,
	week string,
) (*WeeklyClaim, *WeeklySession) {
	t.Helper()
	now := time.Now()
	claim := &WeeklyClaim{
		GuildID:     testGuildID,
		WeekStart:   week,
		UserID:      userID,
		Rank:        1,
		Status:      ClaimStatusPending,
		ContactedTS: now.UnixMilli(),
	}
	require.NoError(t, ag.db.Create(claim).Error)
	session := &WeeklySession{
		GuildID:   testGuildID,
		WeekStart: week,
		UserID:    userID,
		Stage:     SessionStageAwaitingRequest,
		ExpiresTS: now.Add(48 * time.Hour).UnixMilli(),
		Active:    true,
	}
	require.NoError(t, ag.db.Create(session).Error)
	return claim, session
}

func declineInteraction(userID string, confirmed bool) *discordgo.InteractionCreate {
	customID := customIDDeclineNo
	if confirmed {
		customID = customIDDeclineYes
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionMessageComponent,
			User: &discordgo.User{ID: userID},
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
			},
		},
	}
}

func TestHandleDirectMessageIgnored(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := "2024-07-07"

	// Not a guild member.
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(ctx, directMessage("stranger", "hello")),
	)

	// Member without an active session.
	session.addMember("user1")
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(ctx, directMessage("user1", "hello")),
	)
	assert.Empty(t, session.sentTo("user1"))

	// Member whose session already expired. The sweeper owns expiry, so
	// the DM handler stays silent.
	_, sess := offerTo(t, ag, "user1", week)
	sess.ExpiresTS = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, ag.db.Save(sess).Error)
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(ctx, directMessage("user1", "hello")),
	)
	assert.Empty(t, session.sentTo("user1"))

	claim, err := ag.getClaim(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusPending, claim.Status)
}

func TestHandleDirectMessageNudge(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()

	session.addMember("user1")
	offerTo(t, ag, "user1", "2024-07-07")

	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(
			ctx,
			directMessage("user1", "hey when do I get my reward"),
		),
	)

	dms := session.sentTo("user1")
	require.Len(t, dms, 1)
	assert.Equal(t, formatNudgeDMText, dms[0].Content)

	// Session stays open for another try.
	sess, err := ag.getSession(ctx, testGuildID, "2024-07-07", "user1")
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, SessionStageAwaitingRequest, sess.Stage)
}

func TestHandleDirectMessageRequest(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := "2024-07-07"

	setRuntimeConfig(
		t, ag, func(rc *RuntimeConfig) {
			rc.WeeklyRequestChannelID = "channel-requests"
		},
	)

	session.addMember("user1")
	offerTo(t, ag, "user1", week)

	content := "Level Name: Tidal Wave\nLevel ID: 86407629\nCreator: OniLink"
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(ctx, directMessage("user1", content)),
	)

	claim, err := ag.getClaim(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusClaimed, claim.Status)

	sess, err := ag.getSession(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.False(t, sess.Active)

	posts := session.sentToChannel("channel-requests")
	require.Len(t, posts, 1)
	require.NotNil(t, posts[0].Embed)
	assert.Contains(t, posts[0].Embed.Description, "Tidal Wave")
	assert.Contains(t, posts[0].Embed.Description, "<@user1>")

	dms := session.sentTo("user1")
	require.Len(t, dms, 1)
	assert.Equal(t, thankYouDMText, dms[0].Content)
}

func TestHandleDirectMessageDeclineFlow(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := "2024-07-07"

	session.addMember("user1")
	offerTo(t, ag, "user1", week)

	// The phrase is matched case-insensitively.
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(
			ctx,
			directMessage("user1", "I Do Not Want This Request"),
		),
	)

	sess, err := ag.getSession(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.Equal(t, SessionStageConfirmDecline, sess.Stage)

	dms := session.sentTo("user1")
	require.Len(t, dms, 1)
	require.NotNil(t, dms[0].Data)
	require.Len(t, dms[0].Data.Components, 1)
	row, ok := dms[0].Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)
	yes, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, customIDDeclineYes, yes.CustomID)
	no, ok := row.Components[1].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, customIDDeclineNo, no.CustomID)

	// Typed messages are ignored while the confirmation is pending.
	require.NoError(
		t,
		ag.weeklyDM.HandleDirectMessage(
			ctx,
			directMessage("user1", "wait actually never mind"),
		),
	)
	assert.Len(t, session.sentTo("user1"), 1)
}

func TestHandleDeclineComponentStale(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()

	session.addMember("user1")

	require.NoError(
		t,
		ag.weeklyDM.HandleDeclineComponent(ctx, declineInteraction("user1", true), true),
	)

	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "This confirmation is no longer active.", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestHandleDeclineComponentNo(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := "2024-07-07"

	session.addMember("user1")
	_, sess := offerTo(t, ag, "user1", week)
	require.NoError(t, ag.transitionSession(ctx, sess, SessionStageConfirmDecline))

	require.NoError(
		t,
		ag.weeklyDM.HandleDeclineComponent(ctx, declineInteraction("user1", false), false),
	)

	sess, err := ag.getSession(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, SessionStageAwaitingRequest, sess.Stage)

	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Equal(t, declineResumedDMText, resp.Data.Content)
}

func TestHandleDeclineComponentYes(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	ctx := context.Background()
	week := "2024-07-07"

	session.addMember("user1")
	session.addMember("user2")
	seedActivity(t, ag, "user1", week, 50)
	seedActivity(t, ag, "user2", week, 20)

	_, sess := offerTo(t, ag, "user1", week)
	require.NoError(t, ag.transitionSession(ctx, sess, SessionStageConfirmDecline))

	require.NoError(
		t,
		ag.weeklyDM.HandleDeclineComponent(ctx, declineInteraction("user1", true), true),
	)

	claim, err := ag.getClaim(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusDeclined, claim.Status)

	sess, err = ag.getSession(ctx, testGuildID, week, "user1")
	require.NoError(t, err)
	assert.False(t, sess.Active)

	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Equal(t, declinedDMText, resp.Data.Content)

	// The slot cascades to the next most active member.
	claim, err = ag.getClaim(ctx, testGuildID, week, "user2")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ClaimStatusPending, claim.Status)
	assert.Equal(t, 2, claim.Rank)
	require.Len(t, session.sentTo("user2"), 1)
}
