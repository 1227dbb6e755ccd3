package avenueguard

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTicketLogChannelID   = "700000000000000001"
	testTranscriptsChannelID = "700000000000000002"
)

func enableTickets(t testing.TB, ag *AvenueGuard) {
	t.Helper()
	setRuntimeConfig(
		t, ag, func(rc *RuntimeConfig) {
			rc.TicketModRoleID = "role-mod"
			rc.TicketLogChannelID = testTicketLogChannelID
			rc.TranscriptRequestsChannelID = testTranscriptsChannelID
		},
	)
}

func ticketSub(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Name:    name,
		Options: options,
	}
}

func ticketComponentInteraction(
	userID string,
	channelID string,
	customID string,
	mod bool,
) *discordgo.InteractionCreate {
	member := &discordgo.Member{
		User: &discordgo.User{ID: userID},
	}
	if mod {
		member.Permissions = discordgo.PermissionManageServer
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    member,
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
			},
		},
	}
}

// openTestTicket opens a ticket for userID through the slash command and
// returns the stored row.
func openTestTicket(t testing.TB, ag *AvenueGuard, userID string) *Ticket {
	t.Helper()
	ctx := context.Background()
	i := commandInteraction(
		userID, testChannelID, false,
		commandTicket, ticketSub(subcommandTicketOpen),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))

	var ticket Ticket
	require.NoError(
		t,
		ag.db.Where(
			"guild_id = ? AND user_id = ? AND status <> ?",
			testGuildID, userID, TicketStatusClosed,
		).First(&ticket).Error,
	)
	return &ticket
}

func TestOpenTicket(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")

	ticket := openTestTicket(t, ag, "user1")
	assert.Equal(t, 1, ticket.Number)
	assert.Equal(t, TicketStatusOpen, ticket.Status)
	assert.NotZero(t, ticket.LastActivityTS)

	require.Len(t, session.createdChannels, 1)
	created := session.createdChannels[0]
	assert.Equal(t, "ticket-1-user-user1", created.Name)
	assert.Equal(t, ticket.ChannelID, created.ID)

	// Intro message in the new channel, confirmation to the member.
	intro := session.sentToChannel(ticket.ChannelID)
	require.Len(t, intro, 1)
	assert.Contains(t, intro[0].Content, "T1")

	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "T1")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	var cooldown TicketCooldown
	require.NoError(
		t,
		ag.db.Where(
			"guild_id = ? AND user_id = ?", testGuildID, "user1",
		).First(&cooldown).Error,
	)
	assert.NotZero(t, cooldown.LastOpenedTS)
}

func TestOpenTicketSecondBlocked(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")

	i := commandInteraction(
		"user1", testChannelID, false,
		commandTicket, ticketSub(subcommandTicketOpen),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "already have an open ticket")
	assert.Contains(t, resp.Data.Content, ticket.ChannelID)
	assert.Len(t, session.createdChannels, 1)
}

func TestOpenTicketCooldown(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")

	// Close the first ticket; the cooldown still applies.
	require.NoError(
		t,
		ag.db.Model(ticket).Update("status", TicketStatusClosed).Error,
	)

	i := commandInteraction(
		"user1", testChannelID, false,
		commandTicket, ticketSub(subcommandTicketOpen),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "Please wait")
	assert.Len(t, session.createdChannels, 1)

	// Disabling the cooldown lets the member open a new one.
	setRuntimeConfig(
		t, ag, func(rc *RuntimeConfig) {
			rc.TicketCooldownHours = 0
		},
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))
	assert.Len(t, session.createdChannels, 2)

	var second Ticket
	require.NoError(
		t,
		ag.db.Where(
			"guild_id = ? AND user_id = ? AND status = ?",
			testGuildID, "user1", TicketStatusOpen,
		).First(&second).Error,
	)
	assert.Equal(t, 2, second.Number)
}

func TestTicketOnMessage(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	require.NoError(
		t,
		ag.db.Model(ticket).Updates(
			map[string]any{
				"status":           TicketStatusClosePrompted,
				"last_activity_ts": time.Now().Add(-48 * time.Hour).UnixMilli(),
			},
		).Error,
	)

	msg := guildMessage("user1", ticket.ChannelID, "still here!")
	require.NoError(t, ag.tickets.OnMessage(ctx, msg))

	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusOpen, refreshed.Status)
	assert.Greater(
		t,
		refreshed.LastActivityTS,
		time.Now().Add(-time.Minute).UnixMilli(),
	)

	// Messages outside ticket channels are ignored.
	require.NoError(t, ag.tickets.OnMessage(ctx, guildMessage("user1", testChannelID, "hi")))
}

func TestScanInactive(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	require.NoError(
		t,
		ag.db.Model(ticket).Update(
			"last_activity_ts",
			time.Now().Add(-25*time.Hour).UnixMilli(),
		).Error,
	)

	require.NoError(t, ag.tickets.scanInactive(ctx, time.Now()))

	sent := session.sentToChannel(ticket.ChannelID)
	require.Len(t, sent, 2) // intro + prompt
	prompt := sent[1]
	assert.Contains(t, prompt.Content, "close")
	require.NotNil(t, prompt.Data)
	assert.NotEmpty(t, prompt.Data.Components)

	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusClosePrompted, refreshed.Status)

	// The prompt is not repeated while the ticket stays prompted.
	require.NoError(t, ag.tickets.scanInactive(ctx, time.Now()))
	assert.Len(t, session.sentToChannel(ticket.ChannelID), 2)
}

func TestScanInactiveFreshTicketUntouched(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	require.NoError(t, ag.tickets.scanInactive(ctx, time.Now()))

	assert.Len(t, session.sentToChannel(ticket.ChannelID), 1)
	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusOpen, refreshed.Status)
}

func TestHandleCloseComponent(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	require.NoError(
		t,
		ag.db.Model(ticket).Update("status", TicketStatusClosePrompted).Error,
	)
	ticket.Status = TicketStatusClosePrompted

	// Non-mods cannot decide the prompt.
	i := ticketComponentInteraction("user1", ticket.ChannelID, customIDTicketCloseNo, false)
	require.NoError(t, ag.tickets.HandleCloseComponent(ctx, i, false))
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "moderators")

	// A mod keeping it open flips the status back.
	i = ticketComponentInteraction("mod1", ticket.ChannelID, customIDTicketCloseNo, true)
	require.NoError(t, ag.tickets.HandleCloseComponent(ctx, i, false))

	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusOpen, refreshed.Status)
}

func TestCloseTicket(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	session.seedChannelHistory(
		ticket.ChannelID,
		&discordgo.Message{
			ID:        "h2",
			Content:   "thanks, solved",
			Author:    &discordgo.User{ID: "user1", Username: "user-user1"},
			Timestamp: time.Date(2026, 8, 30, 12, 5, 0, 0, time.UTC),
		},
		&discordgo.Message{
			ID:        "h1",
			Content:   "I need help with my level",
			Author:    &discordgo.User{ID: "user1", Username: "user-user1"},
			Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example/shot.png"},
			},
		},
	)

	i := ticketComponentInteraction("mod1", ticket.ChannelID, customIDTicketCloseYes, true)
	require.NoError(t, ag.tickets.HandleCloseComponent(ctx, i, true))

	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusClosed, refreshed.Status)
	assert.NotZero(t, refreshed.ClosedTS)

	assert.Equal(t, []string{ticket.ChannelID}, session.deletedChannels)

	// Transcript posted to the log channel, oldest message first.
	logged := session.sentToChannel(testTicketLogChannelID)
	require.Len(t, logged, 1)
	require.NotNil(t, logged[0].Data)
	require.Len(t, logged[0].Data.Files, 1)
	file := logged[0].Data.Files[0]
	assert.Equal(t, "ticket-1-transcript.txt", file.Name)

	raw, err := io.ReadAll(file.Reader)
	require.NoError(t, err)
	transcript := string(raw)
	assert.Contains(t, transcript, "[2026-08-30 12:00:00 UTC] user-user1 (user1): I need help")
	assert.Contains(t, transcript, "attachment: https://cdn.example/shot.png")
	// Oldest first.
	assert.Less(
		t,
		strings.Index(transcript, "I need help"),
		strings.Index(transcript, "thanks, solved"),
	)

	var stored TicketTranscript
	require.NoError(t, ag.db.Where("ticket_id = ?", ticket.ID).First(&stored).Error)
	assert.Equal(t, testTicketLogChannelID, stored.LogChannelID)
	assert.NotEmpty(t, stored.LogMessageID)

	// Creator is told the ticket was closed.
	dms := session.sentTo("user1")
	require.NotEmpty(t, dms)
	assert.Contains(t, dms[len(dms)-1].Content, "closed")
}

func TestCloseCommand(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")

	// Outside a ticket channel there is nothing to close.
	i := commandInteraction(
		"mod1", testChannelID, true,
		commandTicket, ticketSub(subcommandTicketClose),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "not an open ticket")

	// The creator cannot close their own ticket.
	i = commandInteraction(
		"user1", ticket.ChannelID, false,
		commandTicket, ticketSub(subcommandTicketClose),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))
	resp = session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "moderators")

	i = commandInteraction(
		"mod1", ticket.ChannelID, true,
		commandTicket, ticketSub(subcommandTicketClose),
	)
	require.NoError(t, ag.tickets.HandleCommand(ctx, i))

	var refreshed Ticket
	require.NoError(t, ag.db.First(&refreshed, ticket.ID).Error)
	assert.Equal(t, TicketStatusClosed, refreshed.Status)
	assert.Equal(t, []string{ticket.ChannelID}, session.deletedChannels)
}

func TestRequestTranscript(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	session.addMember("user2")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")

	transcriptCmd := func(userID string, ref string) *discordgo.InteractionCreate {
		return commandInteraction(
			userID, testChannelID, false,
			commandTicket,
			ticketSub(
				subcommandTicketTranscript,
				&discordgo.ApplicationCommandInteractionDataOption{
					Type:  discordgo.ApplicationCommandOptionString,
					Name:  "ticket",
					Value: ref,
				},
			),
		)
	}

	// Someone else's ticket is refused.
	require.NoError(t, ag.tickets.HandleCommand(ctx, transcriptCmd("user2", "T1")))
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "your own tickets")

	// Unknown reference.
	require.NoError(t, ag.tickets.HandleCommand(ctx, transcriptCmd("user1", "T99")))
	resp = session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "Could not find")

	require.NoError(t, ag.tickets.HandleCommand(ctx, transcriptCmd("user1", "T1")))
	resp = session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "sent to the moderators")

	posted := session.sentToChannel(testTranscriptsChannelID)
	require.Len(t, posted, 1)
	require.NotNil(t, posted[0].Data)
	require.Len(t, posted[0].Data.Embeds, 1)
	assert.Contains(t, posted[0].Data.Embeds[0].Title, "T1")
	assert.NotEmpty(t, posted[0].Data.Components)

	var request TranscriptRequest
	require.NoError(
		t,
		ag.db.Where("ticket_id = ?", ticket.ID).First(&request).Error,
	)
	assert.Equal(t, TranscriptRequestPending, request.Status)
	assert.NotEmpty(t, request.RequestMessageID)

	// A second request while one is pending is refused.
	require.NoError(t, ag.tickets.HandleCommand(ctx, transcriptCmd("user1", "T1")))
	resp = session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "already awaiting review")
	assert.Len(t, session.sentToChannel(testTranscriptsChannelID), 1)
}

func TestResolveTicketReference(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()

	snowflake := "600000000000000001"
	require.NoError(
		t,
		ag.db.Create(
			&Ticket{
				GuildID:   testGuildID,
				Number:    7,
				UserID:    "user1",
				ChannelID: snowflake,
				Status:    TicketStatusOpen,
			},
		).Error,
	)

	for _, ref := range []string{"T7", "t7", "7", snowflake, "<#" + snowflake + ">"} {
		ticket, err := ag.tickets.resolveTicketReference(ctx, ref)
		require.NoError(t, err, ref)
		require.NotNil(t, ticket, ref)
		assert.Equal(t, 7, ticket.Number, ref)
	}

	for _, ref := range []string{"", "nope", "T", "T0", "999999999999999999"} {
		ticket, err := ag.tickets.resolveTicketReference(ctx, ref)
		require.NoError(t, err, ref)
		assert.Nil(t, ticket, ref)
	}
}

func TestHandleTranscriptDecision(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	session.seedChannelHistory(
		ticket.ChannelID,
		&discordgo.Message{
			ID:        "h1",
			Content:   "hello there",
			Author:    &discordgo.User{ID: "user1", Username: "user-user1"},
			Timestamp: time.Now().UTC(),
		},
	)

	request := &TranscriptRequest{
		GuildID:          testGuildID,
		TicketID:         ticket.ID,
		UserID:           "user1",
		Status:           TranscriptRequestPending,
		RequestMessageID: "req-msg-1",
	}
	require.NoError(t, ag.db.Create(request).Error)

	decision := func(customID string, mod bool) *discordgo.InteractionCreate {
		i := ticketComponentInteraction("mod1", testTranscriptsChannelID, customID, mod)
		i.Message = &discordgo.Message{ID: "req-msg-1"}
		return i
	}

	// Mod only.
	require.NoError(
		t,
		ag.tickets.HandleTranscriptDecision(ctx, decision(customIDTranscriptApprove, false), true),
	)
	resp := session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "moderators")

	// Approval on an open ticket delivers the live transcript by DM.
	require.NoError(
		t,
		ag.tickets.HandleTranscriptDecision(ctx, decision(customIDTranscriptApprove, true), true),
	)

	var refreshed TranscriptRequest
	require.NoError(t, ag.db.First(&refreshed, request.ID).Error)
	assert.Equal(t, TranscriptRequestApproved, refreshed.Status)

	dms := session.sentTo("user1")
	require.NotEmpty(t, dms)
	delivered := dms[len(dms)-1]
	require.NotNil(t, delivered.Data)
	require.Len(t, delivered.Data.Files, 1)

	// The request embed lost its buttons.
	require.NotEmpty(t, session.edits)
	edit := session.edits[len(session.edits)-1]
	assert.Equal(t, "req-msg-1", edit.ID)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)

	// A decided request cannot be decided again.
	require.NoError(
		t,
		ag.tickets.HandleTranscriptDecision(ctx, decision(customIDTranscriptDeny, true), false),
	)
	resp = session.lastResponse()
	require.NotNil(t, resp)
	assert.Contains(t, resp.Data.Content, "already decided")
}

func TestHandleTranscriptDecisionDenied(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	session.addMember("user1")
	ctx := context.Background()

	ticket := openTestTicket(t, ag, "user1")
	request := &TranscriptRequest{
		GuildID:          testGuildID,
		TicketID:         ticket.ID,
		UserID:           "user1",
		Status:           TranscriptRequestPending,
		RequestMessageID: "req-msg-2",
	}
	require.NoError(t, ag.db.Create(request).Error)

	i := ticketComponentInteraction(
		"mod1", testTranscriptsChannelID, customIDTranscriptDeny, true,
	)
	i.Message = &discordgo.Message{ID: "req-msg-2"}
	require.NoError(t, ag.tickets.HandleTranscriptDecision(ctx, i, false))

	var refreshed TranscriptRequest
	require.NoError(t, ag.db.First(&refreshed, request.ID).Error)
	assert.Equal(t, TranscriptRequestDenied, refreshed.Status)

	dms := session.sentTo("user1")
	require.NotEmpty(t, dms)
	assert.Contains(t, dms[len(dms)-1].Content, "denied")
}

func TestDeliverTranscriptClosedTicket(t *testing.T) {
	t.Parallel()

	ag, session := newTestBot(t)
	enableTickets(t, ag)
	ctx := context.Background()

	ticket := &Ticket{
		GuildID:   testGuildID,
		Number:    3,
		UserID:    "user1",
		ChannelID: "600000000000000002",
		Status:    TicketStatusClosed,
	}
	require.NoError(t, ag.db.Create(ticket).Error)
	require.NoError(
		t,
		ag.db.Create(
			&TicketTranscript{
				GuildID:      testGuildID,
				TicketID:     ticket.ID,
				LogChannelID: testTicketLogChannelID,
				LogMessageID: "log-msg-9",
			},
		).Error,
	)

	request := &TranscriptRequest{
		GuildID:  testGuildID,
		TicketID: ticket.ID,
		UserID:   "user1",
		Status:   TranscriptRequestApproved,
	}
	require.NoError(t, ag.tickets.deliverTranscript(ctx, request, ticket))

	dms := session.sentTo("user1")
	require.Len(t, dms, 1)
	assert.Contains(
		t,
		dms[0].Content,
		fmt.Sprintf(
			"https://discord.com/channels/%s/%s/log-msg-9",
			testGuildID,
			testTicketLogChannelID,
		),
	)
}

func TestFormatDurationShort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "45s", formatDurationShort(45*time.Second))
	assert.Equal(t, "1s", formatDurationShort(200*time.Millisecond))
	assert.Equal(t, "12m", formatDurationShort(12*time.Minute))
	assert.Equal(t, "3h", formatDurationShort(3*time.Hour+20*time.Minute))
	assert.Equal(t, "2d", formatDurationShort(50*time.Hour))
}
