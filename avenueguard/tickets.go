package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnTicketStatus         = "status"
	columnTicketLastActivityTS = "last_activity_ts"
)

const (
	customIDTicketCloseYes      = "ticket_close_yes"
	customIDTicketCloseNo       = "ticket_close_no"
	customIDTranscriptApprove   = "ticket_transcript_approve"
	customIDTranscriptDeny      = "ticket_transcript_deny"
	ticketChannelNameMaxLen     = 90
	transcriptMessageFetchLimit = 2000
)

const ticketIntroText = "Hi <@%s>! This is your support ticket **T%d**. " +
	"Describe your issue here and a moderator will be with you shortly."

const ticketClosePromptText = "This ticket has had no activity for a " +
	"while. Do you want to close it? Any message here keeps it open."

const ticketClosedDMText = "Your support ticket **T%d** was closed. " +
	"Thanks for reaching out!"

const transcriptDeniedDMText = "Your transcript request for ticket " +
	"**T%d** was denied by the moderators."

// TicketStatus is the lifecycle state of a support ticket.
type TicketStatus string

const (
	// TicketStatusOpen means the ticket channel is live.
	TicketStatusOpen TicketStatus = "open"

	// TicketStatusClosePrompted means the inactivity prompt was posted
	// and the ticket closes unless someone replies or a mod keeps it.
	TicketStatusClosePrompted TicketStatus = "close_prompted"

	// TicketStatusClosed means the channel was archived and deleted.
	TicketStatusClosed TicketStatus = "closed"
)

func (s TicketStatus) String() string {
	return string(s)
}

// TranscriptRequestStatus is the review state of a transcript request.
type TranscriptRequestStatus string

const (
	TranscriptRequestPending  TranscriptRequestStatus = "pending"
	TranscriptRequestApproved TranscriptRequestStatus = "approved"
	TranscriptRequestDenied   TranscriptRequestStatus = "denied"
)

// Ticket is one support ticket. Number is sequential per guild and is
// what members see ("T12"); ChannelID is the dedicated text channel.
type Ticket struct {
	ModelUintID
	ModelUnixTime
	GuildID   string       `gorm:"index;not null" json:"guild_id"`
	Number    int          `gorm:"not null" json:"number"`
	UserID    string       `gorm:"index;not null" json:"user_id"`
	ChannelID string       `gorm:"uniqueIndex;not null" json:"channel_id"`
	Status    TicketStatus `gorm:"type:string;not null" json:"status"`

	// LastActivityTS is the last non-bot message in the channel, unix
	// millis. Drives the inactivity close prompt.
	LastActivityTS int64 `json:"last_activity_ts"`

	ClosedTS int64 `json:"closed_ts"`
}

// TicketCooldown tracks when a member last opened a ticket.
type TicketCooldown struct {
	ModelUintID
	ModelUnixTime
	GuildID      string `gorm:"uniqueIndex:idx_ticket_cooldown;not null" json:"guild_id"`
	UserID       string `gorm:"uniqueIndex:idx_ticket_cooldown;not null" json:"user_id"`
	LastOpenedTS int64  `json:"last_opened_ts"`
}

// TranscriptRequest is a member's request for their ticket's transcript,
// awaiting a moderator decision. RequestMessageID is the embed posted to
// the transcript requests channel; the Approve/Deny buttons resolve back
// to the row through it.
type TranscriptRequest struct {
	ModelUintID
	ModelUnixTime
	GuildID          string                  `gorm:"index;not null" json:"guild_id"`
	TicketID         uint                    `gorm:"index;not null" json:"ticket_id"`
	UserID           string                  `gorm:"not null" json:"user_id"`
	Status           TranscriptRequestStatus `gorm:"type:string;not null" json:"status"`
	RequestMessageID string                  `gorm:"uniqueIndex;not null" json:"request_message_id"`
}

// TicketTranscript points at the transcript message posted to the ticket
// log channel when the ticket was closed.
type TicketTranscript struct {
	ModelUintID
	ModelUnixTime
	GuildID      string `gorm:"index;not null" json:"guild_id"`
	TicketID     uint   `gorm:"uniqueIndex;not null" json:"ticket_id"`
	LogChannelID string `gorm:"not null" json:"log_channel_id"`
	LogMessageID string `gorm:"not null" json:"log_message_id"`
}

// TicketSystem owns the support ticket lifecycle: channel creation, the
// inactivity close prompt, closing with a transcript, and mod-approved
// transcript requests.
type TicketSystem struct {
	ag     *AvenueGuard
	logger *slog.Logger
}

func newTicketSystem(ag *AvenueGuard) *TicketSystem {
	return &TicketSystem{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "tickets"),
	}
}

// HandleCommand dispatches the /ticket subcommands.
func (t *TicketSystem) HandleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	sub := data.Options[0]

	switch sub.Name {
	case subcommandTicketOpen:
		return t.OpenTicket(ctx, i)
	case subcommandTicketClose:
		return t.handleCloseCommand(ctx, i)
	case subcommandTicketTranscript:
		options := discordInteractionOptions(sub.Options)
		refOption, ok := options["ticket"]
		if !ok {
			return t.ag.respondContent(i, "Missing ticket option.", true)
		}
		raw, ok := refOption.Value.(string)
		if !ok {
			return t.ag.respondContent(i, "Missing ticket option.", true)
		}
		return t.RequestTranscript(ctx, i, raw)
	}
	return nil
}

// OpenTicket creates a ticket channel for the invoking member, subject
// to the creation cooldown and a one-open-ticket-per-member rule.
func (t *TicketSystem) OpenTicket(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	userID := interactionUserID(i)
	if userID == "" {
		return nil
	}
	guildID := t.ag.config.Discord.GuildID
	runtimeConfig := t.ag.RuntimeConfig()
	now := time.Now()

	existing, err := t.openTicketForUser(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		return t.ag.respondContent(
			i,
			fmt.Sprintf(
				"You already have an open ticket: <#%s> (T%d).",
				existing.ChannelID,
				existing.Number,
			),
			true,
		)
	}

	if remaining, onCooldown := t.cooldownRemaining(
		ctx, guildID, userID, now, runtimeConfig.TicketCooldown(),
	); onCooldown {
		return t.ag.respondContent(
			i,
			fmt.Sprintf(
				"You opened a ticket recently. Please wait %s before opening another.",
				formatDurationShort(remaining),
			),
			true,
		)
	}

	number, err := t.nextTicketNumber(ctx, guildID)
	if err != nil {
		return err
	}

	username := userID
	member, err := t.ag.discord.GuildMember(guildID, userID)
	if err != nil {
		return err
	}
	if member != nil && member.User != nil {
		username = member.User.Username
	}

	channel, err := t.createTicketChannel(guildID, userID, number, username)
	if err != nil {
		return err
	}

	ticket := &Ticket{
		GuildID:        guildID,
		Number:         number,
		UserID:         userID,
		ChannelID:      channel.ID,
		Status:         TicketStatusOpen,
		LastActivityTS: now.UnixMilli(),
	}
	if _, err = t.ag.writeDB.Create(ctx, ticket); err != nil {
		return err
	}
	if _, err = t.ag.writeDB.Upsert(
		ctx,
		&TicketCooldown{
			GuildID:      guildID,
			UserID:       userID,
			LastOpenedTS: now.UnixMilli(),
		},
		[]string{"guild_id", "user_id"},
		[]string{"last_opened_ts"},
	); err != nil {
		return err
	}

	t.ag.discord.notifyChannel(
		channel.ID,
		fmt.Sprintf(ticketIntroText, userID, number),
	)

	t.logger.Info(
		"ticket opened",
		"ticket_number", number,
		"user_id", userID,
		"channel_id", channel.ID,
	)
	return t.ag.respondContent(
		i,
		fmt.Sprintf("Your ticket **T%d** is ready: <#%s>", number, channel.ID),
		true,
	)
}

func (t *TicketSystem) createTicketChannel(
	guildID string,
	userID string,
	number int,
	username string,
) (*discordgo.Channel, error) {
	runtimeConfig := t.ag.RuntimeConfig()

	memberPerms := int64(
		discordgo.PermissionViewChannel |
			discordgo.PermissionSendMessages |
			discordgo.PermissionReadMessageHistory,
	)
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: int64(discordgo.PermissionViewChannel),
		},
		{
			ID:    userID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberPerms,
		},
	}
	if runtimeConfig.TicketModRoleID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    runtimeConfig.TicketModRoleID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: memberPerms,
			},
		)
	}

	name := truncate(
		fmt.Sprintf("ticket-%d-%s", number, strings.ToLower(username)),
		ticketChannelNameMaxLen,
	)
	return t.ag.discord.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             runtimeConfig.TicketCategoryID,
			PermissionOverwrites: overwrites,
		},
	)
}

// cooldownRemaining reports whether the member is still inside the
// ticket creation cooldown, and for how much longer.
func (t *TicketSystem) cooldownRemaining(
	ctx context.Context,
	guildID string,
	userID string,
	now time.Time,
	cooldown time.Duration,
) (time.Duration, bool) {
	if cooldown <= 0 {
		return 0, false
	}
	var row TicketCooldown
	err := t.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID, userID,
	).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			t.logger.Error("error loading ticket cooldown", tint.Err(err))
		}
		return 0, false
	}
	until := time.UnixMilli(row.LastOpenedTS).Add(cooldown)
	if now.Before(until) {
		return until.Sub(now), true
	}
	return 0, false
}

func (t *TicketSystem) nextTicketNumber(
	ctx context.Context,
	guildID string,
) (int, error) {
	var maxNumber int
	err := t.ag.db.WithContext(ctx).Model(&Ticket{}).Where(
		"guild_id = ?", guildID,
	).Select("coalesce(max(number), 0)").Scan(&maxNumber).Error
	if err != nil {
		return 0, err
	}
	return maxNumber + 1, nil
}

// openTicketForUser returns the member's non-closed ticket, or nil.
func (t *TicketSystem) openTicketForUser(
	ctx context.Context,
	guildID string,
	userID string,
) (*Ticket, error) {
	var ticket Ticket
	err := t.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND status <> ?",
		guildID, userID, TicketStatusClosed,
	).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

// ticketByChannel returns the non-closed ticket living in the given
// channel, or nil.
func (t *TicketSystem) ticketByChannel(
	ctx context.Context,
	channelID string,
) (*Ticket, error) {
	var ticket Ticket
	err := t.ag.db.WithContext(ctx).Where(
		"channel_id = ? AND status <> ?",
		channelID, TicketStatusClosed,
	).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

// OnMessage refreshes ticket activity for guild messages posted in a
// ticket channel. A member reply during the close prompt reopens the
// ticket.
func (t *TicketSystem) OnMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) error {
	if m.Author == nil || m.Author.Bot {
		return nil
	}
	ticket, err := t.ticketByChannel(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return nil
	}

	values := map[string]any{
		columnTicketLastActivityTS: time.Now().UnixMilli(),
	}
	if ticket.Status == TicketStatusClosePrompted {
		values[columnTicketStatus] = TicketStatusOpen
		t.logger.Info(
			"ticket kept open by activity",
			"ticket_number", ticket.Number,
			"channel_id", ticket.ChannelID,
		)
	}
	_, err = t.ag.writeDB.Updates(ctx, ticket, values)
	return err
}

// scanInactive posts the close prompt in every open ticket whose last
// activity predates the inactivity cutoff. Runs from the sweeper.
func (t *TicketSystem) scanInactive(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-t.ag.RuntimeConfig().TicketInactivity()).UnixMilli()

	var tickets []Ticket
	err := t.ag.db.WithContext(ctx).Where(
		"status = ? AND last_activity_ts <= ?",
		TicketStatusOpen, cutoff,
	).Find(&tickets).Error
	if err != nil {
		return err
	}

	for n := range tickets {
		ticket := &tickets[n]
		_, sendErr := t.ag.discord.session.ChannelMessageSendComplex(
			ticket.ChannelID,
			&discordgo.MessageSend{
				Content: ticketClosePromptText,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label:    "Close ticket",
								Style:    discordgo.DangerButton,
								CustomID: customIDTicketCloseYes,
							},
							discordgo.Button{
								Label:    "Keep it open",
								Style:    discordgo.SecondaryButton,
								CustomID: customIDTicketCloseNo,
							},
						},
					},
				},
			},
		)
		if sendErr != nil {
			t.logger.Error(
				"error posting close prompt",
				"channel_id", ticket.ChannelID,
				tint.Err(sendErr),
			)
			continue
		}
		if _, updateErr := t.ag.writeDB.Update(
			ctx,
			ticket,
			columnTicketStatus,
			TicketStatusClosePrompted,
		); updateErr != nil {
			t.logger.Error("error marking close prompt", tint.Err(updateErr))
			continue
		}
		ticket.Status = TicketStatusClosePrompted
		t.logger.Info(
			"posted ticket close prompt",
			"ticket_number", ticket.Number,
			"channel_id", ticket.ChannelID,
		)
	}
	return nil
}

// isTicketMod reports whether the interaction user may close tickets and
// decide transcript requests.
func (t *TicketSystem) isTicketMod(i *discordgo.InteractionCreate) bool {
	if interactionIsAdmin(i) {
		return true
	}
	modRole := t.ag.RuntimeConfig().TicketModRoleID
	return modRole != "" && i.Member != nil && stringInSlice(modRole, i.Member.Roles)
}

func (t *TicketSystem) handleCloseCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	ticket, err := t.ticketByChannel(ctx, i.ChannelID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return t.ag.respondContent(i, "This channel is not an open ticket.", true)
	}
	if !t.isTicketMod(i) {
		return t.ag.respondContent(i, "Only moderators can close tickets.", true)
	}
	if err = t.ag.respondContent(
		i,
		fmt.Sprintf("Closing ticket **T%d**.", ticket.Number),
		true,
	); err != nil {
		t.logger.Warn("could not acknowledge close", tint.Err(err))
	}
	return t.closeTicket(ctx, ticket)
}

// HandleCloseComponent processes the inactivity prompt's buttons.
// Only moderators may decide; a "keep open" answer reopens the ticket.
func (t *TicketSystem) HandleCloseComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	confirmed bool,
) error {
	ticket, err := t.ticketByChannel(ctx, i.ChannelID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return t.ag.respondContent(i, "This ticket is no longer active.", true)
	}
	if !t.isTicketMod(i) {
		return t.ag.respondContent(i, "Only moderators can decide this.", true)
	}

	if !confirmed {
		if ticket.Status == TicketStatusClosePrompted {
			if _, err = t.ag.writeDB.Update(
				ctx,
				ticket,
				columnTicketStatus,
				TicketStatusOpen,
			); err != nil {
				return err
			}
		}
		return t.ag.respondContent(i, "Keeping the ticket open.", false)
	}

	if err = t.ag.respondContent(
		i,
		fmt.Sprintf("Closing ticket **T%d**.", ticket.Number),
		false,
	); err != nil {
		t.logger.Warn("could not acknowledge close", tint.Err(err))
	}
	return t.closeTicket(ctx, ticket)
}

// closeTicket archives the channel to the log channel as a text
// transcript, marks the ticket closed, DMs the creator, and deletes the
// channel.
func (t *TicketSystem) closeTicket(ctx context.Context, ticket *Ticket) error {
	runtimeConfig := t.ag.RuntimeConfig()
	now := time.Now()

	if runtimeConfig.TicketLogChannelID != "" {
		transcript, err := t.buildTranscript(ticket.ChannelID)
		if err != nil {
			t.logger.Error(
				"error building transcript",
				"channel_id", ticket.ChannelID,
				tint.Err(err),
			)
		} else {
			msg, sendErr := t.ag.discord.session.ChannelMessageSendComplex(
				runtimeConfig.TicketLogChannelID,
				transcriptMessageSend(ticket, transcript),
			)
			if sendErr != nil {
				t.logger.Error("error posting transcript", tint.Err(sendErr))
			} else if _, upsertErr := t.ag.writeDB.Upsert(
				ctx,
				&TicketTranscript{
					GuildID:      ticket.GuildID,
					TicketID:     ticket.ID,
					LogChannelID: runtimeConfig.TicketLogChannelID,
					LogMessageID: msg.ID,
				},
				[]string{"ticket_id"},
				[]string{"log_channel_id", "log_message_id"},
			); upsertErr != nil {
				t.logger.Error("error recording transcript pointer", tint.Err(upsertErr))
			}
		}
	}

	if _, err := t.ag.writeDB.Updates(
		ctx,
		ticket,
		map[string]any{
			columnTicketStatus: TicketStatusClosed,
			"closed_ts":        now.UnixMilli(),
		},
	); err != nil {
		return err
	}

	if _, dmErr := t.ag.discord.SendUserDM(
		ctx,
		ticket.UserID,
		fmt.Sprintf(ticketClosedDMText, ticket.Number),
	); dmErr != nil {
		t.logger.Warn("could not send ticket closed DM", tint.Err(dmErr))
	}

	if _, err := t.ag.discord.session.ChannelDelete(ticket.ChannelID); err != nil {
		t.logger.Error(
			"error deleting ticket channel",
			"channel_id", ticket.ChannelID,
			tint.Err(err),
		)
	}

	t.logger.Info(
		"ticket closed",
		"ticket_number", ticket.Number,
		"user_id", ticket.UserID,
	)
	return nil
}

// buildTranscript renders the channel's history as plain text, oldest
// first, capped at transcriptMessageFetchLimit messages.
func (t *TicketSystem) buildTranscript(channelID string) (string, error) {
	var history []*discordgo.Message
	beforeID := ""
	for len(history) < transcriptMessageFetchLimit {
		batch, err := t.ag.discord.session.ChannelMessages(
			channelID, 100, beforeID, "", "",
		)
		if err != nil {
			return "", err
		}
		if len(batch) == 0 {
			break
		}
		history = append(history, batch...)
		// Batches come newest first.
		beforeID = batch[len(batch)-1].ID
	}

	var b strings.Builder
	for n := len(history) - 1; n >= 0; n-- {
		m := history[n]
		author, authorID := "unknown", "unknown"
		if m.Author != nil {
			author = m.Author.Username
			authorID = m.Author.ID
		}
		fmt.Fprintf(
			&b,
			"[%s UTC] %s (%s): %s\n",
			m.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			author,
			authorID,
			m.Content,
		)
		for _, attachment := range m.Attachments {
			fmt.Fprintf(&b, "    attachment: %s\n", attachment.URL)
		}
	}
	return b.String(), nil
}

func transcriptMessageSend(ticket *Ticket, transcript string) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: fmt.Sprintf(
			"Transcript for ticket **T%d** (<@%s>)",
			ticket.Number,
			ticket.UserID,
		),
		Files: []*discordgo.File{
			{
				Name:        fmt.Sprintf("ticket-%d-transcript.txt", ticket.Number),
				ContentType: "text/plain",
				Reader:      strings.NewReader(transcript),
			},
		},
	}
}

// RequestTranscript handles /ticket transcript: members may ask for the
// transcript of their own ticket, and a moderator approves or denies the
// request from the transcript requests channel.
func (t *TicketSystem) RequestTranscript(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	raw string,
) error {
	userID := interactionUserID(i)
	if userID == "" {
		return nil
	}
	runtimeConfig := t.ag.RuntimeConfig()
	if runtimeConfig.TranscriptRequestsChannelID == "" {
		return t.ag.respondContent(
			i,
			"Transcript requests are not enabled on this server.",
			true,
		)
	}

	ticket, err := t.resolveTicketReference(ctx, raw)
	if err != nil {
		return err
	}
	if ticket == nil {
		return t.ag.respondContent(
			i,
			"Could not find that ticket. Use the ticket number (like `T12`) or the channel.",
			true,
		)
	}
	if ticket.UserID != userID {
		return t.ag.respondContent(
			i,
			"You can only request transcripts of your own tickets.",
			true,
		)
	}

	latest, err := t.latestTranscriptRequest(ctx, ticket.ID, userID)
	if err != nil {
		return err
	}
	if latest != nil {
		switch latest.Status {
		case TranscriptRequestPending:
			return t.ag.respondContent(
				i,
				fmt.Sprintf(
					"Your transcript request for **T%d** is already awaiting review.",
					ticket.Number,
				),
				true,
			)
		case TranscriptRequestApproved:
			return t.ag.respondContent(
				i,
				fmt.Sprintf(
					"Your transcript request for **T%d** was already approved; check your DMs.",
					ticket.Number,
				),
				true,
			)
		}
	}

	msg, err := t.ag.discord.session.ChannelMessageSendComplex(
		runtimeConfig.TranscriptRequestsChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title: fmt.Sprintf("Transcript request: T%d", ticket.Number),
					Description: fmt.Sprintf(
						"<@%s> requests the transcript of their ticket **T%d**.",
						userID,
						ticket.Number,
					),
					Color: embedColorInfo,
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Approve",
							Style:    discordgo.SuccessButton,
							CustomID: customIDTranscriptApprove,
						},
						discordgo.Button{
							Label:    "Deny",
							Style:    discordgo.DangerButton,
							CustomID: customIDTranscriptDeny,
						},
					},
				},
			},
		},
	)
	if err != nil {
		return err
	}

	if _, err = t.ag.writeDB.Create(
		ctx,
		&TranscriptRequest{
			GuildID:          ticket.GuildID,
			TicketID:         ticket.ID,
			UserID:           userID,
			Status:           TranscriptRequestPending,
			RequestMessageID: msg.ID,
		},
	); err != nil {
		return err
	}

	t.logger.Info(
		"transcript requested",
		"ticket_number", ticket.Number,
		"user_id", userID,
	)
	return t.ag.respondContent(
		i,
		fmt.Sprintf(
			"Your transcript request for **T%d** was sent to the moderators.",
			ticket.Number,
		),
		true,
	)
}

// resolveTicketReference accepts a channel mention (<#id>), a raw channel
// ID, or a ticket number with an optional T prefix.
func (t *TicketSystem) resolveTicketReference(
	ctx context.Context,
	raw string,
) (*Ticket, error) {
	raw = strings.TrimSpace(raw)
	guildID := t.ag.config.Discord.GuildID

	if strings.HasPrefix(raw, "<#") && strings.HasSuffix(raw, ">") {
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "<#"), ">")
	}
	numeric := raw != "" && strings.IndexFunc(
		raw,
		func(r rune) bool { return r < '0' || r > '9' },
	) == -1

	// Discord snowflakes are at least 15 digits; anything shorter is a
	// ticket number.
	if numeric && len(raw) >= 15 {
		var ticket Ticket
		err := t.ag.db.WithContext(ctx).Where(
			"guild_id = ? AND channel_id = ?",
			guildID, raw,
		).First(&ticket).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &ticket, nil
	}

	trimmed := strings.TrimPrefix(strings.ToUpper(raw), "T")
	number := 0
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, nil
		}
		number = number*10 + int(r-'0')
	}
	if number == 0 {
		return nil, nil
	}
	var ticket Ticket
	err := t.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND number = ?",
		guildID, number,
	).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

func (t *TicketSystem) latestTranscriptRequest(
	ctx context.Context,
	ticketID uint,
	userID string,
) (*TranscriptRequest, error) {
	var request TranscriptRequest
	err := t.ag.db.WithContext(ctx).Where(
		"ticket_id = ? AND user_id = ?",
		ticketID, userID,
	).Order("id desc").First(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

// HandleTranscriptDecision processes the Approve/Deny buttons on a
// transcript request embed. Moderator only. Approval delivers the
// transcript to the requester by DM: built live while the ticket channel
// still exists, otherwise linked from the stored log message.
func (t *TicketSystem) HandleTranscriptDecision(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	approved bool,
) error {
	if !t.isTicketMod(i) {
		return t.ag.respondContent(i, "Only moderators can decide this.", true)
	}
	if i.Message == nil {
		return nil
	}

	var request TranscriptRequest
	err := t.ag.db.WithContext(ctx).Where(
		"request_message_id = ?", i.Message.ID,
	).First(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return t.ag.respondContent(i, "This request is no longer tracked.", true)
		}
		return err
	}
	if request.Status != TranscriptRequestPending {
		return t.ag.respondContent(i, "This request was already decided.", true)
	}

	var ticket Ticket
	if err = t.ag.db.WithContext(ctx).First(&ticket, request.TicketID).Error; err != nil {
		return err
	}

	status := TranscriptRequestDenied
	if approved {
		status = TranscriptRequestApproved
	}
	if _, err = t.ag.writeDB.Update(
		ctx,
		&request,
		columnTicketStatus,
		status,
	); err != nil {
		return err
	}

	t.markRequestDecided(i, &ticket, status)

	if !approved {
		if _, dmErr := t.ag.discord.SendUserDM(
			ctx,
			request.UserID,
			fmt.Sprintf(transcriptDeniedDMText, ticket.Number),
		); dmErr != nil {
			t.logger.Warn("could not send denial DM", tint.Err(dmErr))
		}
		return t.ag.respondContent(i, "Request denied.", true)
	}

	if deliverErr := t.deliverTranscript(ctx, &request, &ticket); deliverErr != nil {
		t.logger.Error("error delivering transcript", tint.Err(deliverErr))
		return t.ag.respondContent(
			i,
			"Approved, but the transcript could not be delivered.",
			true,
		)
	}
	return t.ag.respondContent(i, "Request approved, transcript delivered.", true)
}

// markRequestDecided strips the buttons from the request embed and notes
// who decided it.
func (t *TicketSystem) markRequestDecided(
	i *discordgo.InteractionCreate,
	ticket *Ticket,
	status TranscriptRequestStatus,
) {
	content := fmt.Sprintf(
		"Transcript request for **T%d**: %s by <@%s>.",
		ticket.Number,
		status,
		interactionUserID(i),
	)
	components := []discordgo.MessageComponent{}
	if _, err := t.ag.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         i.Message.ID,
			Channel:    i.ChannelID,
			Content:    &content,
			Components: &components,
		},
	); err != nil {
		t.logger.Warn("could not edit request message", tint.Err(err))
	}
}

// deliverTranscript DMs the requester their transcript: the live channel
// history while the ticket is open, or the stored log message link after
// it was closed.
func (t *TicketSystem) deliverTranscript(
	ctx context.Context,
	request *TranscriptRequest,
	ticket *Ticket,
) error {
	if ticket.Status != TicketStatusClosed {
		transcript, err := t.buildTranscript(ticket.ChannelID)
		if err != nil {
			return err
		}
		_, err = t.ag.discord.SendUserDMComplex(
			ctx,
			request.UserID,
			transcriptMessageSend(ticket, transcript),
		)
		return err
	}

	var stored TicketTranscript
	err := t.ag.db.WithContext(ctx).Where(
		"ticket_id = ?", ticket.ID,
	).First(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_, dmErr := t.ag.discord.SendUserDM(
				ctx,
				request.UserID,
				fmt.Sprintf(
					"The transcript for ticket **T%d** is no longer available, sorry.",
					ticket.Number,
				),
			)
			return dmErr
		}
		return err
	}
	_, err = t.ag.discord.SendUserDM(
		ctx,
		request.UserID,
		fmt.Sprintf(
			"Here is the transcript for your ticket **T%d**: "+
				"https://discord.com/channels/%s/%s/%s",
			ticket.Number,
			ticket.GuildID,
			stored.LogChannelID,
			stored.LogMessageID,
		),
	)
	return err
}

// formatDurationShort renders a duration in the largest single unit:
// "45s", "12m", "3h", "2d".
func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Minute:
		seconds := int(d.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		return fmt.Sprintf("%ds", seconds)
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
