package avenueguard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// declinePhrase must be typed exactly (case-insensitive) to start the
// decline flow.
const declinePhrase = "i do not want this request"

const (
	customIDDeclineYes = "weekly_decline_yes"
	customIDDeclineNo  = "weekly_decline_no"
)

const formatNudgeDMText = "That doesn't look like a complete request. " +
	"Please include the level **name**, the **creator**, and the level " +
	"**ID**. Or reply exactly `" + declinePhrase + "` to pass."

const declineConfirmText = "Are you sure you don't want this week's " +
	"level request? If you decline, it is offered to the next most " +
	"active member."

const declineResumedDMText = "Request resumed! Reply with your level " +
	"request whenever you're ready."

const declinedDMText = "No problem, your slot was passed to the next " +
	"member. Thanks for letting us know!"

// requestFieldNeedles are the substrings a DM must contain to be
// accepted as a request submission.
var requestFieldNeedles = []string{"name", "creator", "id"}

// WeeklyConversation handles the DM side of a weekly offer: request
// submissions, declines, and the decline confirmation buttons.
type WeeklyConversation struct {
	ag     *AvenueGuard
	logger *slog.Logger
}

func newWeeklyConversation(ag *AvenueGuard) *WeeklyConversation {
	return &WeeklyConversation{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "weekly_dm"),
	}
}

// HandleDirectMessage processes a DM from a member with an active offer.
// DMs from users without an active, unexpired session are ignored.
func (w *WeeklyConversation) HandleDirectMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) error {
	if m.Author == nil || m.Author.Bot {
		return nil
	}
	guildID := w.ag.config.Discord.GuildID

	member, err := w.ag.discord.GuildMember(guildID, m.Author.ID)
	if err != nil {
		return err
	}
	if member == nil {
		return nil
	}

	session, err := w.ag.latestActiveSession(ctx, guildID, m.Author.ID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	if session.Expired(time.Now()) {
		// The sweeper owns expiry; don't react here.
		w.logger.Debug("ignoring DM for expired session", sessionLogAttrs(*session)...)
		return nil
	}

	log := w.logger.With("user_id", m.Author.ID, "week_start", session.WeekStart)

	switch session.Stage {
	case SessionStageConfirmDecline:
		// Only the Yes/No buttons move this stage.
		log.Debug("ignoring typed message during decline confirmation")
		return nil
	case SessionStageAwaitingRequest:
	default:
		log.Warn("session in unknown stage", columnWeeklySessionStage, session.Stage)
		return nil
	}

	content := strings.TrimSpace(m.Content)

	if strings.EqualFold(content, declinePhrase) {
		return w.startDeclineConfirmation(ctx, session)
	}

	if containsAllFields(content, requestFieldNeedles...) {
		return w.recordRequest(ctx, session, m)
	}

	_, err = w.ag.discord.SendUserDM(ctx, m.Author.ID, formatNudgeDMText)
	if err != nil {
		log.Warn("could not send format nudge", tint.Err(err))
	}
	return nil
}

// startDeclineConfirmation moves the session to confirm_decline and asks
// over the Yes/No buttons.
func (w *WeeklyConversation) startDeclineConfirmation(
	ctx context.Context,
	session *WeeklySession,
) error {
	if err := w.ag.transitionSession(ctx, session, SessionStageConfirmDecline); err != nil {
		return err
	}

	_, err := w.ag.discord.SendUserDMComplex(
		ctx,
		session.UserID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "Decline weekly request?",
					Description: declineConfirmText,
					Color:       embedColorWarning,
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Yes, decline",
							Style:    discordgo.DangerButton,
							CustomID: customIDDeclineYes,
						},
						discordgo.Button{
							Label:    "No, keep it",
							Style:    discordgo.SecondaryButton,
							CustomID: customIDDeclineNo,
						},
					},
				},
			},
		},
	)
	if err != nil {
		// Roll the stage back so typed replies keep working.
		if revertErr := w.ag.transitionSession(
			ctx,
			session,
			SessionStageAwaitingRequest,
		); revertErr != nil {
			w.logger.Error(
				"could not revert decline stage",
				tint.Err(revertErr),
			)
		}
		return err
	}
	return nil
}

// recordRequest accepts the member's submission: claims the slot, posts
// the request to the log channel, thanks the member, and ends the session.
func (w *WeeklyConversation) recordRequest(
	ctx context.Context,
	session *WeeklySession,
	m *discordgo.MessageCreate,
) error {
	claim, err := w.ag.getClaim(ctx, session.GuildID, session.WeekStart, session.UserID)
	if err != nil {
		return err
	}
	if claim == nil {
		w.logger.Error(
			"active session has no claim row",
			sessionLogAttrs(*session)...,
		)
		return w.ag.deactivateSession(ctx, session)
	}
	if err = w.ag.transitionClaim(ctx, claim, ClaimStatusClaimed); err != nil {
		return err
	}

	runtimeConfig := w.ag.RuntimeConfig()
	w.ag.discord.notifyChannelEmbed(
		runtimeConfig.WeeklyRequestChannelID,
		&discordgo.MessageEmbed{
			Title: "Weekly Level Request",
			Description: fmt.Sprintf(
				"<@%s> (rank #%d, week of %s) submitted:\n\n%s",
				session.UserID,
				claim.Rank,
				session.WeekStart,
				truncate(m.Content, 3500),
			),
			Color:     embedColorSuccess,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	)

	if _, dmErr := w.ag.discord.SendUserDM(ctx, session.UserID, thankYouDMText); dmErr != nil {
		w.logger.Warn("could not send thank-you DM", tint.Err(dmErr))
	}

	if err = w.ag.deactivateSession(ctx, session); err != nil {
		return err
	}
	w.logger.Info("weekly request claimed", claimLogAttrs(*claim)...)
	w.ag.logWeeklyEvent(
		ctx, session.GuildID, session.WeekStart, session.UserID,
		weeklyEventClaimed,
		fmt.Sprintf("rank #%d", claim.Rank),
	)
	return nil
}

// HandleDeclineComponent processes the decline confirmation buttons.
// The interaction must come from a user with an active confirm_decline
// session; anything else gets a dismissive ephemeral reply.
func (w *WeeklyConversation) HandleDeclineComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	confirmed bool,
) error {
	userID := interactionUserID(i)
	if userID == "" {
		return nil
	}
	guildID := w.ag.config.Discord.GuildID

	session, err := w.ag.latestActiveSession(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if session == nil || session.Stage != SessionStageConfirmDecline {
		return w.ag.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "This confirmation is no longer active.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
	}

	if !confirmed {
		if err = w.ag.transitionSession(ctx, session, SessionStageAwaitingRequest); err != nil {
			return err
		}
		return w.ag.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: declineResumedDMText,
				},
			},
		)
	}

	claim, err := w.ag.getClaim(ctx, session.GuildID, session.WeekStart, session.UserID)
	if err != nil {
		return err
	}
	if claim != nil {
		if err = w.ag.transitionClaim(ctx, claim, ClaimStatusDeclined); err != nil {
			return err
		}
	}
	if err = w.ag.deactivateSession(ctx, session); err != nil {
		return err
	}

	respondErr := w.ag.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: declinedDMText,
			},
		},
	)
	if respondErr != nil {
		w.logger.Warn("could not acknowledge decline", tint.Err(respondErr))
	}

	w.logger.Info(
		"weekly offer declined, cascading",
		"guild_id", session.GuildID,
		"week_start", session.WeekStart,
		"user_id", session.UserID,
	)
	w.ag.logWeeklyEvent(
		ctx, session.GuildID, session.WeekStart, session.UserID,
		weeklyEventDeclined, "",
	)
	return w.ag.offers.ContactNextEligible(ctx, session.GuildID, session.WeekStart)
}
