package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandTracking     = "tracking"
	commandTicket       = "ticket"
	commandDance        = "dance"
	commandRPS          = "rock-paper-scissors"
	commandGambling     = "gambling"
	commandConfigReload = "config-reload"

	subcommandTrackingTop     = "top"
	subcommandTrackingMe      = "me"
	subcommandTrackingForceDM = "force-dm"
	subcommandTrackingReset   = "reset"

	subcommandTicketOpen       = "open"
	subcommandTicketClose      = "close"
	subcommandTicketTranscript = "transcript"
)

const danceGIF = "https://media.tenor.com/images/dance-party.gif"

// applicationCommands returns the guild slash command definitions.
func applicationCommands() []*discordgo.ApplicationCommand {
	manageServer := int64(discordgo.PermissionManageServer)
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandTracking,
			Description: "Weekly activity tracking",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTrackingTop,
					Description: "Show this week's most active members",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTrackingMe,
					Description: "Show your own activity stats for this week",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTrackingForceDM,
					Description: "Send the weekly request offer to a member (admin)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "Member to contact",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTrackingReset,
					Description: "Reset the current week's counts (admin)",
				},
			},
		},
		{
			Name:        commandTicket,
			Description: "Support tickets",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTicketOpen,
					Description: "Open a new support ticket",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTicketClose,
					Description: "Close the ticket in this channel (moderator)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTicketTranscript,
					Description: "Request the transcript of one of your tickets",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "ticket",
							Description: "Ticket number (like T12) or channel",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:        commandDance,
			Description: "Dance!",
		},
		{
			Name:        commandRPS,
			Description: "Play rock-paper-scissors against the bot",
		},
		{
			Name:                     commandGambling,
			Description:              "Spin the slot machine",
			DefaultMemberPermissions: nil,
		},
		{
			Name:                     commandConfigReload,
			Description:              "Reload the bot's runtime configuration (admin)",
			DefaultMemberPermissions: &manageServer,
		},
	}
}

// handlerInteractionCreate dispatches slash commands and message
// components.
func (ag *AvenueGuard) handlerInteractionCreate() func(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), ag.logger)

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			ag.handleApplicationCommand(ctx, i)
		case discordgo.InteractionMessageComponent:
			ag.handleMessageComponent(ctx, i)
		default:
			ag.logger.Debug(
				"ignoring interaction",
				interactionLogAttrs(*i)...,
			)
		}
	}
}

func (ag *AvenueGuard) handleMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	customID := i.MessageComponentData().CustomID
	var err error
	switch customID {
	case customIDDeclineYes:
		err = ag.weeklyDM.HandleDeclineComponent(ctx, i, true)
	case customIDDeclineNo:
		err = ag.weeklyDM.HandleDeclineComponent(ctx, i, false)
	case customIDRPSRock, customIDRPSPaper, customIDRPSScissors:
		err = ag.games.handleRPSChoice(ctx, i, customID)
	case customIDTicketCloseYes:
		err = ag.tickets.HandleCloseComponent(ctx, i, true)
	case customIDTicketCloseNo:
		err = ag.tickets.HandleCloseComponent(ctx, i, false)
	case customIDTranscriptApprove:
		err = ag.tickets.HandleTranscriptDecision(ctx, i, true)
	case customIDTranscriptDeny:
		err = ag.tickets.HandleTranscriptDecision(ctx, i, false)
	default:
		ag.logger.Debug("unknown component", "custom_id", customID)
		return
	}
	if err != nil {
		ag.logger.Error(
			"error handling component",
			append(interactionLogAttrs(*i), tint.Err(err))...,
		)
	}
}

func (ag *AvenueGuard) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.GuildID != "" && i.GuildID != ag.config.Discord.GuildID {
		return
	}
	data := i.ApplicationCommandData()

	var err error
	switch data.Name {
	case commandTracking:
		err = ag.handleTrackingCommand(ctx, i)
	case commandTicket:
		err = ag.tickets.HandleCommand(ctx, i)
	case commandDance:
		err = ag.respondContent(i, danceGIF, false)
	case commandRPS:
		err = ag.games.startRPS(ctx, i)
	case commandGambling:
		err = ag.games.handleSlots(ctx, i)
	case commandConfigReload:
		err = ag.handleConfigReload(ctx, i)
	default:
		ag.logger.Warn("unknown command", "command", data.Name)
		return
	}
	if err != nil {
		ag.logger.Error(
			"error handling command",
			append(interactionLogAttrs(*i), "command", data.Name, tint.Err(err))...,
		)
	}
}

// commandChannelAllowed enforces the bot-commands channel list for
// non-admin commands. An empty list allows every channel.
func (ag *AvenueGuard) commandChannelAllowed(i *discordgo.InteractionCreate) bool {
	allowed := ag.RuntimeConfig().BotCommandsChannels()
	if len(allowed) == 0 {
		return true
	}
	return stringInSlice(i.ChannelID, allowed)
}

func interactionIsAdmin(i *discordgo.InteractionCreate) bool {
	return i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionManageServer != 0
}

func (ag *AvenueGuard) respondContent(
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) error {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return ag.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
}

func (ag *AvenueGuard) respondEmbed(
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
) error {
	return ag.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

func (ag *AvenueGuard) handleTrackingCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	sub := data.Options[0]

	switch sub.Name {
	case subcommandTrackingTop, subcommandTrackingMe:
		if !ag.commandChannelAllowed(i) {
			return ag.respondContent(
				i,
				"Please use the bot commands channel for this.",
				true,
			)
		}
	case subcommandTrackingForceDM, subcommandTrackingReset:
		if !interactionIsAdmin(i) {
			return ag.respondContent(
				i,
				"You need the Manage Server permission for this.",
				true,
			)
		}
	}

	switch sub.Name {
	case subcommandTrackingTop:
		return ag.handleTrackingTop(ctx, i)
	case subcommandTrackingMe:
		return ag.handleTrackingMe(ctx, i)
	case subcommandTrackingForceDM:
		return ag.handleTrackingForceDM(ctx, i, sub)
	case subcommandTrackingReset:
		if err := ag.tracker.ResetCurrentWeek(ctx, ag.config.Discord.GuildID); err != nil {
			return err
		}
		return ag.respondContent(i, "Current week's activity counts were reset.", true)
	}
	return nil
}

func (ag *AvenueGuard) handleTrackingTop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	guildID := ag.config.Discord.GuildID
	week := weekStartKey(time.Now())
	rows, err := ag.tracker.TopForWeek(
		ctx,
		guildID,
		week,
		ag.RuntimeConfig().TopLimit,
	)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ag.respondContent(i, "No activity counted yet this week.", false)
	}

	var b strings.Builder
	for n, row := range rows {
		fmt.Fprintf(&b, "%d. <@%s>: %d messages\n", n+1, row.UserID, row.Count)
	}
	return ag.respondEmbed(
		i,
		&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("Most active members (week of %s)", week),
			Description: b.String(),
			Color:       embedColorInfo,
		},
	)
}

func (ag *AvenueGuard) handleTrackingMe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	userID := interactionUserID(i)
	week := weekStartKey(time.Now())
	stats, err := ag.tracker.MemberStats(
		ctx,
		ag.config.Discord.GuildID,
		week,
		userID,
	)
	if err != nil {
		return err
	}
	if stats.Count == 0 {
		return ag.respondContent(
			i,
			"You have no counted messages this week yet.",
			true,
		)
	}
	return ag.respondContent(
		i,
		fmt.Sprintf(
			"This week you have **%d** counted messages, rank **#%d** of %d eligible members.",
			stats.Count,
			stats.Rank,
			stats.EligibleTotal,
		),
		true,
	)
}

func (ag *AvenueGuard) handleTrackingForceDM(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) error {
	options := discordInteractionOptions(sub.Options)
	userOption, ok := options["user"]
	if !ok {
		return ag.respondContent(i, "Missing user option.", true)
	}
	userID, ok := userOption.Value.(string)
	if !ok {
		return ag.respondContent(i, "Missing user option.", true)
	}

	err := ag.offers.ForceContact(ctx, ag.config.Discord.GuildID, userID)
	switch {
	case err == nil:
		return ag.respondContent(
			i,
			fmt.Sprintf("Sent the weekly request offer to <@%s>.", userID),
			true,
		)
	case errors.Is(err, ErrNotEligible):
		return ag.respondContent(
			i,
			"That user is not eligible (not a member, a bot, or excluded from tracking).",
			true,
		)
	case errors.Is(err, ErrClaimExists):
		return ag.respondContent(
			i,
			fmt.Sprintf("Could not contact <@%s>: %s", userID, err.Error()),
			true,
		)
	default:
		return err
	}
}

func (ag *AvenueGuard) handleConfigReload(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	if !interactionIsAdmin(i) {
		return ag.respondContent(
			i,
			"You need the Manage Server permission for this.",
			true,
		)
	}
	if err := ag.refreshRuntimeConfig(ctx); err != nil {
		return ag.respondContent(
			i,
			fmt.Sprintf("Reload failed: %s", err.Error()),
			true,
		)
	}
	return ag.respondContent(i, "Runtime configuration reloaded.", true)
}
