package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

const (
	customIDRPSRock     = "rps_rock"
	customIDRPSPaper    = "rps_paper"
	customIDRPSScissors = "rps_scissors"
)

var slotSymbols = []string{"🍒", "🍋", "🍇", "🔔", "💎", "7️⃣"}

var rpsBeats = map[string]string{
	customIDRPSRock:     customIDRPSScissors,
	customIDRPSPaper:    customIDRPSRock,
	customIDRPSScissors: customIDRPSPaper,
}

var rpsEmoji = map[string]string{
	customIDRPSRock:     "🪨",
	customIDRPSPaper:    "📄",
	customIDRPSScissors: "✂️",
}

// RPSStreak tracks a member's rock-paper-scissors win streak.
type RPSStreak struct {
	ModelUintID
	ModelUnixTime
	GuildID string `gorm:"uniqueIndex:idx_rps_streak;not null" json:"guild_id"`
	UserID  string `gorm:"uniqueIndex:idx_rps_streak;not null" json:"user_id"`
	Streak  int    `gorm:"not null;default:0" json:"streak"`
	Best    int    `gorm:"not null;default:0" json:"best"`
}

// Games holds the small interactive commands: rock-paper-scissors with
// persisted win streaks, and a slot machine.
type Games struct {
	ag     *AvenueGuard
	logger *slog.Logger
}

func newGames(ag *AvenueGuard) *Games {
	return &Games{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "games"),
	}
}

func (g *Games) startRPS(_ context.Context, i *discordgo.InteractionCreate) error {
	return g.ag.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Rock, paper, scissors... pick one!",
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label:    "Rock",
								Emoji:    &discordgo.ComponentEmoji{Name: "🪨"},
								Style:    discordgo.SecondaryButton,
								CustomID: customIDRPSRock,
							},
							discordgo.Button{
								Label:    "Paper",
								Emoji:    &discordgo.ComponentEmoji{Name: "📄"},
								Style:    discordgo.SecondaryButton,
								CustomID: customIDRPSPaper,
							},
							discordgo.Button{
								Label:    "Scissors",
								Emoji:    &discordgo.ComponentEmoji{Name: "✂️"},
								Style:    discordgo.SecondaryButton,
								CustomID: customIDRPSScissors,
							},
						},
					},
				},
			},
		},
	)
}

func (g *Games) handleRPSChoice(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	choice string,
) error {
	userID := interactionUserID(i)
	if userID == "" {
		return nil
	}
	botChoice := []string{
		customIDRPSRock,
		customIDRPSPaper,
		customIDRPSScissors,
	}[rand.Intn(3)]

	var result string
	switch {
	case choice == botChoice:
		result = "It's a draw!"
	case rpsBeats[choice] == botChoice:
		streak, err := g.recordRPSWin(ctx, userID)
		if err != nil {
			g.logger.Warn("could not record rps win", "user_id", userID)
		}
		result = fmt.Sprintf("You win! Streak: **%d**", streak)
	default:
		if err := g.resetRPSStreak(ctx, userID); err != nil {
			g.logger.Warn("could not reset rps streak", "user_id", userID)
		}
		result = "I win! Streak reset."
	}

	return g.ag.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf(
					"You: %s  Me: %s\n%s",
					rpsEmoji[choice],
					rpsEmoji[botChoice],
					result,
				),
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}

func (g *Games) recordRPSWin(ctx context.Context, userID string) (int, error) {
	guildID := g.ag.config.Discord.GuildID

	var streak RPSStreak
	err := g.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID, userID,
	).First(&streak).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		streak = RPSStreak{GuildID: guildID, UserID: userID}
	}
	streak.Streak++
	if streak.Streak > streak.Best {
		streak.Best = streak.Streak
	}
	_, err = g.ag.writeDB.Save(ctx, &streak)
	return streak.Streak, err
}

func (g *Games) resetRPSStreak(ctx context.Context, userID string) error {
	_, err := g.ag.writeDB.UpdatesWhere(
		ctx,
		&RPSStreak{},
		map[string]any{"streak": 0},
		"guild_id = ? AND user_id = ?",
		g.ag.config.Discord.GuildID, userID,
	)
	return err
}

func (g *Games) handleSlots(_ context.Context, i *discordgo.InteractionCreate) error {
	reels := []string{
		slotSymbols[rand.Intn(len(slotSymbols))],
		slotSymbols[rand.Intn(len(slotSymbols))],
		slotSymbols[rand.Intn(len(slotSymbols))],
	}
	var outcome string
	switch {
	case reels[0] == reels[1] && reels[1] == reels[2]:
		outcome = "JACKPOT! 🎉"
	case reels[0] == reels[1] || reels[1] == reels[2] || reels[0] == reels[2]:
		outcome = "So close! Two of a kind."
	default:
		outcome = "No luck this time."
	}
	return g.ag.respondContent(
		i,
		fmt.Sprintf("🎰 %s | %s | %s\n%s", reels[0], reels[1], reels[2], outcome),
		false,
	)
}
