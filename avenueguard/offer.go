package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ErrClaimSlotTaken indicates another writer already created the claim
// row for this (guild, week, user).
var ErrClaimSlotTaken = errors.New("claim slot already taken")

// ErrNotEligible indicates the user cannot receive a weekly offer
// (not a member, a bot, or carries the excluded role).
var ErrNotEligible = errors.New("user is not eligible")

// ErrClaimExists indicates the user already has a claim for the week.
var ErrClaimExists = errors.New("user already has a claim for this week")

const requestDMText = "Hey %s! You were one of the most active members " +
	"this week (rank #%d), so you've earned a **weekly level request**!\n\n" +
	"Reply here with your request in this format:\n" +
	"```\nLevel Name: ...\nLevel ID: ...\nCreator: ...\n```\n" +
	"You can also add a video link or notes.\n\n" +
	"If you don't want it, reply exactly: `" + declinePhrase + "`\n" +
	"This offer expires in %d hours."

const reminderDMText = "Friendly reminder: your weekly level request " +
	"slot is still open! Reply with your request, or `" + declinePhrase +
	"` if you'd rather pass. The offer expires %s."

// formatReminderDMText tells the recipient how long they have left
// before the offer expires.
func formatReminderDMText(now time.Time, expiresTS int64) string {
	remaining := time.UnixMilli(expiresTS).Sub(now)
	hours := int(remaining.Round(time.Hour).Hours())
	if hours <= 1 {
		return fmt.Sprintf(reminderDMText, "in less than an hour")
	}
	return fmt.Sprintf(reminderDMText, fmt.Sprintf("in about %d hours", hours))
}

const timeoutDMText = "Your weekly level request offer has expired and " +
	"was passed to the next member. Stay active and you'll get another " +
	"chance soon!"

const thankYouDMText = "Request received, thank you! The team will take " +
	"a look soon."

// offerCandidate is one ranked, eligible member considered for a
// weekly offer.
type offerCandidate struct {
	UserID string
	Rank   int
	Count  int
}

// OfferEngine selects weekly request candidates from the leaderboard and
// drives the offer DMs and the decline/timeout cascade.
type OfferEngine struct {
	ag     *AvenueGuard
	logger *slog.Logger
}

func newOfferEngine(ag *AvenueGuard) *OfferEngine {
	return &OfferEngine{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "offers"),
	}
}

// eligibleMember reports whether the user can receive an offer: present
// in the guild, not a bot, and not carrying the excluded tracking role.
func (o *OfferEngine) eligibleMember(
	guildID string,
	userID string,
) (bool, *discordgo.Member, error) {
	member, err := o.ag.discord.GuildMember(guildID, userID)
	if err != nil {
		return false, nil, err
	}
	if member == nil {
		return false, nil, nil
	}
	if member.User != nil && member.User.Bot {
		return false, member, nil
	}
	excludedRole := o.ag.RuntimeConfig().ExcludedTrackingRoleID
	if excludedRole != "" && stringInSlice(excludedRole, member.Roles) {
		return false, member, nil
	}
	return true, member, nil
}

// rankedCandidates builds the live eligible candidate list for the week:
// top rows by count, filtered to current eligible members, ranked 1-based
// over the filtered order.
func (o *OfferEngine) rankedCandidates(
	ctx context.Context,
	guildID string,
	week string,
) ([]offerCandidate, error) {
	runtimeConfig := o.ag.RuntimeConfig()
	rows, err := o.ag.tracker.TopForWeek(ctx, guildID, week, runtimeConfig.TopLimit)
	if err != nil {
		return nil, err
	}

	var candidates []offerCandidate
	var skippedMissing, skippedExcluded int
	for _, row := range rows {
		eligible, member, e := o.eligibleMember(guildID, row.UserID)
		if e != nil {
			return nil, e
		}
		if !eligible {
			if member == nil {
				skippedMissing++
			} else {
				skippedExcluded++
			}
			continue
		}
		candidates = append(
			candidates,
			offerCandidate{
				UserID: row.UserID,
				Rank:   len(candidates) + 1,
				Count:  row.Count,
			},
		)
	}
	o.logger.Debug(
		"built candidate list",
		"guild_id", guildID,
		"week_start", week,
		"candidates", len(candidates),
		"skipped_excluded", skippedExcluded,
		"skipped_missing", skippedMissing,
	)
	return candidates, nil
}

// RunWeeklyJob contacts ranked candidates for the given week until
// WinnersToDM offers were successfully delivered. A candidate whose DMs
// are closed consumes their slot but does not count toward the target.
func (o *OfferEngine) RunWeeklyJob(
	ctx context.Context,
	guildID string,
	week string,
) error {
	candidates, err := o.rankedCandidates(ctx, guildID, week)
	if err != nil {
		return fmt.Errorf("error building candidate list: %w", err)
	}
	target := o.ag.RuntimeConfig().WinnersToDM
	contacted := 0
	for _, candidate := range candidates {
		if contacted >= target {
			break
		}
		ok, contactErr := o.ContactCandidate(ctx, guildID, week, candidate)
		if contactErr != nil {
			o.logger.Error(
				"error contacting candidate",
				"guild_id", guildID,
				"week_start", week,
				"user_id", candidate.UserID,
				tint.Err(contactErr),
			)
			continue
		}
		if ok {
			contacted++
		}
	}
	o.logger.Info(
		"weekly job finished",
		"guild_id", guildID,
		"week_start", week,
		"contacted", contacted,
		"target", target,
		"candidates", len(candidates),
	)
	return nil
}

// ContactCandidate offers the weekly request slot to one candidate.
//
// Returns (false, nil) without contact if the candidate already has any
// claim row for the week. On a closed-DM failure, a terminal dm_closed
// claim is written so the slot is consumed, the dm-fail channel is
// notified, and (false, nil) is returned. The caller decides whether to
// move on; this call never cascades on its own.
func (o *OfferEngine) ContactCandidate(
	ctx context.Context,
	guildID string,
	week string,
	candidate offerCandidate,
) (bool, error) {
	existing, err := o.ag.getClaim(ctx, guildID, week, candidate.UserID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		o.logger.Debug(
			"candidate already has a claim, skipping",
			claimLogAttrs(*existing)...,
		)
		return false, nil
	}

	runtimeConfig := o.ag.RuntimeConfig()
	now := time.Now()

	member, err := o.ag.discord.GuildMember(guildID, candidate.UserID)
	if err != nil {
		return false, err
	}
	displayName := candidate.UserID
	if member != nil && member.User != nil {
		displayName = member.User.Username
	}

	content := fmt.Sprintf(
		requestDMText,
		displayName,
		candidate.Rank,
		runtimeConfig.DMTimeoutHours,
	)

	_, dmErr := o.ag.discord.SendUserDM(ctx, candidate.UserID, content)
	if dmErr != nil {
		if !errors.Is(dmErr, ErrDMClosed) {
			return false, dmErr
		}
		claim := &WeeklyClaim{
			GuildID:     guildID,
			WeekStart:   week,
			UserID:      candidate.UserID,
			Rank:        candidate.Rank,
			Status:      ClaimStatusDMClosed,
			ContactedTS: now.UnixMilli(),
		}
		created, createErr := o.ag.writeDB.CreateIfAbsent(ctx, claim)
		if createErr != nil {
			return false, createErr
		}
		if created {
			o.ag.discord.notifyChannel(
				runtimeConfig.DMFailLogChannelID,
				fmt.Sprintf(
					"Could not DM <@%s> their weekly request offer (rank #%d): DMs closed.",
					candidate.UserID,
					candidate.Rank,
				),
			)
			o.ag.logWeeklyEvent(
				ctx, guildID, week, candidate.UserID,
				weeklyEventDMClosed,
				fmt.Sprintf("rank #%d", candidate.Rank),
			)
		}
		o.logger.Warn(
			"offer DM undeliverable",
			"guild_id", guildID,
			"week_start", week,
			"user_id", candidate.UserID,
			"rank", candidate.Rank,
		)
		return false, nil
	}

	claim := &WeeklyClaim{
		GuildID:     guildID,
		WeekStart:   week,
		UserID:      candidate.UserID,
		Rank:        candidate.Rank,
		Status:      ClaimStatusPending,
		ContactedTS: now.UnixMilli(),
	}
	created, err := o.ag.writeDB.CreateIfAbsent(ctx, claim)
	if err != nil {
		return false, err
	}
	if !created {
		// Lost the race after the DM went out. The existing claim wins.
		o.logger.Warn(
			"claim slot taken after DM send",
			"guild_id", guildID,
			"week_start", week,
			"user_id", candidate.UserID,
		)
		return false, ErrClaimSlotTaken
	}

	session := &WeeklySession{
		GuildID:   guildID,
		WeekStart: week,
		UserID:    candidate.UserID,
		Stage:     SessionStageAwaitingRequest,
		ExpiresTS: now.Add(runtimeConfig.DMTimeout()).UnixMilli(),
		Active:    true,
	}
	if _, err = o.ag.writeDB.Upsert(
		ctx,
		session,
		[]string{"guild_id", "week_start", "user_id"},
		[]string{
			columnWeeklySessionStage,
			columnWeeklySessionExpiresTS,
			columnWeeklySessionActive,
		},
	); err != nil {
		return false, err
	}

	o.logger.Info(
		"contacted weekly candidate",
		"guild_id", guildID,
		"week_start", week,
		"user_id", candidate.UserID,
		"rank", candidate.Rank,
	)
	o.ag.logWeeklyEvent(
		ctx, guildID, week, candidate.UserID,
		weeklyEventDMSent,
		fmt.Sprintf("rank #%d", candidate.Rank),
	)
	return true, nil
}

// ContactNextEligible recomputes the candidate list and contacts exactly
// the first candidate with no claim row for the week. Used when an offer
// is declined or times out. A failed contact does not advance to the
// next candidate; the sweeper's next pass retries naturally.
func (o *OfferEngine) ContactNextEligible(
	ctx context.Context,
	guildID string,
	week string,
) error {
	candidates, err := o.rankedCandidates(ctx, guildID, week)
	if err != nil {
		return err
	}
	for _, candidate := range candidates {
		existing, e := o.ag.getClaim(ctx, guildID, week, candidate.UserID)
		if e != nil {
			return e
		}
		if existing != nil {
			continue
		}
		_, contactErr := o.ContactCandidate(ctx, guildID, week, candidate)
		return contactErr
	}
	o.logger.Info(
		"no remaining candidates to cascade to",
		"guild_id", guildID,
		"week_start", week,
	)
	return nil
}

// ForceContact lets an admin contact a specific member for the current
// week. An existing claim blocks the contact unless it is dm_closed, in
// which case the stale claim and session rows are deleted and the offer
// is retried at a freshly computed rank.
func (o *OfferEngine) ForceContact(
	ctx context.Context,
	guildID string,
	userID string,
) error {
	eligible, _, err := o.eligibleMember(guildID, userID)
	if err != nil {
		return err
	}
	if !eligible {
		return ErrNotEligible
	}

	week := weekStartKey(time.Now())
	existing, err := o.ag.getClaim(ctx, guildID, week, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status != ClaimStatusDMClosed {
			return fmt.Errorf(
				"%w (status: %s)",
				ErrClaimExists,
				existing.Status,
			)
		}
		// The stale claim and its session go together or not at all.
		err = o.ag.writeDB.Transaction(
			ctx,
			func(tx *gorm.DB) error {
				if e := tx.Unscoped().Where(
					"guild_id = ? AND week_start = ? AND user_id = ?",
					guildID, week, userID,
				).Delete(&WeeklyClaim{}).Error; e != nil {
					return e
				}
				return tx.Unscoped().Where(
					"guild_id = ? AND week_start = ? AND user_id = ?",
					guildID, week, userID,
				).Delete(&WeeklySession{}).Error
			},
		)
		if err != nil {
			return err
		}
	}

	rank, err := o.currentRank(ctx, guildID, week, userID)
	if err != nil {
		return err
	}

	ok, err := o.ContactCandidate(
		ctx,
		guildID,
		week,
		offerCandidate{UserID: userID, Rank: rank},
	)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("could not contact user (DMs closed, or claim exists)")
	}
	return nil
}

// currentRank scans the week's counts and returns the user's 1-based
// rank among eligible members. Users with no counted messages rank after
// everyone who has some.
func (o *OfferEngine) currentRank(
	ctx context.Context,
	guildID string,
	week string,
	userID string,
) (int, error) {
	stats, err := o.ag.tracker.MemberStats(ctx, guildID, week, userID)
	if err != nil {
		return 0, err
	}
	if stats.Rank > 0 {
		return stats.Rank, nil
	}
	return stats.EligibleTotal + 1, nil
}
