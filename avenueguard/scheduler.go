package avenueguard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Scheduler drives the two polling loops: the weekly rollover and the
// offer sweeper (timeouts and reminders).
//
// Both loops are deliberately dumb pollers. The weekly rollover is made
// idempotent by a [WeeklyRun] ledger row rather than by scheduling
// machinery, so a missed tick, a crash mid-run, or a restart all resolve
// on the next tick.
type Scheduler struct {
	ag     *AvenueGuard
	logger *slog.Logger

	weeklyInterval time.Duration
	sweepInterval  time.Duration
}

func newScheduler(ag *AvenueGuard) *Scheduler {
	return &Scheduler{
		ag:             ag,
		logger:         ag.logger.With(loggerNameKey, "scheduler"),
		weeklyInterval: DefaultWeeklyPollInterval,
		sweepInterval:  DefaultSweepInterval,
	}
}

// weeklyLoop polls for the weekly rollover until ctx is cancelled.
// Errors are logged and swallowed; the next tick retries.
func (s *Scheduler) weeklyLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.weeklyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("weekly loop stopping")
			return nil
		case <-ticker.C:
			if s.ag.RuntimeConfig().Paused {
				continue
			}
			if err := s.weeklyTick(ctx, time.Now()); err != nil {
				s.logger.Error("weekly tick failed", tint.Err(err))
			}
		}
	}
}

// weeklyTick runs the weekly rollover if it has not run for the current
// week: offer the previous week's slots, record the ledger row, purge
// the previous week's counts.
func (s *Scheduler) weeklyTick(ctx context.Context, now time.Time) error {
	guildID := s.ag.config.Discord.GuildID
	thisWeek := weekStartKey(now)

	var run WeeklyRun
	err := s.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND week_start = ?",
		guildID, thisWeek,
	).First(&run).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	previousWeek := previousWeekStart(now).Format(weekKeyLayout)
	s.logger.Info(
		"starting weekly rollover",
		"guild_id", guildID,
		"week_start", thisWeek,
		"offer_week", previousWeek,
	)

	if err = s.ag.offers.RunWeeklyJob(ctx, guildID, previousWeek); err != nil {
		return err
	}

	// Ledger row first: once written, this week's rollover never
	// repeats, even if the purge below fails.
	created, err := s.ag.writeDB.CreateIfAbsent(
		ctx,
		&WeeklyRun{
			GuildID:   guildID,
			WeekStart: thisWeek,
			RanTS:     now.UnixMilli(),
		},
	)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Warn(
			"weekly run ledger row already present",
			"guild_id", guildID,
			"week_start", thisWeek,
		)
		return nil
	}

	return s.ag.tracker.PurgeWeek(ctx, guildID, previousWeek)
}

// sweeperLoop polls for expired offers and due reminders until ctx is
// cancelled.
func (s *Scheduler) sweeperLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper loop stopping")
			return nil
		case <-ticker.C:
			if s.ag.RuntimeConfig().Paused {
				continue
			}
			s.sweep(ctx, time.Now())
		}
	}
}

// sweep processes timeouts before reminders, so an offer that expired
// since the last pass times out rather than getting a useless reminder.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	if err := s.processTimeouts(ctx, now); err != nil {
		s.logger.Error("error processing offer timeouts", tint.Err(err))
	}
	if err := s.processReminders(ctx, now); err != nil {
		s.logger.Error("error processing offer reminders", tint.Err(err))
	}
	if err := s.ag.tickets.scanInactive(ctx, now); err != nil {
		s.logger.Error("error scanning inactive tickets", tint.Err(err))
	}
}

// processTimeouts expires active sessions past their deadline: best-effort
// timeout DM, claim to timed_out, session deactivated, cascade to the
// next candidate.
func (s *Scheduler) processTimeouts(ctx context.Context, now time.Time) error {
	var sessions []WeeklySession
	err := s.ag.db.WithContext(ctx).Where(
		"active = ? AND expires_ts <= ?",
		true, now.UnixMilli(),
	).Find(&sessions).Error
	if err != nil {
		return err
	}

	for i := range sessions {
		session := &sessions[i]
		log := s.logger.With(
			"guild_id", session.GuildID,
			"week_start", session.WeekStart,
			"user_id", session.UserID,
		)

		if _, dmErr := s.ag.discord.SendUserDM(
			ctx,
			session.UserID,
			timeoutDMText,
		); dmErr != nil {
			log.Warn("could not send timeout DM", tint.Err(dmErr))
		}

		claim, claimErr := s.ag.getClaim(
			ctx,
			session.GuildID,
			session.WeekStart,
			session.UserID,
		)
		if claimErr != nil {
			log.Error("error loading claim for expired session", tint.Err(claimErr))
			continue
		}
		if claim != nil && claim.Status == ClaimStatusPending {
			if transitionErr := s.ag.transitionClaim(
				ctx,
				claim,
				ClaimStatusTimedOut,
			); transitionErr != nil {
				log.Error("error timing out claim", tint.Err(transitionErr))
				continue
			}
		}
		if deactivateErr := s.ag.deactivateSession(ctx, session); deactivateErr != nil {
			log.Error("error deactivating session", tint.Err(deactivateErr))
			continue
		}

		log.Info("weekly offer timed out, cascading")
		s.ag.logWeeklyEvent(
			ctx, session.GuildID, session.WeekStart, session.UserID,
			weeklyEventTimedOut, "",
		)
		if cascadeErr := s.ag.offers.ContactNextEligible(
			ctx,
			session.GuildID,
			session.WeekStart,
		); cascadeErr != nil {
			log.Error("error cascading after timeout", tint.Err(cascadeErr))
		}
	}
	return nil
}

// processReminders sends reminder DMs for pending offers that have gone
// unanswered for ReminderAfterHours. ReminderRepeatHours of zero means a
// single reminder per offer.
func (s *Scheduler) processReminders(ctx context.Context, now time.Time) error {
	runtimeConfig := s.ag.RuntimeConfig()

	var sessions []WeeklySession
	err := s.ag.db.WithContext(ctx).Where(
		"active = ? AND stage = ? AND expires_ts > ?",
		true, SessionStageAwaitingRequest, now.UnixMilli(),
	).Find(&sessions).Error
	if err != nil {
		return err
	}

	for i := range sessions {
		session := sessions[i]
		log := s.logger.With(
			"guild_id", session.GuildID,
			"week_start", session.WeekStart,
			"user_id", session.UserID,
		)

		claim, claimErr := s.ag.getClaim(
			ctx,
			session.GuildID,
			session.WeekStart,
			session.UserID,
		)
		if claimErr != nil {
			log.Error("error loading claim for reminder", tint.Err(claimErr))
			continue
		}
		if claim == nil || claim.Status != ClaimStatusPending {
			continue
		}
		if now.UnixMilli() < claim.ContactedTS+runtimeConfig.ReminderAfter().Milliseconds() {
			continue
		}

		var reminder WeeklyReminder
		reminderErr := s.ag.db.WithContext(ctx).Where(
			"guild_id = ? AND week_start = ? AND user_id = ?",
			session.GuildID, session.WeekStart, session.UserID,
		).First(&reminder).Error
		if reminderErr != nil && !errors.Is(reminderErr, gorm.ErrRecordNotFound) {
			log.Error("error loading reminder row", tint.Err(reminderErr))
			continue
		}
		if reminderErr == nil {
			repeat := runtimeConfig.ReminderRepeat()
			if repeat <= 0 {
				continue
			}
			if now.UnixMilli() < reminder.RemindedTS+repeat.Milliseconds() {
				continue
			}
		}

		if _, dmErr := s.ag.discord.SendUserDM(
			ctx,
			session.UserID,
			formatReminderDMText(now, session.ExpiresTS),
		); dmErr != nil {
			log.Warn("reminder DM failed", tint.Err(dmErr))
		}

		// Record the attempt either way so a permanently closed DM
		// doesn't retry every sweep.
		if _, upsertErr := s.ag.writeDB.Upsert(
			ctx,
			&WeeklyReminder{
				GuildID:    session.GuildID,
				WeekStart:  session.WeekStart,
				UserID:     session.UserID,
				RemindedTS: now.UnixMilli(),
			},
			[]string{"guild_id", "week_start", "user_id"},
			[]string{columnWeeklyReminderTS},
		); upsertErr != nil {
			log.Error("error recording reminder", tint.Err(upsertErr))
			continue
		}
		log.Info("sent weekly offer reminder")
		s.ag.logWeeklyEvent(
			ctx, session.GuildID, session.WeekStart, session.UserID,
			weeklyEventReminderSent, "",
		)
	}
	return nil
}
