package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnWeeklyClaimStatus      = "status"
	columnWeeklyClaimRank        = "rank"
	columnWeeklySessionStage     = "stage"
	columnWeeklySessionActive    = "active"
	columnWeeklySessionExpiresTS = "expires_ts"
	columnWeeklyReminderTS       = "reminded_ts"
)

// ErrInvalidTransition is returned when a claim or session is asked to
// move to a state its current state does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ClaimStatus is the lifecycle state of a weekly request offer.
type ClaimStatus string

const (
	// ClaimStatusPending means the member was DMed and has not yet
	// answered.
	ClaimStatusPending ClaimStatus = "pending"

	// ClaimStatusClaimed means the member submitted a request.
	ClaimStatusClaimed ClaimStatus = "claimed"

	// ClaimStatusDeclined means the member confirmed they do not want
	// the request.
	ClaimStatusDeclined ClaimStatus = "declined"

	// ClaimStatusTimedOut means the offer expired without an answer.
	ClaimStatusTimedOut ClaimStatus = "timed_out"

	// ClaimStatusDMClosed means the offer DM could not be delivered.
	// Set at creation time, never transitioned into from pending.
	ClaimStatusDMClosed ClaimStatus = "dm_closed"
)

func (c ClaimStatus) String() string {
	return string(c)
}

// IsFinal returns true for statuses that end the claim lifecycle.
func (c ClaimStatus) IsFinal() bool {
	switch c {
	case ClaimStatusClaimed, ClaimStatusDeclined, ClaimStatusTimedOut, ClaimStatusDMClosed:
		return true
	}
	return false
}

// ValidTransition reports whether a claim in this status may move to next.
// Final statuses allow no transitions.
func (c ClaimStatus) ValidTransition(next ClaimStatus) bool {
	if c != ClaimStatusPending {
		return false
	}
	switch next {
	case ClaimStatusClaimed, ClaimStatusDeclined, ClaimStatusTimedOut:
		return true
	}
	return false
}

// SessionStage is the stage of an active weekly DM conversation.
type SessionStage string

const (
	// SessionStageAwaitingRequest means the bot is waiting for the
	// member's request submission (or decline).
	SessionStageAwaitingRequest SessionStage = "awaiting_request"

	// SessionStageConfirmDecline means the bot asked the member to
	// confirm their decline and is waiting on the buttons.
	SessionStageConfirmDecline SessionStage = "confirm_decline"
)

func (s SessionStage) String() string {
	return string(s)
}

// ValidTransition reports whether the stage may move to next. The two
// stages only ever flip between each other.
func (s SessionStage) ValidTransition(next SessionStage) bool {
	switch {
	case s == SessionStageAwaitingRequest && next == SessionStageConfirmDecline:
		return true
	case s == SessionStageConfirmDecline && next == SessionStageAwaitingRequest:
		return true
	}
	return false
}

// WeeklyClaim records one member's offer for one week's request slot.
// At most one claim exists per (guild, week, user).
type WeeklyClaim struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"uniqueIndex:idx_weekly_claim;not null" json:"guild_id"`
	WeekStart string `gorm:"uniqueIndex:idx_weekly_claim;not null" json:"week_start"`
	UserID    string `gorm:"uniqueIndex:idx_weekly_claim;not null" json:"user_id"`

	// Rank is the member's 1-based position among eligible members at
	// the time they were contacted.
	Rank int `gorm:"not null" json:"rank"`

	Status ClaimStatus `gorm:"type:string;not null" json:"status"`

	// ContactedTS is when the offer DM was sent, unix millis.
	ContactedTS int64 `json:"contacted_ts"`
}

// WeeklySession tracks the DM conversation attached to a pending claim.
type WeeklySession struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"uniqueIndex:idx_weekly_session;not null" json:"guild_id"`
	WeekStart string `gorm:"uniqueIndex:idx_weekly_session;not null" json:"week_start"`
	UserID    string `gorm:"uniqueIndex:idx_weekly_session;not null" json:"user_id"`

	Stage SessionStage `gorm:"type:string;not null" json:"stage"`

	// ExpiresTS is the offer deadline, unix millis.
	ExpiresTS int64 `json:"expires_ts"`

	Active bool `gorm:"not null;default:false" json:"active"`
}

// Expired reports whether the session deadline has passed at now.
func (s WeeklySession) Expired(now time.Time) bool {
	return s.ExpiresTS <= now.UnixMilli()
}

// WeeklyReminder records that a reminder DM was sent for a pending offer.
type WeeklyReminder struct {
	ModelUintID
	ModelUnixTime
	GuildID    string `gorm:"uniqueIndex:idx_weekly_reminder;not null" json:"guild_id"`
	WeekStart  string `gorm:"uniqueIndex:idx_weekly_reminder;not null" json:"week_start"`
	UserID     string `gorm:"uniqueIndex:idx_weekly_reminder;not null" json:"user_id"`
	RemindedTS int64  `json:"reminded_ts"`
}

// WeeklyRun is the idempotence ledger for the weekly job. A row for a
// week means the rollover already ran for that week.
type WeeklyRun struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"uniqueIndex:idx_weekly_run;not null" json:"guild_id"`
	WeekStart string `gorm:"uniqueIndex:idx_weekly_run;not null" json:"week_start"`
	RanTS     int64  `json:"ran_ts"`
}

// Weekly audit event names, posted to the log channel and persisted in
// weekly_event_logs.
const (
	weeklyEventDMSent       = "dm_sent"
	weeklyEventDMClosed     = "dm_closed"
	weeklyEventReminderSent = "reminder_sent"
	weeklyEventTimedOut     = "timed_out"
	weeklyEventClaimed      = "claimed"
	weeklyEventDeclined     = "declined"
)

// WeeklyEventLog is the audit trail of the weekly workflow. One row per
// event per member, mirrored as an embed in the log channel.
type WeeklyEventLog struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"index;not null" json:"guild_id"`
	WeekStart string `gorm:"index;not null" json:"week_start"`
	UserID    string `gorm:"not null" json:"user_id"`
	Event     string `gorm:"not null" json:"event"`
	Detail    string `json:"detail"`
}

// logWeeklyEvent records a weekly workflow event and mirrors it to the
// log channel. Failures are logged, never returned: the workflow itself
// must not stall on its audit trail.
func (ag *AvenueGuard) logWeeklyEvent(
	ctx context.Context,
	guildID string,
	week string,
	userID string,
	event string,
	detail string,
) {
	row := WeeklyEventLog{
		GuildID:   guildID,
		WeekStart: week,
		UserID:    userID,
		Event:     event,
		Detail:    detail,
	}
	if _, err := ag.writeDB.Create(ctx, &row); err != nil {
		ag.logger.Error(
			"error recording weekly event",
			"event", event,
			"user_id", userID,
			tint.Err(err),
		)
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Weekly: %s", event),
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Member", Value: fmt.Sprintf("<@%s>", userID), Inline: true},
			{Name: "Week", Value: week, Inline: true},
		},
	}
	if detail != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Detail", Value: detail},
		)
	}
	ag.discord.notifyChannelEmbed(ag.RuntimeConfig().LogChannelID, embed)
}

// transitionClaim validates and applies a claim status change.
func (ag *AvenueGuard) transitionClaim(
	ctx context.Context,
	claim *WeeklyClaim,
	next ClaimStatus,
) error {
	if !claim.Status.ValidTransition(next) {
		return fmt.Errorf(
			"%w: claim %s -> %s",
			ErrInvalidTransition,
			claim.Status,
			next,
		)
	}
	prev := claim.Status
	claim.Status = next
	if _, err := ag.writeDB.Update(
		ctx,
		claim,
		columnWeeklyClaimStatus,
		next,
	); err != nil {
		claim.Status = prev
		return err
	}
	return nil
}

// transitionSession validates and applies a session stage change.
func (ag *AvenueGuard) transitionSession(
	ctx context.Context,
	session *WeeklySession,
	next SessionStage,
) error {
	if !session.Stage.ValidTransition(next) {
		return fmt.Errorf(
			"%w: session %s -> %s",
			ErrInvalidTransition,
			session.Stage,
			next,
		)
	}
	prev := session.Stage
	session.Stage = next
	if _, err := ag.writeDB.Update(
		ctx,
		session,
		columnWeeklySessionStage,
		next,
	); err != nil {
		session.Stage = prev
		return err
	}
	return nil
}

// deactivateSession clears the active flag, ending the DM conversation.
func (ag *AvenueGuard) deactivateSession(
	ctx context.Context,
	session *WeeklySession,
) error {
	session.Active = false
	_, err := ag.writeDB.Update(ctx, session, columnWeeklySessionActive, false)
	return err
}

// getClaim loads the claim for (guild, week, user), or nil if none exists.
func (ag *AvenueGuard) getClaim(
	ctx context.Context,
	guildID string,
	week string,
	userID string,
) (*WeeklyClaim, error) {
	var claim WeeklyClaim
	err := ag.db.WithContext(ctx).Where(
		"guild_id = ? AND week_start = ? AND user_id = ?",
		guildID, week, userID,
	).First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// getSession loads the session for (guild, week, user), or nil.
func (ag *AvenueGuard) getSession(
	ctx context.Context,
	guildID string,
	week string,
	userID string,
) (*WeeklySession, error) {
	var session WeeklySession
	err := ag.db.WithContext(ctx).Where(
		"guild_id = ? AND week_start = ? AND user_id = ?",
		guildID, week, userID,
	).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// latestActiveSession returns the user's most recent active session,
// newest week first, or nil if they have none.
func (ag *AvenueGuard) latestActiveSession(
	ctx context.Context,
	guildID string,
	userID string,
) (*WeeklySession, error) {
	var session WeeklySession
	err := ag.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND active = ?",
		guildID, userID, true,
	).Order("week_start desc").First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}
