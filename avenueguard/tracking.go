package avenueguard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnActivityCount         = "count"
	columnActivityLastCountedTS = "last_ts"
)

// ActivityCount is one member's message count for one week.
type ActivityCount struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"uniqueIndex:idx_activity_count;not null" json:"guild_id"`
	UserID    string `gorm:"uniqueIndex:idx_activity_count;not null" json:"user_id"`
	WeekStart string `gorm:"uniqueIndex:idx_activity_count;not null" json:"week_start"`
	Count     int    `gorm:"not null;default:0" json:"count"`
}

// ActivityLastCounted is the cooldown marker for a member's most
// recently counted message.
type ActivityLastCounted struct {
	ModelUintID
	ModelUnixTime
	GuildID string `gorm:"uniqueIndex:idx_activity_last_counted;not null" json:"guild_id"`
	UserID  string `gorm:"uniqueIndex:idx_activity_last_counted;not null" json:"user_id"`

	// LastTS is when the member's last counted message arrived, unix millis.
	LastTS int64 `gorm:"column:last_ts" json:"last_ts"`
}

// ActivityTracker counts guild messages into weekly buckets.
type ActivityTracker struct {
	ag     *AvenueGuard
	logger *slog.Logger
}

func newActivityTracker(ag *AvenueGuard) *ActivityTracker {
	return &ActivityTracker{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "tracking"),
	}
}

// MemberStats is the result of [ActivityTracker.MemberStats].
type MemberStats struct {
	Count int `json:"count"`

	// Rank is the member's 1-based position among eligible members,
	// or 0 if the member has no counted messages this week.
	Rank int `json:"rank"`

	// EligibleTotal is the number of eligible members with counted
	// messages this week.
	EligibleTotal int `json:"eligible_total"`
}

// CountMessage applies the counting rules to an incoming guild message.
// Uncountable messages (bots, other guilds, excluded channels or roles,
// cooldown) are skipped silently.
func (t *ActivityTracker) CountMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) error {
	if m.Author == nil || m.Author.Bot {
		return nil
	}
	if m.GuildID == "" || m.GuildID != t.ag.config.Discord.GuildID {
		return nil
	}
	runtimeConfig := t.ag.RuntimeConfig()
	if runtimeConfig.Paused {
		return nil
	}
	if stringInSlice(m.ChannelID, runtimeConfig.ExcludedTrackingChannels()) {
		return nil
	}
	// Bot command chatter never counts toward activity.
	if stringInSlice(m.ChannelID, runtimeConfig.BotCommandsChannels()) {
		return nil
	}
	if runtimeConfig.ExcludedTrackingRoleID != "" && m.Member != nil {
		if stringInSlice(runtimeConfig.ExcludedTrackingRoleID, m.Member.Roles) {
			return nil
		}
	}

	now := time.Now()
	cooldown := time.Duration(runtimeConfig.CountCooldownSeconds) * time.Second

	if cooldown > 0 {
		var lastCounted ActivityLastCounted
		err := t.ag.db.WithContext(ctx).Where(
			"guild_id = ? AND user_id = ?",
			m.GuildID, m.Author.ID,
		).First(&lastCounted).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && now.UnixMilli()-lastCounted.LastTS < cooldown.Milliseconds() {
			return nil
		}
	}

	week := weekStartKey(now)

	t.ag.writeDB.Lock()
	defer t.ag.writeDB.Unlock()

	db := t.ag.writeDB.DB().WithContext(ctx)

	err := db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"}, {Name: "user_id"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{columnActivityLastCountedTS: now.UnixMilli()},
			),
		},
	).Create(
		&ActivityLastCounted{
			GuildID: m.GuildID,
			UserID:  m.Author.ID,
			LastTS:  now.UnixMilli(),
		},
	).Error
	if err != nil {
		return err
	}

	err = db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"}, {Name: "user_id"}, {Name: "week_start"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{columnActivityCount: gorm.Expr("count + 1")},
			),
		},
	).Create(
		&ActivityCount{
			GuildID:   m.GuildID,
			UserID:    m.Author.ID,
			WeekStart: week,
			Count:     1,
		},
	).Error
	if err != nil {
		t.logger.Error(
			"error incrementing activity count",
			"guild_id", m.GuildID,
			"user_id", m.Author.ID,
			"week_start", week,
			tint.Err(err),
		)
	}
	return err
}

// TopForWeek returns up to limit rows for the week, highest count first.
func (t *ActivityTracker) TopForWeek(
	ctx context.Context,
	guildID string,
	week string,
	limit int,
) ([]ActivityCount, error) {
	var rows []ActivityCount
	err := t.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND week_start = ?",
		guildID, week,
	).Order("count desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// MemberStats returns the member's count for the week, and their rank
// among eligible members. Rank is computed over the full week scan, so
// members outside the top rows still get an accurate position.
func (t *ActivityTracker) MemberStats(
	ctx context.Context,
	guildID string,
	week string,
	userID string,
) (MemberStats, error) {
	var stats MemberStats

	var rows []ActivityCount
	err := t.ag.db.WithContext(ctx).Where(
		"guild_id = ? AND week_start = ?",
		guildID, week,
	).Order("count desc").Find(&rows).Error
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		eligible, _, e := t.ag.offers.eligibleMember(guildID, row.UserID)
		if e != nil {
			return stats, e
		}
		if !eligible {
			continue
		}
		stats.EligibleTotal++
		if row.UserID == userID {
			stats.Count = row.Count
			stats.Rank = stats.EligibleTotal
		}
	}
	return stats, nil
}

// WeekMessageTotal returns the summed message count for the week.
func (t *ActivityTracker) WeekMessageTotal(
	ctx context.Context,
	guildID string,
	week string,
) (int64, error) {
	var total int64
	err := t.ag.db.WithContext(ctx).Model(&ActivityCount{}).Where(
		"guild_id = ? AND week_start = ?",
		guildID, week,
	).Select("coalesce(sum(count), 0)").Scan(&total).Error
	return total, err
}

// WeekCounterRows returns the number of members with at least one
// counted message in the week.
func (t *ActivityTracker) WeekCounterRows(
	ctx context.Context,
	guildID string,
	week string,
) (int64, error) {
	var rows int64
	err := t.ag.db.WithContext(ctx).Model(&ActivityCount{}).Where(
		"guild_id = ? AND week_start = ?",
		guildID, week,
	).Count(&rows).Error
	return rows, err
}

// ResetCurrentWeek deletes the current week's counts and all cooldown
// markers for the guild.
func (t *ActivityTracker) ResetCurrentWeek(
	ctx context.Context,
	guildID string,
) error {
	week := weekStartKey(time.Now())
	if _, err := t.ag.writeDB.DeleteWhere(
		ctx,
		&ActivityCount{},
		"guild_id = ? AND week_start = ?",
		guildID, week,
	); err != nil {
		return err
	}
	_, err := t.ag.writeDB.DeleteWhere(
		ctx,
		&ActivityLastCounted{},
		"guild_id = ?",
		guildID,
	)
	if err == nil {
		t.logger.Info("reset current week", "guild_id", guildID, "week_start", week)
	}
	return err
}

// PurgeWeek deletes the activity counts for the given week.
func (t *ActivityTracker) PurgeWeek(
	ctx context.Context,
	guildID string,
	week string,
) error {
	rows, err := t.ag.writeDB.DeleteWhere(
		ctx,
		&ActivityCount{},
		"guild_id = ? AND week_start = ?",
		guildID, week,
	)
	if err == nil {
		t.logger.Info(
			"purged week activity",
			"guild_id", guildID,
			"week_start", week,
			"rows", rows,
		)
	}
	return err
}
