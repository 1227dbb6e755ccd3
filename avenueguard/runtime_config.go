package avenueguard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigPaused = "paused"
)

// RuntimeConfig holds the bot's mutable operational settings, persisted
// in the `config` table. Every component reads the current values through
// [AvenueGuard.RuntimeConfig] at the moment of use, so edits to the row
// take effect within one refresh interval without a restart.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops activity counting and the weekly loops.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// CountCooldownSeconds is the minimum gap between two counted
	// messages from the same member.
	CountCooldownSeconds int `json:"count_cooldown_seconds" gorm:"default:10" binding:"min=0"`

	// TopLimit is how many leaderboard rows are considered when
	// selecting weekly request candidates.
	TopLimit int `json:"top_limit" gorm:"default:20" binding:"min=1"`

	// WinnersToDM is how many successful offers the weekly job makes.
	WinnersToDM int `json:"winners_to_dm" gorm:"column:winners_to_dm;default:1" binding:"min=1"`

	// DMTimeoutHours is how long a member has to answer an offer.
	DMTimeoutHours int `json:"dm_timeout_hours" gorm:"column:dm_timeout_hours;default:48" binding:"min=1"`

	// ReminderAfterHours is how long after the offer DM a reminder is
	// sent, if the offer is still unanswered.
	ReminderAfterHours int `json:"reminder_after_hours" gorm:"default:24" binding:"min=1"`

	// ReminderRepeatHours repeats the reminder at this interval.
	// Zero means remind only once.
	ReminderRepeatHours int `json:"reminder_repeat_hours" gorm:"default:0" binding:"min=0"`

	// ExcludedTrackingRoleID marks members whose activity is not
	// counted and who are skipped as candidates.
	ExcludedTrackingRoleID string `json:"excluded_tracking_role_id" gorm:"type:string"`

	// ExcludedTrackingChannelIDs is a comma-separated list of channels
	// whose messages are not counted.
	ExcludedTrackingChannelIDs string `json:"excluded_tracking_channel_ids" gorm:"type:string"`

	// BotCommandsChannelIDs is a comma-separated list of channels where
	// non-admin slash commands are allowed. Empty allows any channel.
	BotCommandsChannelIDs string `json:"bot_commands_channel_ids" gorm:"type:string"`

	// LogChannelID receives operational log embeds (daily report,
	// weekly workflow events).
	LogChannelID string `json:"log_channel_id" gorm:"type:string"`

	// WeeklyRequestChannelID receives the embed posted when a member
	// claims their weekly request.
	WeeklyRequestChannelID string `json:"weekly_request_channel_id" gorm:"type:string"`

	// DMFailLogChannelID receives a notice when an offer DM could not
	// be delivered.
	DMFailLogChannelID string `json:"dm_fail_log_channel_id" gorm:"type:string"`

	// TicketCategoryID is the category under which ticket channels are
	// created.
	TicketCategoryID string `json:"ticket_category_id" gorm:"type:string"`

	// TicketModRoleID is granted access to every ticket channel and may
	// close tickets and decide transcript requests.
	TicketModRoleID string `json:"ticket_mod_role_id" gorm:"type:string"`

	// TicketInactivityHours is how long a ticket may sit without member
	// activity before the close prompt is posted.
	TicketInactivityHours int `json:"ticket_inactivity_hours" gorm:"default:24" binding:"min=1"`

	// TicketCooldownHours is the minimum gap between two tickets opened
	// by the same member. Zero disables the cooldown.
	TicketCooldownHours int `json:"ticket_cooldown_hours" gorm:"default:24" binding:"min=0"`

	// TranscriptRequestsChannelID receives transcript request embeds for
	// moderator approval.
	TranscriptRequestsChannelID string `json:"transcript_requests_channel_id" gorm:"type:string"`

	// TicketLogChannelID receives closed-ticket transcripts.
	TicketLogChannelID string `json:"ticket_log_channel_id" gorm:"type:string"`

	// StickyDelaySeconds debounces sticky message reposts.
	StickyDelaySeconds int `json:"sticky_delay_seconds" gorm:"default:5" binding:"min=0"`

	// StickyMessages is a JSON object of channel ID to sticky text.
	StickyMessages string `json:"sticky_messages" gorm:"type:string"`

	// AutodeleteChannelID is the channel where non-whitelisted members
	// may not post.
	AutodeleteChannelID string `json:"autodelete_channel_id" gorm:"type:string"`

	// AutodeleteWhitelistRoleIDs is a comma-separated list of roles
	// allowed to post in the autodelete channel.
	AutodeleteWhitelistRoleIDs string `json:"autodelete_whitelist_role_ids" gorm:"type:string"`

	// RestrictionRoleID is applied to members who post in the
	// autodelete channel without a whitelisted role.
	RestrictionRoleID string `json:"restriction_role_id" gorm:"type:string"`

	// RoleAutoDMs is a JSON object of role ID to DM template, sent when
	// the role is granted. Templates may use {user}, {role} and {guild}.
	RoleAutoDMs string `json:"role_auto_dms" gorm:"type:string"`

	// StatusTemplates is a newline-separated list of presence texts,
	// rotated in order. Templates may use {members}, {online},
	// {week_msgs}, {week_top} and {today_msgs}.
	StatusTemplates string `json:"status_templates" gorm:"type:string"`

	// StatusIntervalSeconds is the minimum time between presence
	// rotations.
	StatusIntervalSeconds int `json:"status_interval_seconds" gorm:"default:300" binding:"min=10"`

	// DailyReportTime is the local (Europe/Madrid) HH:MM at which the
	// daily stats report is posted. Empty disables the report.
	DailyReportTime string `json:"daily_report_time" gorm:"type:string"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for the status API.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

const (
	DefaultCountCooldownSeconds  = 10
	DefaultTopLimit              = 20
	DefaultWinnersToDM           = 1
	DefaultDMTimeoutHours        = 48
	DefaultReminderAfterHours    = 24
	DefaultReminderRepeatHours   = 0
	DefaultTicketInactivityHours = 24
	DefaultTicketCooldownHours   = 24
	DefaultStickyDelaySeconds    = 5
	DefaultStatusIntervalSeconds = 300
)

// DefaultRuntimeConfig returns the runtime config used when the `config`
// table is empty.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CountCooldownSeconds:  DefaultCountCooldownSeconds,
		TopLimit:              DefaultTopLimit,
		WinnersToDM:           DefaultWinnersToDM,
		DMTimeoutHours:        DefaultDMTimeoutHours,
		ReminderAfterHours:    DefaultReminderAfterHours,
		ReminderRepeatHours:   DefaultReminderRepeatHours,
		TicketInactivityHours: DefaultTicketInactivityHours,
		TicketCooldownHours:   DefaultTicketCooldownHours,
		StickyDelaySeconds:    DefaultStickyDelaySeconds,
		StatusIntervalSeconds: DefaultStatusIntervalSeconds,
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelWarn,
		APILogLevel:           DBLogLevelInfo,
	}
}

// ExcludedTrackingChannels returns the parsed excluded channel ID list.
func (c RuntimeConfig) ExcludedTrackingChannels() []string {
	return splitIDList(c.ExcludedTrackingChannelIDs)
}

// BotCommandsChannels returns the parsed bot-commands channel ID list.
func (c RuntimeConfig) BotCommandsChannels() []string {
	return splitIDList(c.BotCommandsChannelIDs)
}

// AutodeleteWhitelistRoles returns the parsed whitelist role ID list.
func (c RuntimeConfig) AutodeleteWhitelistRoles() []string {
	return splitIDList(c.AutodeleteWhitelistRoleIDs)
}

// StickyEntries returns the parsed channel-to-text sticky map. A malformed
// value is treated as no stickies.
func (c RuntimeConfig) StickyEntries() map[string]string {
	if c.StickyMessages == "" {
		return nil
	}
	entries := map[string]string{}
	if err := json.Unmarshal([]byte(c.StickyMessages), &entries); err != nil {
		return nil
	}
	return entries
}

// RoleAutoDMEntries returns the parsed role-to-template auto DM map.
func (c RuntimeConfig) RoleAutoDMEntries() map[string]string {
	if c.RoleAutoDMs == "" {
		return nil
	}
	entries := map[string]string{}
	if err := json.Unmarshal([]byte(c.RoleAutoDMs), &entries); err != nil {
		return nil
	}
	return entries
}

// DMTimeout returns the offer deadline as a duration.
func (c RuntimeConfig) DMTimeout() time.Duration {
	return time.Duration(c.DMTimeoutHours) * time.Hour
}

// ReminderAfter returns the reminder delay as a duration.
func (c RuntimeConfig) ReminderAfter() time.Duration {
	return time.Duration(c.ReminderAfterHours) * time.Hour
}

// ReminderRepeat returns the reminder repeat interval as a duration.
func (c RuntimeConfig) ReminderRepeat() time.Duration {
	return time.Duration(c.ReminderRepeatHours) * time.Hour
}

// TicketInactivity returns the ticket inactivity cutoff as a duration.
func (c RuntimeConfig) TicketInactivity() time.Duration {
	return time.Duration(c.TicketInactivityHours) * time.Hour
}

// TicketCooldown returns the ticket creation cooldown as a duration.
func (c RuntimeConfig) TicketCooldown() time.Duration {
	return time.Duration(c.TicketCooldownHours) * time.Hour
}

// Validate checks the config against its binding tags.
func (c RuntimeConfig) Validate() error {
	return structValidator.Struct(c)
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (ag *AvenueGuard) RuntimeConfig() RuntimeConfig {
	ag.cfgMu.RLock()
	defer ag.cfgMu.RUnlock()
	return *ag.runtimeConfig
}

// loadRuntimeConfig reads the newest `config` row, creating a default
// row if the table is empty.
func (ag *AvenueGuard) loadRuntimeConfig(ctx context.Context) (*RuntimeConfig, error) {
	var runtimeConfig RuntimeConfig
	err := ag.db.WithContext(ctx).Last(&runtimeConfig).Error
	if err == nil {
		return &runtimeConfig, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	runtimeConfig = DefaultRuntimeConfig()
	if _, err = ag.writeDB.Create(ctx, &runtimeConfig); err != nil {
		return nil, err
	}
	return &runtimeConfig, nil
}

// refreshRuntimeConfig re-reads the runtime config and applies log level
// changes.
func (ag *AvenueGuard) refreshRuntimeConfig(ctx context.Context) error {
	runtimeConfig, err := ag.loadRuntimeConfig(ctx)
	if err != nil {
		return err
	}
	if err = runtimeConfig.Validate(); err != nil {
		ag.logger.Warn(
			"refusing invalid runtime config",
			tint.Err(err),
		)
		return err
	}

	ag.cfgMu.Lock()
	previous := ag.runtimeConfig
	ag.runtimeConfig = runtimeConfig
	ag.cfgMu.Unlock()

	ag.setRuntimeLevels(*runtimeConfig)

	if previous != nil && previous.Paused != runtimeConfig.Paused {
		ag.logger.Info(
			"pause state changed",
			columnRuntimeConfigPaused, runtimeConfig.Paused,
		)
	}
	return nil
}

func (ag *AvenueGuard) setRuntimeLevels(runtimeConfig RuntimeConfig) {
	if ag.config == nil {
		return
	}
	if ag.config.LogLevel != nil {
		ag.config.LogLevel.Set(runtimeConfig.LogLevel.Level())
	}
	if ag.config.DatabaseLogLevel != nil {
		ag.config.DatabaseLogLevel.Set(runtimeConfig.DatabaseLogLevel.Level())
	}
	if ag.config.Discord.LogLevel != nil {
		ag.config.Discord.LogLevel.Set(runtimeConfig.DiscordLogLevel.Level())
	}
	if ag.config.Discord.DiscordgoLogLevel != nil {
		ag.config.Discord.DiscordgoLogLevel.Set(runtimeConfig.DiscordGoLogLevel.Level())
	}
	if ag.config.API.LogLevel != nil {
		ag.config.API.LogLevel.Set(runtimeConfig.APILogLevel.Level())
	}
}

// runtimeConfigRefresher periodically re-reads the runtime config until
// ctx is cancelled. Refreshes can also be forced over the trigger channel.
func (ag *AvenueGuard) runtimeConfigRefresher(ctx context.Context) {
	log := ag.logger.With(loggerNameKey, "runtime_config")
	interval := ag.config.RuntimeConfigTTL
	if interval <= 0 {
		interval = DefaultRuntimeConfigTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("runtime config refresher stopping")
			return
		case <-ag.triggerRuntimeConfigRefreshCh:
			if err := ag.refreshRuntimeConfig(ctx); err != nil {
				log.Error("error refreshing runtime config", tint.Err(err))
			}
		case <-ticker.C:
			if err := ag.refreshRuntimeConfig(ctx); err != nil {
				log.Error("error refreshing runtime config", tint.Err(err))
			}
		}
	}
}
