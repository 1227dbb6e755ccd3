package avenueguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var columnDailyStatPayload = "payload"

// DailyStatSnapshot persists the in-memory counters so a restart loses
// at most one snapshot interval of data.
type DailyStatSnapshot struct {
	ModelUintID
	ModelUnixTime

	// Date is the local (Europe/Madrid) day key, 2006-01-02.
	Date string `gorm:"uniqueIndex:idx_daily_stat_date;not null" json:"date"`

	// Payload is the JSON-encoded dailyCounters.
	Payload string `json:"payload"`
}

type dailyCounters struct {
	Messages  int            `json:"messages"`
	Edits     int            `json:"edits"`
	Deletes   int            `json:"deletes"`
	Reactions int            `json:"reactions"`
	Joins     int            `json:"joins"`
	Leaves    int            `json:"leaves"`
	ByChannel map[string]int `json:"by_channel"`
	ByUser    map[string]int `json:"by_user"`
}

func newDailyCounters() dailyCounters {
	return dailyCounters{
		ByChannel: map[string]int{},
		ByUser:    map[string]int{},
	}
}

// DailyStats accumulates gateway event counters for the daily report and
// the presence rotation, guarded by its own mutex.
type DailyStats struct {
	ag     *AvenueGuard
	logger *slog.Logger

	mu       sync.Mutex
	counters dailyCounters
	day      string

	statusIndex    int
	lastRotate     time.Time
	lastReportDate string
}

func newDailyStats(ag *AvenueGuard) *DailyStats {
	return &DailyStats{
		ag:       ag,
		logger:   ag.logger.With(loggerNameKey, "stats"),
		counters: newDailyCounters(),
		day:      time.Now().In(trackingLocation).Format(weekKeyLayout),
	}
}

func (s *DailyStats) RecordMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Messages++
	s.counters.ByChannel[m.ChannelID]++
	s.counters.ByUser[m.Author.ID]++
}

func (s *DailyStats) RecordEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Edits++
}

func (s *DailyStats) RecordDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Deletes++
}

func (s *DailyStats) RecordReaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Reactions++
}

func (s *DailyStats) RecordJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Joins++
}

func (s *DailyStats) RecordLeave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Leaves++
}

// snapshot persists the current counters for the current local day.
func (s *DailyStats) snapshot(ctx context.Context) error {
	s.mu.Lock()
	day := s.day
	payload, err := json.Marshal(s.counters)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = s.ag.writeDB.Upsert(
		ctx,
		&DailyStatSnapshot{Date: day, Payload: string(payload)},
		[]string{"date"},
		[]string{columnDailyStatPayload},
	)
	return err
}

// snapshotLoop persists counters every snapshot interval.
func (s *DailyStats) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(DefaultStatsSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot on the way out.
			flushCtx, cancel := context.WithTimeout(
				context.Background(),
				10*time.Second,
			)
			if err := s.snapshot(flushCtx); err != nil {
				s.logger.Error("final stats snapshot failed", tint.Err(err))
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := s.snapshot(ctx); err != nil {
				s.logger.Error("stats snapshot failed", tint.Err(err))
			}
		}
	}
}

// statusLoop rotates the presence text and posts the daily report at the
// configured local time. The poll is fast; the rotation interval gates
// actual updates.
func (s *DailyStats) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(DefaultStatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			s.maybeRotateStatus(ctx, now)
			s.maybeDailyReport(ctx, now)
		}
	}
}

func (s *DailyStats) maybeRotateStatus(ctx context.Context, now time.Time) {
	runtimeConfig := s.ag.RuntimeConfig()
	templates := strings.Split(
		strings.TrimSpace(runtimeConfig.StatusTemplates),
		"\n",
	)
	var usable []string
	for _, t := range templates {
		t = strings.TrimSpace(t)
		if t != "" {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return
	}

	s.mu.Lock()
	interval := time.Duration(runtimeConfig.StatusIntervalSeconds) * time.Second
	if now.Sub(s.lastRotate) < interval {
		s.mu.Unlock()
		return
	}
	s.lastRotate = now
	template := usable[s.statusIndex%len(usable)]
	s.statusIndex++
	s.mu.Unlock()

	status := s.renderStatus(ctx, template)
	if err := s.ag.discord.session.UpdateCustomStatus(status); err != nil {
		s.logger.Warn("error updating status", tint.Err(err))
	}
}

// renderStatus fills status placeholders. Placeholders that can't be
// resolved render as zero rather than failing the rotation.
func (s *DailyStats) renderStatus(ctx context.Context, template string) string {
	guildID := s.ag.config.Discord.GuildID

	var members, online int
	if guild, err := s.ag.discord.session.GuildWithCounts(guildID); err == nil {
		members = guild.ApproximateMemberCount
		online = guild.ApproximatePresenceCount
	}

	week := weekStartKey(time.Now())
	weekTotal, _ := s.ag.tracker.WeekMessageTotal(ctx, guildID, week)

	var weekTop string
	if rows, err := s.ag.tracker.TopForWeek(ctx, guildID, week, 1); err == nil && len(rows) > 0 {
		if member, memberErr := s.ag.discord.GuildMember(
			guildID,
			rows[0].UserID,
		); memberErr == nil && member != nil && member.User != nil {
			weekTop = member.User.Username
		}
	}

	s.mu.Lock()
	today := s.counters.Messages
	s.mu.Unlock()

	return strings.NewReplacer(
		"{members}", fmt.Sprintf("%d", members),
		"{online}", fmt.Sprintf("%d", online),
		"{week_msgs}", fmt.Sprintf("%d", weekTotal),
		"{week_top}", weekTop,
		"{today_msgs}", fmt.Sprintf("%d", today),
	).Replace(template)
}

// maybeDailyReport posts the report embed once per local day at the
// configured HH:MM, then resets the counters for the new day.
func (s *DailyStats) maybeDailyReport(ctx context.Context, now time.Time) {
	runtimeConfig := s.ag.RuntimeConfig()
	if runtimeConfig.DailyReportTime == "" || runtimeConfig.LogChannelID == "" {
		return
	}
	localNow := now.In(trackingLocation)
	if localNow.Format("15:04") != runtimeConfig.DailyReportTime {
		return
	}
	today := localNow.Format(weekKeyLayout)

	s.mu.Lock()
	if s.lastReportDate == today {
		s.mu.Unlock()
		return
	}
	s.lastReportDate = today
	s.mu.Unlock()

	// Flush the finished period before resetting.
	if err := s.snapshot(ctx); err != nil {
		s.logger.Error("error snapshotting before report", tint.Err(err))
	}

	s.mu.Lock()
	counters := s.counters
	s.counters = newDailyCounters()
	s.day = today
	s.mu.Unlock()

	s.ag.discord.notifyChannelEmbed(
		runtimeConfig.LogChannelID,
		&discordgo.MessageEmbed{
			Title: fmt.Sprintf("Daily report for %s", today),
			Description: fmt.Sprintf(
				"Messages: **%d**\nEdits: **%d**\nDeletes: **%d**\n"+
					"Reactions: **%d**\nJoins: **%d**\nLeaves: **%d**\n"+
					"Active channels: **%d**\nActive members: **%d**",
				counters.Messages,
				counters.Edits,
				counters.Deletes,
				counters.Reactions,
				counters.Joins,
				counters.Leaves,
				len(counters.ByChannel),
				len(counters.ByUser),
			),
			Color:     embedColorInfo,
			Timestamp: now.UTC().Format(time.RFC3339),
		},
	)
	s.logger.Info("posted daily report", "date", today)
}
