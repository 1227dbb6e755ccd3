package avenueguard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var columnStickyLastMessageID = "last_message_id"

// StickyState remembers the bot's last posted sticky message per channel
// so it can be deleted before reposting.
type StickyState struct {
	ModelUintID
	ModelUnixTime
	ChannelID     string `gorm:"uniqueIndex:idx_sticky_channel;not null" json:"channel_id"`
	LastMessageID string `json:"last_message_id"`
}

// StickyKeeper reposts configured sticky texts after channel activity,
// debounced so bursts of messages trigger a single repost. The debounce
// timers are owned here, keyed by channel.
type StickyKeeper struct {
	ag     *AvenueGuard
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newStickyKeeper(ag *AvenueGuard) *StickyKeeper {
	return &StickyKeeper{
		ag:     ag,
		logger: ag.logger.With(loggerNameKey, "sticky"),
		timers: map[string]*time.Timer{},
	}
}

// OnMessage schedules a sticky repost if the channel has a sticky
// configured and the message isn't the bot's own.
func (k *StickyKeeper) OnMessage(m *discordgo.MessageCreate) {
	if m.Author != nil && m.Author.Bot {
		return
	}
	runtimeConfig := k.ag.RuntimeConfig()
	text, ok := runtimeConfig.StickyEntries()[m.ChannelID]
	if !ok || text == "" {
		return
	}
	delay := time.Duration(runtimeConfig.StickyDelaySeconds) * time.Second

	k.mu.Lock()
	defer k.mu.Unlock()
	if timer, exists := k.timers[m.ChannelID]; exists {
		timer.Stop()
	}
	channelID := m.ChannelID
	k.timers[channelID] = time.AfterFunc(
		delay,
		func() {
			k.mu.Lock()
			delete(k.timers, channelID)
			k.mu.Unlock()
			k.repost(channelID, text)
		},
	)
}

// stop cancels all pending reposts.
func (k *StickyKeeper) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for channelID, timer := range k.timers {
		timer.Stop()
		delete(k.timers, channelID)
	}
}

// repost deletes the previous sticky (if tracked) and posts a fresh one.
func (k *StickyKeeper) repost(channelID string, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := k.logger.With("channel_id", channelID)

	var state StickyState
	err := k.ag.db.WithContext(ctx).Where(
		"channel_id = ?",
		channelID,
	).First(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Error("error loading sticky state", tint.Err(err))
		return
	}
	if state.LastMessageID != "" {
		if delErr := k.ag.discord.session.ChannelMessageDelete(
			channelID,
			state.LastMessageID,
		); delErr != nil {
			log.Debug("could not delete previous sticky", tint.Err(delErr))
		}
	}

	msg, err := k.ag.discord.session.ChannelMessageSend(channelID, text)
	if err != nil {
		log.Error("error posting sticky", tint.Err(err))
		return
	}

	if _, err = k.ag.writeDB.Upsert(
		ctx,
		&StickyState{ChannelID: channelID, LastMessageID: msg.ID},
		[]string{"channel_id"},
		[]string{columnStickyLastMessageID},
	); err != nil {
		log.Error("error saving sticky state", tint.Err(err))
	}
}
