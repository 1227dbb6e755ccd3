package avenueguard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const responseCooldown = 15 * time.Second

// TriggerRule is one trigger response rule loaded from the responses
// file. Content is matched case-insensitively; WholeMessage requires an
// exact match instead of a substring. An empty Channels list matches
// every channel.
type TriggerRule struct {
	Content      string   `json:"content"`
	WholeMessage bool     `json:"whole_message"`
	Channels     []string `json:"channels"`
	Message      string   `json:"message"`
	EmbedTitle   string   `json:"embed_title"`
	EmbedText    string   `json:"embed_text"`
}

// Responder answers configured message triggers, first match wins, with
// a per-user cooldown owned by the component.
type Responder struct {
	ag     *AvenueGuard
	logger *slog.Logger
	rules  []TriggerRule

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newResponder(ag *AvenueGuard, rulesPath string) (*Responder, error) {
	r := &Responder{
		ag:       ag,
		logger:   ag.logger.With(loggerNameKey, "responses"),
		lastSent: map[string]time.Time{},
	}
	if rulesPath == "" {
		return r, nil
	}
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("error reading responses file: %w", err)
	}
	if err = json.Unmarshal(data, &r.rules); err != nil {
		return nil, fmt.Errorf("error parsing responses file: %w", err)
	}
	r.logger.Info("loaded trigger responses", "rules", len(r.rules))
	return r, nil
}

// match returns the first rule matching the message, or nil.
func (r *Responder) match(channelID string, content string) *TriggerRule {
	lowered := strings.ToLower(strings.TrimSpace(content))
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Content == "" {
			continue
		}
		if len(rule.Channels) > 0 && !stringInSlice(channelID, rule.Channels) {
			continue
		}
		needle := strings.ToLower(rule.Content)
		if rule.WholeMessage {
			if lowered == needle {
				return rule
			}
			continue
		}
		if strings.Contains(lowered, needle) {
			return rule
		}
	}
	return nil
}

// userOnCooldown records the send attempt and reports whether the user
// was still cooling down.
func (r *Responder) userOnCooldown(userID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSent[userID]; ok && now.Sub(last) < responseCooldown {
		return true
	}
	r.lastSent[userID] = now
	return false
}

// OnMessage replies to the first matching trigger rule.
func (r *Responder) OnMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	rule := r.match(m.ChannelID, m.Content)
	if rule == nil {
		return
	}
	if r.userOnCooldown(m.Author.ID, time.Now()) {
		return
	}

	if rule.Message != "" {
		if _, err := r.ag.discord.session.ChannelMessageSend(
			m.ChannelID,
			rule.Message,
		); err != nil {
			r.logger.Error("error sending trigger response", tint.Err(err))
		}
		return
	}
	if rule.EmbedText != "" {
		r.ag.discord.notifyChannelEmbed(
			m.ChannelID,
			&discordgo.MessageEmbed{
				Title:       rule.EmbedTitle,
				Description: rule.EmbedText,
				Color:       embedColorInfo,
			},
		)
	}
}
