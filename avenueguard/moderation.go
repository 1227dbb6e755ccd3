package avenueguard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Moderator implements the lightweight moderation helpers: the
// autodelete channel with its restriction role, and auto DMs on role
// grants. Role-grant deduplication is tracked in a component-owned map.
type Moderator struct {
	ag     *AvenueGuard
	logger *slog.Logger

	mu       sync.Mutex
	notified map[string]struct{}
}

func newModerator(ag *AvenueGuard) *Moderator {
	return &Moderator{
		ag:       ag,
		logger:   ag.logger.With(loggerNameKey, "moderation"),
		notified: map[string]struct{}{},
	}
}

// memberWhitelisted reports whether the member holds any autodelete
// whitelist role.
func (m *Moderator) memberWhitelisted(member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	whitelist := m.ag.RuntimeConfig().AutodeleteWhitelistRoles()
	for _, role := range member.Roles {
		if stringInSlice(role, whitelist) {
			return true
		}
	}
	return false
}

// OnMessage enforces the autodelete channel: a message from a
// non-whitelisted member is removed and the restriction role applied.
func (m *Moderator) OnMessage(msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	runtimeConfig := m.ag.RuntimeConfig()
	if runtimeConfig.AutodeleteChannelID == "" ||
		msg.ChannelID != runtimeConfig.AutodeleteChannelID {
		return
	}
	if m.memberWhitelisted(msg.Member) {
		return
	}

	log := m.logger.With("channel_id", msg.ChannelID, "user_id", msg.Author.ID)

	if err := m.ag.discord.session.ChannelMessageDelete(
		msg.ChannelID,
		msg.ID,
	); err != nil {
		log.Error("error deleting message", tint.Err(err))
	}
	m.restrict(msg.GuildID, msg.Author.ID)
}

// OnReactionAdd enforces the autodelete channel for reactions.
func (m *Moderator) OnReactionAdd(r *discordgo.MessageReactionAdd) {
	runtimeConfig := m.ag.RuntimeConfig()
	if runtimeConfig.AutodeleteChannelID == "" ||
		r.ChannelID != runtimeConfig.AutodeleteChannelID {
		return
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		return
	}
	if m.memberWhitelisted(r.Member) {
		return
	}
	m.restrict(r.GuildID, r.UserID)
}

func (m *Moderator) restrict(guildID string, userID string) {
	roleID := m.ag.RuntimeConfig().RestrictionRoleID
	if roleID == "" {
		return
	}
	if err := m.ag.discord.session.GuildMemberRoleAdd(
		guildID,
		userID,
		roleID,
	); err != nil {
		m.logger.Error(
			"error applying restriction role",
			"guild_id", guildID,
			"user_id", userID,
			"role_id", roleID,
			tint.Err(err),
		)
		return
	}
	m.logger.Info(
		"applied restriction role",
		"guild_id", guildID,
		"user_id", userID,
		"role_id", roleID,
	)
}

// OnMemberUpdate sends the configured auto DM when a watched role
// appears on a member. Each (user, role) pair is DMed once per process.
func (m *Moderator) OnMemberUpdate(u *discordgo.GuildMemberUpdate) {
	if u.User == nil || u.User.Bot {
		return
	}
	entries := m.ag.RuntimeConfig().RoleAutoDMEntries()
	if len(entries) == 0 {
		return
	}

	var beforeRoles []string
	if u.BeforeUpdate != nil {
		beforeRoles = u.BeforeUpdate.Roles
	}

	for roleID, template := range entries {
		if !stringInSlice(roleID, u.Roles) {
			continue
		}
		if stringInSlice(roleID, beforeRoles) {
			continue
		}

		key := u.User.ID + ":" + roleID
		m.mu.Lock()
		if _, seen := m.notified[key]; seen {
			m.mu.Unlock()
			continue
		}
		m.notified[key] = struct{}{}
		m.mu.Unlock()

		m.sendRoleDM(u, roleID, template)
	}
}

func (m *Moderator) sendRoleDM(
	u *discordgo.GuildMemberUpdate,
	roleID string,
	template string,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	guildName := u.GuildID
	if guild, err := m.ag.discord.session.GuildWithCounts(u.GuildID); err == nil {
		guildName = guild.Name
	}
	content := strings.NewReplacer(
		"{user}", u.User.Username,
		"{role}", roleID,
		"{guild}", guildName,
	).Replace(template)

	if _, err := m.ag.discord.SendUserDM(ctx, u.User.ID, content); err != nil {
		m.logger.Warn(
			"could not send role auto DM",
			"user_id", u.User.ID,
			"role_id", roleID,
			tint.Err(err),
		)
	}
}
