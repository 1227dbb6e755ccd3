package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// ErrDMClosed indicates the recipient does not accept DMs from the bot
// (closed DMs, or the bot is blocked).
var ErrDMClosed = errors.New("recipient does not accept DMs")

// Embed accent colors.
const (
	embedColorSuccess = 0x2ECC71
	embedColorWarning = 0xE67E22
	embedColorError   = 0xE74C3C
	embedColorInfo    = 0x3498DB
)

// dmSendLimit paces outbound DMs well under Discord's REST limits.
var dmSendLimit = rate.Limit(1)

const dmSendBurst = 3

// Discord wraps the gateway session. All REST calls go through the
// DiscordSessionHandler interface so tests can substitute a mock.
type Discord struct {
	session DiscordSessionHandler

	config *DiscordConfig

	logger *slog.Logger

	ag *AvenueGuard

	dmLimiter *rate.Limiter

	// discordgoRemoveHandlerFuncs are the functions returned by
	// AddHandler, called on shutdown to detach gateway handlers.
	discordgoRemoveHandlerFuncs []func()

	connected atomic.Bool
}

func newDiscord(ag *AvenueGuard, config *DiscordConfig) (*Discord, error) {
	session, err := discordgo.New(fmt.Sprintf("Bot %s", config.Token))
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents

	d := &Discord{
		session:   &DiscordSession{session},
		config:    config,
		ag:        ag,
		logger:    ag.logger.With(loggerNameKey, "discord"),
		dmLimiter: rate.NewLimiter(dmSendLimit, dmSendBurst),
	}
	session.LogLevel = discordgoLogLevel(config.DiscordgoLogLevel)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tintHandler(config.DiscordgoLogLevel),
	)
	return d, nil
}

func discordgoLogLevel(lvl *slog.LevelVar) int {
	if lvl == nil {
		return discordgo.LogWarning
	}
	switch lvl.Level() {
	case slog.LevelDebug:
		return discordgo.LogDebug
	case slog.LevelInfo:
		return discordgo.LogInformational
	case slog.LevelError:
		return discordgo.LogError
	default:
		return discordgo.LogWarning
	}
}

// SendUserDM opens (or reuses) the recipient's DM channel and sends
// content. Returns ErrDMClosed when the recipient cannot be DMed.
func (d *Discord) SendUserDM(
	ctx context.Context,
	userID string,
	content string,
) (*discordgo.Message, error) {
	if err := d.dmLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return nil, d.wrapDMError(err)
	}
	msg, err := d.session.ChannelMessageSend(channel.ID, content)
	if err != nil {
		return nil, d.wrapDMError(err)
	}
	return msg, nil
}

// SendUserDMComplex sends a rich DM (embeds, components).
func (d *Discord) SendUserDMComplex(
	ctx context.Context,
	userID string,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	if err := d.dmLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return nil, d.wrapDMError(err)
	}
	msg, err := d.session.ChannelMessageSendComplex(channel.ID, data)
	if err != nil {
		return nil, d.wrapDMError(err)
	}
	return msg, nil
}

func (d *Discord) wrapDMError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("%w: %s", ErrDMClosed, restErr.Message.Message)
		}
	}
	return err
}

// GuildMember returns the member, or nil if the user is not in the guild.
func (d *Discord) GuildMember(guildID string, userID string) (*discordgo.Member, error) {
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Message != nil {
			switch restErr.Message.Code {
			case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
				return nil, nil
			}
		}
		return nil, err
	}
	return member, nil
}

func (d *Discord) handlerReady() func(_ *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"discord ready",
			"session_id", r.SessionID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(_ *discordgo.Session, _ *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.Info("discord gateway connected")
	}
}

func (d *Discord) handlerDisconnect() func(_ *discordgo.Session, _ *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord gateway disconnected")
	}
}

// registerGatewayHandlers attaches all event handlers and records their
// remove funcs for shutdown.
func (d *Discord) registerGatewayHandlers(ag *AvenueGuard) {
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(ag.handlerMessageCreate()),
		d.session.AddHandler(ag.handlerInteractionCreate()),
		d.session.AddHandler(ag.handlerMessageUpdate()),
		d.session.AddHandler(ag.handlerMessageDelete()),
		d.session.AddHandler(ag.handlerMessageReactionAdd()),
		d.session.AddHandler(ag.handlerGuildMemberAdd()),
		d.session.AddHandler(ag.handlerGuildMemberRemove()),
		d.session.AddHandler(ag.handlerGuildMemberUpdate()),
	}
}

func (d *Discord) removeGatewayHandlers() {
	for _, removeFunc := range d.discordgoRemoveHandlerFuncs {
		removeFunc()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

// registerCommands bulk-overwrites the guild's application commands.
func (d *Discord) registerCommands(ctx context.Context) error {
	commands := applicationCommands()
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering application commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, c := range registered {
		names = append(names, c.Name)
	}
	d.logger.InfoContext(ctx, "registered application commands", "commands", names)
	return nil
}

// DiscordSessionHandler enumerates the discordgo session operations the
// bot uses. This is here primarily to enable mocking in tests;
// [DiscordSession] implements it over a real *discordgo.Session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// UpdateCustomStatus sets the bot's custom status text. An empty
	// string clears any existing custom status.
	UpdateCustomStatus(status string) error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UserChannelCreate opens (or returns the existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildWithCounts(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
}

// DiscordSession implements DiscordSessionHandler with a real
// *discordgo.Session.
type DiscordSession struct {
	*discordgo.Session
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.Session.AddHandler(handler)
}

// notifyChannel posts content to the given channel, logging but not
// returning failures. Used for operational log channels where a send
// failure must not abort the caller.
func (d *Discord) notifyChannel(channelID string, content string) {
	if channelID == "" {
		return
	}
	if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
		d.logger.Error(
			"error sending channel notification",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

// notifyChannelEmbed posts an embed to the given channel, logging but
// not returning failures.
func (d *Discord) notifyChannelEmbed(channelID string, embed *discordgo.MessageEmbed) {
	if channelID == "" {
		return
	}
	if _, err := d.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		d.logger.Error(
			"error sending channel embed",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

// waitConnected polls until the gateway reports connected, or the
// timeout lapses.
func (d *Discord) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !d.connected.Load() {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for discord gateway connection")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}
