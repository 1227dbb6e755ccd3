package avenueguard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID   = "100000000000000001"
	testChannelID = "200000000000000001"
)

func testConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app-id"
	cfg.Discord.GuildID = testGuildID
	return cfg
}

// newTestBot returns a bot with an open sqlite database, a loaded
// runtime config and the session replaced with a mock. Run is not
// called; loops are exercised directly by the tests that need them.
func newTestBot(t testing.TB) (*AvenueGuard, *mockDiscordSession) {
	t.Helper()

	ctx := context.Background()
	cfg := testConfig(t)

	ag, err := New(cfg)
	require.NoError(t, err)

	db, err := CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	ag.db = db
	ag.writeDB = NewDatabase(db, ag.logger, false)

	require.NoError(t, ag.refreshRuntimeConfig(ctx))

	session := newMockDiscordSession()
	ag.discord.session = session
	return ag, session
}

// setRuntimeConfig mutates the in-memory runtime config under its lock.
func setRuntimeConfig(
	t testing.TB,
	ag *AvenueGuard,
	mutate func(*RuntimeConfig),
) {
	t.Helper()
	ag.cfgMu.Lock()
	defer ag.cfgMu.Unlock()
	mutate(ag.runtimeConfig)
}

// sentMessage records a message the mock session "sent".
type sentMessage struct {
	ChannelID string
	Content   string
	Embed     *discordgo.MessageEmbed
	Data      *discordgo.MessageSend
}

// mockDiscordSession implements DiscordSessionHandler, recording sends
// and serving members from an in-memory map.
type mockDiscordSession struct {
	logger *slog.Logger

	mu sync.Mutex

	// members, keyed by user ID. Users with no entry are treated as
	// not in the guild.
	members map[string]*discordgo.Member

	// dmClosedUsers causes DM sends to the given users to fail the way
	// Discord rejects closed DMs.
	dmClosedUsers map[string]bool

	sent         []sentMessage
	deleted      [][2]string
	rolesAdded   [][3]string
	responses    []*discordgo.InteractionResponse
	statusValues []string

	// channelHistory backs ChannelMessages, newest first, keyed by
	// channel ID.
	channelHistory  map[string][]*discordgo.Message
	createdChannels []*discordgo.Channel
	deletedChannels []string
	edits           []*discordgo.MessageEdit

	guild *discordgo.Guild

	nextMessageID int
	nextChannelID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     slog.LevelWarn,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_session_handler"),
		members:        map[string]*discordgo.Member{},
		dmClosedUsers:  map[string]bool{},
		channelHistory: map[string][]*discordgo.Message{},
		guild: &discordgo.Guild{
			ID:                       testGuildID,
			Name:                     "Test Guild",
			ApproximateMemberCount:   100,
			ApproximatePresenceCount: 25,
		},
	}
}

func (d *mockDiscordSession) addMember(userID string, roleIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[userID] = &discordgo.Member{
		User:  &discordgo.User{ID: userID, Username: "user-" + userID},
		Roles: roleIDs,
	}
}

func (d *mockDiscordSession) closeDMs(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dmClosedUsers[userID] = true
}

// sentTo returns messages sent to the given user's DM channel.
func (d *mockDiscordSession) sentTo(userID string) []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentMessage
	for _, m := range d.sent {
		if m.ChannelID == dmChannelID(userID) {
			out = append(out, m)
		}
	}
	return out
}

// sentToChannel returns messages sent to the given guild channel.
func (d *mockDiscordSession) sentToChannel(channelID string) []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentMessage
	for _, m := range d.sent {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

func (d *mockDiscordSession) lastResponse() *discordgo.InteractionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.responses) == 0 {
		return nil
	}
	return d.responses[len(d.responses)-1]
}

func dmChannelID(userID string) string {
	return "dm-" + userID
}

func (d *mockDiscordSession) dmRejected(channelID string) bool {
	for userID, closed := range d.dmClosedUsers {
		if closed && channelID == dmChannelID(userID) {
			return true
		}
	}
	return false
}

func dmClosedError() error {
	return &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeCannotSendMessagesToThisUser,
			Message: "Cannot send messages to this user",
		},
	}
}

func (d *mockDiscordSession) Open() error {
	return nil
}

func (d *mockDiscordSession) Close() error {
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *mockDiscordSession) UpdateStatusComplex(_ discordgo.UpdateStatusData) error {
	return nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusValues = append(d.statusValues, status)
	return nil
}

func (d *mockDiscordSession) recordSend(m sentMessage) *discordgo.Message {
	d.nextMessageID++
	d.sent = append(d.sent, m)
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", d.nextMessageID),
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dmRejected(channelID) {
		return nil, dmClosedError()
	}
	return d.recordSend(sentMessage{ChannelID: channelID, Content: message}), nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dmRejected(channelID) {
		return nil, dmClosedError()
	}
	return d.recordSend(
		sentMessage{ChannelID: channelID, Content: data.Content, Data: data},
	), nil
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dmRejected(channelID) {
		return nil, dmClosedError()
	}
	return d.recordSend(sentMessage{ChannelID: channelID, Embed: embed}), nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, [2]string{channelID, messageID})
	return nil
}

func (d *mockDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, m)
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// The seeded histories fit in one page.
	if beforeID != "" {
		return nil, nil
	}
	history := d.channelHistory[channelID]
	if len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (d *mockDiscordSession) GuildChannelCreateComplex(
	_ string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextChannelID++
	channel := &discordgo.Channel{
		ID:       fmt.Sprintf("chan-%d", d.nextChannelID),
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	d.createdChannels = append(d.createdChannels, channel)
	return channel, nil
}

func (d *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletedChannels = append(d.deletedChannels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

// seedChannelHistory stores messages served by ChannelMessages, newest
// first.
func (d *mockDiscordSession) seedChannelHistory(
	channelID string,
	messages ...*discordgo.Message,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelHistory[channelID] = messages
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{
		ID:   dmChannelID(recipientID),
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (d *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	member, ok := d.members[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Message: &discordgo.APIErrorMessage{
				Code:    discordgo.ErrCodeUnknownMember,
				Message: "Unknown Member",
			},
		}
	}
	return member, nil
}

func (d *mockDiscordSession) GuildWithCounts(
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.guild, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolesAdded = append(d.rolesAdded, [3]string{guildID, userID, roleID})
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

// guildMessage builds a MessageCreate event in the test guild.
func guildMessage(userID string, channelID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        fmt.Sprintf("gm-%d", time.Now().UnixNano()),
			GuildID:   testGuildID,
			ChannelID: channelID,
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
			Member:    &discordgo.Member{Roles: nil},
		},
	}
}

// directMessage builds a MessageCreate event in the user's DM channel.
func directMessage(userID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        fmt.Sprintf("dm-%d", time.Now().UnixNano()),
			ChannelID: dmChannelID(userID),
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
		},
	}
}

// seedActivity inserts a message count row for the given user and week.
func seedActivity(
	t testing.TB,
	ag *AvenueGuard,
	userID string,
	week string,
	count int,
) {
	t.Helper()
	require.NoError(
		t,
		ag.db.Create(
			&ActivityCount{
				GuildID:   testGuildID,
				UserID:    userID,
				WeekStart: week,
				Count:     count,
			},
		).Error,
	)
}
