package avenueguard

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

// Environment variable prefix for config (ex: AG_DATABASE, AG_DISCORD_TOKEN)
const DefaultEnvPrefix = "AG"

// EnvvarSetEnvPrefix can be used to override [DefaultEnvPrefix]
const EnvvarSetEnvPrefix = "AG_ENV_PREFIX"

const (
	DefaultDatabase              = "avenueguard.sqlite3"
	DefaultDatabaseType          = dbTypeSQLite
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultStartupTimeout        = 75 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultRuntimeConfigTTL      = 5 * time.Minute

	DefaultAPIListen         = "127.0.0.1:5006"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultWeeklyPollInterval    = time.Minute
	DefaultSweepInterval         = 10 * time.Minute
	DefaultStatusPollInterval    = 10 * time.Second
	DefaultStatsSnapshotInterval = 5 * time.Minute
)

// DefaultDiscordGatewayIntent covers guild messages and members for
// activity tracking, DMs for the weekly request conversation, reactions
// for moderation, and presences for the status rotation.
const DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
	discordgo.IntentGuildMembers |
	discordgo.IntentGuildMessages |
	discordgo.IntentGuildMessageReactions |
	discordgo.IntentGuildPresences |
	discordgo.IntentDirectMessages |
	discordgo.IntentMessageContent

var (
	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelWarn
	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo
)

var structValidator = validator.New()

// Config holds the static configuration loaded at startup from the
// environment. Mutable operational settings live in [RuntimeConfig].
type Config struct {
	// Database is the database connection string, or SQLite file path
	Database string `mapstructure:"database" binding:"required"`

	// DatabaseType indicates the type of database ('sqlite' or 'postgres')
	DatabaseType string `mapstructure:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level"`

	// DatabaseSlowThreshold is the query duration above which GORM logs
	// a slow-query warning
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold"`

	// LogLevel sets the general logging level
	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	// RuntimeConfigTTL is the interval at which [RuntimeConfig] is
	// re-read from the database
	RuntimeConfigTTL time.Duration `mapstructure:"runtime_config_ttl" binding:"gt=0"`

	// StartupTimeout bounds the time allowed for the gateway connection
	// and command registration on startup
	StartupTimeout time.Duration `mapstructure:"startup_timeout" binding:"gt=0"`

	// ShutdownTimeout bounds the graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" binding:"gt=0"`

	// ResponsesFile is an optional path to a JSON file of trigger
	// response rules
	ResponsesFile string `mapstructure:"responses_file"`

	Development bool `mapstructure:"development"`

	Discord DiscordConfig `mapstructure:"discord"`

	API APIConfig `mapstructure:"api"`
}

// DiscordConfig is the static Discord-specific configuration.
type DiscordConfig struct {
	// Token is the Discord bot token
	Token string `mapstructure:"token" binding:"required" log:"[redacted]"`

	// ApplicationID is the Discord application ID used when
	// registering slash commands
	ApplicationID string `mapstructure:"application_id" binding:"required"`

	// GuildID is the single guild this bot serves. Messages and
	// interactions from any other guild are ignored.
	GuildID string `mapstructure:"guild_id" binding:"required"`

	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	// DiscordgoLogLevel sets the log level for the discordgo library
	DiscordgoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level"`
}

// APIConfig configures the HTTP status server.
type APIConfig struct {
	// Listen address (ex: 127.0.0.1:5006)
	Listen string `mapstructure:"listen" binding:"required"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns a [Config] with default values set.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	dbLogLevel := &slog.LevelVar{}
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	discordLogLevel := &slog.LevelVar{}
	discordLogLevel.Set(DefaultDiscordLogLevel)

	discordgoLogLevel := &slog.LevelVar{}
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)

	apiLogLevel := &slog.LevelVar{}
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              logLevel,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordgoLogLevel: discordgoLogLevel,
		},
		API: APIConfig{
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}
