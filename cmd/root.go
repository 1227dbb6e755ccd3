package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/Rroix/Avenue-Guard-Real/avenueguard"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = avenueguard.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "avenueguard [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", avenueguard.DefaultDatabase)
	viper.SetDefault("database_type", avenueguard.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		avenueguard.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		avenueguard.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("responses_file", "")

	viper.SetDefault("runtime_config_ttl", avenueguard.DefaultRuntimeConfigTTL)

	viper.SetDefault("log_level", avenueguard.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", avenueguard.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", avenueguard.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", avenueguard.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		avenueguard.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		avenueguard.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		avenueguard.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.listen", avenueguard.DefaultAPIListen)
	viper.SetDefault("api.read_timeout", avenueguard.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		avenueguard.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", avenueguard.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", avenueguard.DefaultIdleTimeout)

	envPrefix := os.Getenv(avenueguard.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = avenueguard.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	ensureLevelVar("log_level")
	ensureLevelVar("discord.log_level")
	ensureLevelVar("discord.discordgo_log_level")
	ensureLevelVar("database_log_level")
	ensureLevelVar("api.log_level")
}

// ensureLevelVar replaces the level string stored under key with a
// *slog.LevelVar. A key that already holds a LevelVar, from an earlier
// Execute in the same process, is left untouched so initConfig stays
// idempotent.
func ensureLevelVar(key string) {
	if _, ok := viper.Get(key).(*slog.LevelVar); ok {
		return
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
	if err != nil {
		log.Fatalf("error parsing %s: %v", key, err)
	}
	viper.Set(key, logLevelVar)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
