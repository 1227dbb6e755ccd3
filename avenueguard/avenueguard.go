package avenueguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// Version can be set at build time:
	// -ldflags "-X github.com/Rroix/Avenue-Guard-Real/avenueguard.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// AvenueGuard is the top-level bot. It owns the database handles, the
// gateway session and every component, and coordinates their lifecycle
// in [AvenueGuard.Run].
type AvenueGuard struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// triggerRuntimeConfigRefreshCh forces an immediate runtime config
	// reload, outside the normal refresh interval.
	triggerRuntimeConfigRefreshCh chan bool

	discord   *Discord
	tracker   *ActivityTracker
	offers    *OfferEngine
	weeklyDM  *WeeklyConversation
	tickets   *TicketSystem
	games     *Games
	sticky    *StickyKeeper
	moderator *Moderator
	responder *Responder
	stats     *DailyStats
	scheduler *Scheduler
	api       *API

	startedAt time.Time

	// runMu prevents concurrent Run calls
	runMu sync.Mutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// in addition to canceling the context passed to Run
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished startup
	// and the bot is serving gateway events
	signalReady chan struct{}
}

// New creates an AvenueGuard instance from the given config. The
// database is not opened until [AvenueGuard.Run].
func New(config *Config) (*AvenueGuard, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	ag := &AvenueGuard{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	ag.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	ag.logger = slog.New(ag.logHandler)
	slog.SetDefault(ag.logger)

	disc, err := newDiscord(ag, &config.Discord)
	if err != nil {
		errs = append(errs, err)
	}
	ag.discord = disc

	ag.tracker = newActivityTracker(ag)
	ag.offers = newOfferEngine(ag)
	ag.weeklyDM = newWeeklyConversation(ag)
	ag.tickets = newTicketSystem(ag)
	ag.games = newGames(ag)
	ag.sticky = newStickyKeeper(ag)
	ag.moderator = newModerator(ag)
	ag.stats = newDailyStats(ag)
	ag.scheduler = newScheduler(ag)

	responder, err := newResponder(ag, config.ResponsesFile)
	if err != nil {
		errs = append(errs, err)
	}
	ag.responder = responder

	ag.api = newAPI(ag, &config.API)

	return ag, errors.Join(errs...)
}

func (ag *AvenueGuard) ValidateConfig() error {
	return structValidator.Struct(ag.config)
}

// Run starts the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (ag *AvenueGuard) Run(ctx context.Context) error {
	// prevents concurrent runs
	ag.runMu.Lock()
	defer ag.runMu.Unlock()

	ag.signalStop = make(chan struct{}, 1)
	ag.startedAt = time.Now()
	logger := ag.logger

	if err := ag.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ag.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", ag.config),
	)

	db, err := CreateDB(ctx, ag.config.DatabaseType, ag.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	ag.db = db
	ag.writeDB = NewDatabase(
		db,
		logger,
		ag.config.DatabaseType == dbTypePostgres,
	)

	if err = ag.refreshRuntimeConfig(ctx); err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, ag.config.StartupTimeout)
	defer startCancel()

	ag.discord.registerGatewayHandlers(ag)
	if err = ag.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if err = ag.discord.waitConnected(startCtx, ag.config.StartupTimeout); err != nil {
		_ = ag.discord.session.Close()
		return err
	}
	if err = ag.discord.registerCommands(startCtx); err != nil {
		_ = ag.discord.session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ag.scheduler.weeklyLoop(gctx) })
	g.Go(func() error { return ag.scheduler.sweeperLoop(gctx) })
	g.Go(
		func() error {
			ag.runtimeConfigRefresher(gctx)
			return nil
		},
	)
	g.Go(func() error { return ag.stats.snapshotLoop(gctx) })
	g.Go(func() error { return ag.stats.statusLoop(gctx) })
	g.Go(func() error { return ag.api.Serve() })
	g.Go(
		func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(),
				ag.config.ShutdownTimeout,
			)
			defer shutdownCancel()
			if e := ag.api.httpServer.Shutdown(shutdownCtx); e != nil {
				logger.Error("error stopping http server", tint.Err(e))
			}
			return nil
		},
	)

	ag.signalReady <- struct{}{}
	logger.InfoContext(ctx, "startup complete")

	runErr := g.Wait()

	logger.Info("shutting down")
	ag.discord.removeGatewayHandlers()
	ag.sticky.stop()
	if e := ag.discord.session.Close(); e != nil {
		logger.Error("error closing discord session", tint.Err(e))
	}
	logger.Info("shutdown complete")

	if runErr != nil && !errors.Is(runErr, context.Canceled) &&
		!errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

// Stop signals a running bot to shut down.
func (ag *AvenueGuard) Stop() {
	select {
	case ag.signalStop <- struct{}{}:
	default:
	}
}

func (ag *AvenueGuard) handlerMessageCreate() func(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ctx := WithLogger(context.Background(), ag.logger)

		if m.GuildID == "" {
			if err := ag.weeklyDM.HandleDirectMessage(ctx, m); err != nil {
				ag.logger.Error(
					"error handling direct message",
					tint.Err(err),
					"user_id", m.Author.ID,
				)
			}
			return
		}
		if m.GuildID != ag.config.Discord.GuildID {
			return
		}

		ag.stats.RecordMessage(m)
		if err := ag.tracker.CountMessage(ctx, m); err != nil {
			ag.logger.Error(
				"error counting message",
				tint.Err(err),
				"user_id", m.Author.ID,
				"channel_id", m.ChannelID,
			)
		}
		ag.moderator.OnMessage(m)
		ag.sticky.OnMessage(m)
		ag.responder.OnMessage(m)
		if err := ag.tickets.OnMessage(ctx, m); err != nil {
			ag.logger.Error(
				"error refreshing ticket activity",
				tint.Err(err),
				"channel_id", m.ChannelID,
			)
		}
	}
}

func (ag *AvenueGuard) handlerMessageUpdate() func(
	_ *discordgo.Session,
	m *discordgo.MessageUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		if m.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.stats.RecordEdit()
	}
}

func (ag *AvenueGuard) handlerMessageDelete() func(
	_ *discordgo.Session,
	m *discordgo.MessageDelete,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		if m.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.stats.RecordDelete()
	}
}

func (ag *AvenueGuard) handlerMessageReactionAdd() func(
	_ *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.stats.RecordReaction()
		ag.moderator.OnReactionAdd(r)
	}
}

func (ag *AvenueGuard) handlerGuildMemberAdd() func(
	_ *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.stats.RecordJoin()
	}
}

func (ag *AvenueGuard) handlerGuildMemberRemove() func(
	_ *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.stats.RecordLeave()
	}
}

func (ag *AvenueGuard) handlerGuildMemberUpdate() func(
	_ *discordgo.Session,
	u *discordgo.GuildMemberUpdate,
) {
	return func(_ *discordgo.Session, u *discordgo.GuildMemberUpdate) {
		if u.GuildID != ag.config.Discord.GuildID {
			return
		}
		ag.moderator.OnMemberUpdate(u)
	}
}
