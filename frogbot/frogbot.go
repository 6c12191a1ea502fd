package frogbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/superturtle41/FrogBot/frogbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

// FrogBot is the bot: it owns the database, the discord session, the
// DM category and sheet approval engines, and the admin API.
type FrogBot struct {
	config *Config

	// Read connection. Writes go through writeDB.
	db *gorm.DB

	// Write wrapper around db. With sqlite, writes are serialized.
	writeDB DBI

	dbNotifier DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord

	// platform is the rate limited discord REST surface the engines use
	platform      Platform
	categories    *CategoryManager
	sheets        *SheetApprovals
	confirmations *confirmations

	// nil when the API is disabled
	api *API

	// signalStop stops Run, for example from the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has connected to discord
	signalReady chan struct{}

	// eventShutdown receives a value once shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	paused atomic.Bool

	startedAt time.Time

	// pendingSetup is true until admin credentials are set. The API
	// setup endpoint only works while it's true.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a FrogBot from config. Nothing is opened or connected
// until Run is called.
func New(config *Config) (*FrogBot, error) {
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

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	f := &FrogBot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		confirmations:                 newConfirmations(),
	}
	defaultConfig := DefaultRuntimeConfig()
	f.runtimeConfig = &defaultConfig

	f.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     f.config.LogLevel,
			AddSource: true,
		},
	)
	f.logger = slog.New(f.logHandler)
	slog.SetDefault(f.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     f.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	discordLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     f.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	f.discord = newDiscord(config.Discord, config.HTTPClient, discordLogger)
	f.discord.fb = f

	if config.API != nil && config.API.Listen != "" {
		api, err := newAPI(f, config.API)
		errs = append(errs, err)
		f.api = api
	}

	return f, errors.Join(errs...)
}

func (f *FrogBot) ValidateConfig() error {
	return structValidator.Struct(f.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (f *FrogBot) RuntimeConfig() RuntimeConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return *f.runtimeConfig
}

// RegisterSlashCommands overwrites the application's slash commands
func (f *FrogBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return f.discord.registerCommands(options...)
}

// Run opens the database, connects to discord and handles events until
// ctx is canceled or a stop signal is received, then shuts down.
func (f *FrogBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	f.runMu.Lock()
	defer f.runMu.Unlock()

	f.signalStop = make(chan struct{}, 1)
	f.startedAt = time.Now()
	logger := f.logger

	if err := f.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(f)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	f.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", f.config))

	// the 'runtime' context. Canceling it starts a graceful shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-f.signalStop:
			f.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			f.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, f.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- f.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if f.api != nil {
		go func() {
			httpErr := f.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				f.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err = f.initDiscordSession(ctx, runtimeWG); err != nil {
		f.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	f.initEngines()

	if err = f.discordInit(ctx, f.RuntimeConfig(), logger); err != nil {
		return err
	}

	f.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	select {
	case f.signalReady <- struct{}{}:
		f.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		g, gctx := errgroup.WithContext(ctx)
		for _, channel := range []string{
			f.dbNotifier.RuntimeConfigChannelName(),
			f.dbNotifier.StopChannelName(),
		} {
			g.Go(func() error { return f.dbNotifier.Listen(gctx, channel) })
		}
		if e := g.Wait(); e != nil && !errors.Is(e, context.Canceled) {
			f.logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	// block until the runtime context is canceled, generally from an
	// interrupt or the `/api/quit` endpoint
	<-ctx.Done()

	return f.shutdown(ctx, runtimeWG)
}

// initRun opens the database and loads (or creates) the runtime config
func (f *FrogBot) initRun(ctx context.Context) error {
	f.logger.Debug("initializing DB...")
	if err := f.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	f.logger.Debug("finished initializing DB")

	// the runtime config is loaded before connecting, so a bot that was
	// paused stays paused across restarts
	var botState RuntimeConfig
	getStateErr := f.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := f.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if err := structValidator.Struct(botState); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	f.pendingSetup.Store(botState.AdminUsername == "" || botState.AdminPassword == "")
	f.paused.Store(botState.Paused)
	f.setRuntimeLevels(botState)

	f.cfgMu.Lock()
	f.runtimeConfig = &botState
	f.cfgMu.Unlock()
	return nil
}

// initDB opens the configured database, applies sqlite connection
// settings and migrates every model
func (f *FrogBot) initDB(ctx context.Context) error {
	logger := loggerFrom(ctx, f.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     f.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, f.config.DatabaseSlowThreshold)
	db, err := getDB(f.config.DatabaseType, f.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	f.db = db
	f.writeDB = NewDatabase(db, f.logger, f.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if f.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.Debug("migrating database...")
	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(allModels()...)
		},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

// initEngines builds the platform and both engines over the current
// discord session and database. Anything already set is kept.
func (f *FrogBot) initEngines() {
	if f.platform == nil {
		f.platform = newDiscordPlatform(
			f.discord.session,
			f.config.Discord.RequestsPerSecond,
			f.discord.BotUserID,
			f.logger,
		)
	}
	if f.categories == nil {
		f.categories = NewCategoryManager(NewCategoryStore(f.writeDB), f.platform, f.logger)
	}
	if f.sheets == nil {
		f.sheets = NewSheetApprovals(NewApprovalStore(f.writeDB), f.platform, f.logger)
	}
	if f.confirmations == nil {
		f.confirmations = newConfirmations()
	}
}

func (f *FrogBot) newGatewayHandler(i *discordgo.InteractionCreate) InteractionHandler {
	return GatewayHandler{
		session:     f.discord.session,
		interaction: i,
		logger: f.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

// initDiscordSession creates the session (if needed) and adds the
// gateway event handlers. Every event is handled in its own goroutine,
// tracked by runtimeWG.
func (f *FrogBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := f.logger.With(loggerNameKey, "discord_session")

	if f.discord.session == nil {
		disc, err := f.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		f.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range f.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	f.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  f.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(f.RuntimeConfig()),
		},
	)

	session := f.discord.session
	f.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(f.discord.handlerConnect()),
		session.AddHandler(f.discord.handlerDisconnect()),
		session.AddHandler(f.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := f.newGatewayHandler(i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					f.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					f.handleDiscordMessage(ctx, m)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					f.handleReactionAdd(ctx, r)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					f.handleReactionRemove(ctx, r)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, if enabled, and registers
// slash commands if configured to
func (f *FrogBot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := f.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if f.config.Discord.RegisterCommands {
		created, err := f.RegisterSlashCommands(discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		logger.InfoContext(ctx, "registered commands", "count", len(created))
	}
	return nil
}

// Pause stops the bot from handling commands, reactions and sheet
// submissions. It returns false if the bot was already paused.
func (f *FrogBot) Pause(ctx context.Context) bool {
	if f.paused.Swap(true) {
		return false
	}
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	return f.setPaused(ctx, true)
}

// Resume undoes Pause. It returns false if the bot wasn't paused.
func (f *FrogBot) Resume(ctx context.Context) bool {
	if !f.paused.Swap(false) {
		return false
	}
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	return f.setPaused(ctx, false)
}

// setPaused persists the paused state and updates the bot's presence.
// cfgMu must be held.
func (f *FrogBot) setPaused(ctx context.Context, paused bool) bool {
	if f.runtimeConfig.Paused != paused {
		if _, err := f.writeDB.Update(ctx, f.runtimeConfig, columnRuntimeConfigPaused, paused); err != nil {
			f.logger.ErrorContext(ctx, "unable to save paused state", tint.Err(err))
		}
		f.runtimeConfig.Paused = paused
	}
	if f.discord.session != nil && f.runtimeConfig.DiscordGatewayEnabled {
		presence := getDiscordPresenceStatusUpdate(*f.runtimeConfig)
		if err := f.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:        presence.AFK,
				Status:     presence.Status,
				Activities: []*discordgo.Activity{&presence.Game},
			},
		); err != nil {
			f.logger.ErrorContext(ctx, "unable to update discord status", tint.Err(err))
		}
	}
	f.logger.InfoContext(ctx, "updated paused state", "paused", paused)
	return true
}

// startRuntimeConfigRefresher re-reads the runtime config every
// RuntimeConfigTTL, and whenever a refresh is triggered by a
// notification
func (f *FrogBot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := f.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case f.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-f.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				f.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database if
// force is set, or if the stored config changed more recently than the
// TTL
func (f *FrogBot) refreshRuntimeConfig(ctx context.Context, force bool) {
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()

	var refreshed RuntimeConfig
	if err := f.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		f.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshed.UpdatedAt))
	if !force && lastUpdated > f.config.RuntimeConfigTTL {
		f.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	f.unsafeRefreshRuntimeConfig(ctx, f.runtimeConfig, &refreshed)
}

// unsafeRefreshRuntimeConfig swaps in the new runtime config and applies
// its side effects. cfgMu must be held.
func (f *FrogBot) unsafeRefreshRuntimeConfig(
	ctx context.Context,
	previous *RuntimeConfig,
	current *RuntimeConfig,
) {
	session := f.discord.session
	if session != nil {
		switch {
		case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
			if err := session.Close(); err != nil {
				f.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
			}
		case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
			session.SetIdentify(
				discordgo.Identify{
					Intents:  f.config.Discord.GatewayIntents,
					Presence: getDiscordPresenceStatusUpdate(*current),
				},
			)
			if err := session.Open(); err != nil {
				f.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
			}
		case current.DiscordGatewayEnabled &&
			(previous.Paused != current.Paused ||
				previous.DiscordCustomStatus != current.DiscordCustomStatus):
			presence := getDiscordPresenceStatusUpdate(*current)
			if err := session.UpdateStatusComplex(
				discordgo.UpdateStatusData{
					AFK:        presence.AFK,
					Status:     presence.Status,
					Activities: []*discordgo.Activity{&presence.Game},
				},
			); err != nil {
				f.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}
	}

	f.runtimeConfig = current
	f.paused.Store(current.Paused)
	f.pendingSetup.Store(current.AdminUsername == "" || current.AdminPassword == "")
	f.setRuntimeLevels(*current)
	f.logger.InfoContext(ctx, "refreshed runtime config")
}

// setRuntimeLevels applies the runtime config's log levels
func (f *FrogBot) setRuntimeLevels(state RuntimeConfig) {
	f.config.LogLevel.Set(state.LogLevel.Level())
	f.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	f.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	f.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	if f.config.API != nil && f.config.API.LogLevel != nil {
		f.config.API.LogLevel.Set(state.APILogLevel.Level())
	}
}

// shutdown waits for in-flight handlers to finish, then closes the API
// server and discord session. If that takes longer than ShutdownTimeout,
// the servers are closed immediately and an error is returned.
func (f *FrogBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	f.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case f.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := f.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		f.logger.Warn("immediate shutdown")
		f.closeNow()
		return errors.New("shutdown timeout is zero, closed immediately")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	f.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		f.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if f.api != nil && f.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				f.logger.InfoContext(ctx, "stopping http server")
				_ = f.api.httpServer.Shutdown(closeCtx)
				f.logger.InfoContext(ctx, "http server stopped")
			}()
		}
		if f.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				f.logger.InfoContext(ctx, "closing discord session")
				_ = f.discord.session.Close()
				for _, h := range f.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				f.discord.discordgoRemoveHandlerFuncs = nil
				f.logger.InfoContext(ctx, "discord session closed")
			}()
		}
		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			f.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			f.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			f.logger.Warn("event handlers did not stop in time, forcing close")
			f.closeNow()
			return errors.New("event handlers did not stop in time")
		}
	}
}

func (f *FrogBot) closeNow() {
	if f.api != nil && f.api.httpServer != nil {
		go func() {
			_ = f.api.httpServer.Close()
		}()
	}
	if f.discord.session != nil {
		go func() {
			_ = f.discord.session.Close()
		}()
	}
}
