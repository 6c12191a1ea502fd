package frogbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathConfig           = "/config"
	apiPathQuit             = "/quit"
	apiPathReload           = "/reload"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathCategories       = "/guilds/:guild_id/categories"
	apiPathCategorySync     = "/guilds/:guild_id/categories/:owner_id/sync"
	apiPathSheets           = "/guilds/:guild_id/sheets"
	apiPathSheetSettings    = "/guilds/:guild_id/sheet_settings"
	apiPathInteractions     = "/interactions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It manages runtime config, exposes the
// stored DM categories and sheets, and can stop or reload the bot.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// The server doesn't listen until Serve is called.
func newAPI(f *FrogBot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(f, api.logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cert, err := tls.LoadX509KeyPair(config.SSL.Cert, config.SSL.Key)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   config.SSL.TLSMinVersion,
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		// cors.New panics without at least one origin
		corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(f, apiHandlers.store))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathReload, apiHandlers.reloadRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.GET(apiPathCategories, apiHandlers.getCategories)
	protected.POST(apiPathCategorySync, apiHandlers.syncCategory)
	protected.GET(apiPathSheets, apiHandlers.getSheets)
	protected.GET(apiPathSheetSettings, apiHandlers.getSheetSettings)
	protected.PUT(apiPathSheetSettings, apiHandlers.updateSheetSettings)
	protected.GET(apiPathInteractions, apiHandlers.getInteractions)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used when a cert and key are configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	f      *FrogBot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured
// secret, a random one is generated and sessions don't survive a
// restart.
func NewAPIHandlers(f *FrogBot, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = f.logger.With(loggerNameKey, "api")
	}

	var secretKey []byte
	switch sk := f.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = sessionKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(f.config.API))
	return &APIHandlers{f: f, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.f.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It only works while setup is
// pending.
//
// Responses:
//   - 201 Created: If the admin credentials were successfully set.
//   - 400 Bad Request: If the request payload is invalid.
//   - 403 Forbidden: If the setup is not pending.
//   - 500 Internal Server Error: If there is an error updating the admin credentials.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	f := h.f
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()

	if !f.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	updated := *f.runtimeConfig
	if _, err = f.writeDB.Updates(
		c.Request.Context(),
		&updated,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	updated.AdminUsername = payload.Username
	updated.AdminPassword = password
	f.runtimeConfig = &updated
	f.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the admin credentials and starts a session.
// Attempts are rate limited.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.f.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.f.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.f.paused.Load(),
			DiscordGatewayConnected: h.f.discord.connected.Load(),
			DiscordConnects:         h.f.discord.metricConnects.Load(),
			DiscordDisconnects:      h.f.discord.metricDisconnects.Load(),
			StartedAt:               h.f.startedAt,
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.f.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// The update is validated before it's saved, and applied to the running
// bot before the response is sent. Other instances are notified.
//
// Responses:
//   - 202 Accepted: Returns the updated runtime configuration.
//   - 400 Bad Request: If the request payload is invalid.
//   - 500 Internal Server Error: If there is an error updating the configuration.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	f := h.f
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	f.cfgMu.Lock()
	previous := f.runtimeConfig
	updated := *previous
	changed := updateRequest.apply(&updated)
	if len(changed) == 0 {
		f.cfgMu.Unlock()
		c.JSON(http.StatusOK, updated)
		return
	}
	if err := structValidator.Struct(updated); err != nil {
		f.cfgMu.Unlock()
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger.InfoContext(ctx, "applying updates", "fields", changed)
	if _, err := f.writeDB.Save(ctx, &updated); err != nil {
		f.cfgMu.Unlock()
		logger.ErrorContext(ctx, "error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	f.unsafeRefreshRuntimeConfig(ctx, previous, &updated)
	f.cfgMu.Unlock()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(notifyCtx)
	g.Go(
		func() error {
			if f.dbNotifier == nil || !f.dbNotifier.ReloadRuntimeConfig(gctx) {
				return errors.New("error sending config update notification")
			}
			return nil
		},
	)
	if slices.Contains(changed, "DiscordNotificationChannelID") &&
		updated.DiscordNotificationChannelID != "" &&
		f.discord.session != nil {
		g.Go(
			func() error {
				_, err := f.discord.session.ChannelMessageSend(
					updated.DiscordNotificationChannelID,
					f.config.Discord.StartupMessage,
				)
				if err != nil {
					return fmt.Errorf("error sending message to notification channel: %w", err)
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "error processing update(s)", tint.Err(err))
	}

	c.JSON(http.StatusAccepted, updated)
}

// botQuit stops every running instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h.f.dbNotifier == nil || !h.f.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// reloadRuntimeConfig makes every running instance re-read the runtime
// config from the database
func (h *APIHandlers) reloadRuntimeConfig(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if h.f.dbNotifier == nil || !h.f.dbNotifier.ReloadRuntimeConfig(ctx) {
		ginReplyError(c, "error sending notification")
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.f.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.f.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.f.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) getCategories(c *gin.Context) {
	records, err := h.f.categories.List(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginContextLogger(c).Error("error listing categories", tint.Err(err))
		ginReplyError(c, "error listing categories")
		return
	}
	if records == nil {
		records = []CategoryRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// syncCategory discovers untracked channels in an owner's category.
//
// Responses:
//   - 200 OK: Returns the newly tracked channels.
//   - 404 Not Found: If the owner has no category, or it was pruned.
func (h *APIHandlers) syncCategory(c *gin.Context) {
	discovered, err := h.f.categories.Sync(
		c.Request.Context(),
		c.Param("guild_id"),
		c.Param("owner_id"),
	)
	switch {
	case err == nil:
		if discovered == nil {
			discovered = []ChannelRecord{}
		}
		c.JSON(http.StatusOK, discovered)
	case errors.Is(err, ErrNoCategory):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	default:
		ginContextLogger(c).Error("error syncing category", tint.Err(err))
		ginReplyError(c, "error syncing category")
	}
}

func (h *APIHandlers) getSheets(c *gin.Context) {
	records, err := h.f.sheets.List(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginContextLogger(c).Error("error listing sheets", tint.Err(err))
		ginReplyError(c, "error listing sheets")
		return
	}
	if records == nil {
		records = []ApprovalRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *APIHandlers) getSheetSettings(c *gin.Context) {
	settings, err := h.f.sheets.Settings(c.Request.Context(), c.Param("guild_id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, settings)
	case errors.Is(err, ErrSettingsMissing):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	default:
		ginContextLogger(c).Error("error getting sheet settings", tint.Err(err))
		ginReplyError(c, "error getting sheet settings")
	}
}

// updateSheetSettings sets any number of a guild's sheet settings, by
// name. Settings are applied in name order, and the first invalid one
// stops the update.
//
// Responses:
//   - 200 OK: Returns the guild's settings.
//   - 400 Bad Request: If a setting name or value is invalid.
func (h *APIHandlers) updateSheetSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload map[string]string
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no settings given"})
		return
	}

	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	slices.Sort(names)

	guildID := c.Param("guild_id")
	var settings *SheetSettings
	for _, name := range names {
		var err error
		settings, err = h.f.sheets.SetSetting(c.Request.Context(), guildID, name, payload[name])
		if err != nil {
			if msg, ok := userMessage(err); ok {
				c.JSON(http.StatusBadRequest, httpError{Error: msg})
				return
			}
			logger.Error("error updating sheet settings", tint.Err(err))
			ginReplyError(c, "error updating sheet settings")
			return
		}
	}
	c.JSON(http.StatusOK, settings)
}

// getInteractions lists logged interactions, newest first by default
func (h *APIHandlers) getInteractions(c *gin.Context) {
	var query GetInteractionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = defaultPageLimit
	}

	db := h.f.db.WithContext(c.Request.Context()).
		Model(&InteractionLog{}).
		Limit(query.Limit).
		Offset(query.Offset)
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.GuildID != "" {
		db = db.Where("guild_id = ?", query.GuildID)
	}
	if query.Command != "" {
		db = db.Where("command = ?", query.Command)
	}
	if query.ErrorsOnly {
		db = db.Where("error <> ''")
	}
	if query.Order == Descending {
		db = db.Order("created_at desc, id desc")
	} else {
		db = db.Order("created_at asc, id asc")
	}

	interactions := []InteractionLog{}
	if err := db.Find(&interactions).Error; err != nil {
		ginContextLogger(c).Error("error getting interactions", tint.Err(err))
		ginReplyError(c, "error getting interactions")
		return
	}
	c.JSON(http.StatusOK, interactions)
}

// GetInteractionsQuery filters the interaction log
type GetInteractionsQuery struct {
	Pagination
	UserID     string `form:"user_id" binding:"omitempty,numeric"`
	GuildID    string `form:"guild_id" binding:"omitempty,numeric"`
	Command    string `form:"command"`
	ErrorsOnly bool   `form:"errors_only"`
}

// Pagination is the limit/offset/order of a list request
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the sorting order of a list request, asc or desc
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool      `json:"paused"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	DiscordConnects         int64     `json:"discord_connects"`
	DiscordDisconnects      int64     `json:"discord_disconnects"`
	StartedAt               time.Time `json:"started_at"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells a client whether admin credentials still need to
// be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session. While
// setup is pending, every request is rejected.
func authMiddleware(f *FrogBot, store CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if f.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, ok := session.Values[sessionVarField].(string)
		if !ok || username == "" || username != f.RuntimeConfig().AdminUsername {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, returned in the
// X-Request-ID header and attached to the request's logger
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating one with the
// request's details if needed
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	base := slog.Default()
	if v, ok := c.Get(string(loggerContextKey) + ".base"); ok {
		if l, ok := v.(*slog.Logger); ok {
			base = l
		}
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(string(loggerContextKey)+".base", logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(msg+" with errors", "duration", latency, "errors", errs.String(), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

// ginReplyMessage sends a JSON message with HTTP status 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a JSON error and HTTP status 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
