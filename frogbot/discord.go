package frogbot

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandDM    = "dm"
	DiscordSlashCommandSheet = "sheet"

	dmSubcommandInfo          = "info"
	dmSubcommandSetup         = "setup"
	dmSubcommandDelete        = "delete"
	dmSubcommandSync          = "sync"
	dmSubcommandChannelCreate = "channel-create"
	dmSubcommandChannelDelete = "channel-delete"
	dmSubcommandAllow         = "allow"
	dmSubcommandDeny          = "deny"
	dmSubcommandArchive       = "archive"
	dmSubcommandUnarchive     = "unarchive"
	dmSubcommandAdopt         = "adopt"

	sheetSubcommandSubmit   = "submit"
	sheetSubcommandApprove  = "approve"
	sheetSubcommandRevoke   = "revoke"
	sheetSubcommandPending  = "pending"
	sheetSubcommandSettings = "settings"
	sheetSubcommandSet      = "set"

	optionUser     = "user"
	optionName     = "name"
	optionChannel  = "channel"
	optionTarget   = "target"
	optionTier     = "tier"
	optionCategory = "category"
	optionContent  = "content"
	optionID       = "id"
	optionSetting  = "setting"
	optionValue    = "value"

	discordMaxChannelNameLength = 100
)

// Discord manages the discord gateway session, slash command
// registration and connection state.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	httpClient                  *http.Client
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	botUserID                   atomic.Value
	discordgoRemoveHandlerFuncs []func()
	fb                          *FrogBot
}

func newDiscord(config *DiscordConfig, httpClient *http.Client, logger *slog.Logger) *Discord {
	d := &Discord{
		config:                      config,
		httpClient:                  httpClient,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.botUserID.Store("")
	return d
}

// newSession creates a discordgo session for the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.httpClient != nil {
		session.SetHTTPClient(d.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, once the gateway has sent Ready
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

func guildOnly() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func tierChoices() []*discordgo.ApplicationCommandOptionChoice {
	tiers := []PermissionTier{TierAdmin, TierReadWrite, TierReadOnly, TierHidden}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(tiers))
	for _, t := range tiers {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  t.String(),
			Value: t.String(),
		})
	}
	return choices
}

func dmChannelOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         optionChannel,
		Description:  description,
		Required:     true,
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
	}
}

// appCommandDM creates the /dm command and its subcommands
func (*Discord) appCommandDM() *discordgo.ApplicationCommand {
	dmPerm := false
	nameMin := 1
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandDM,
		Description:  "Manage your DM category",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPerm,
		Contexts:     guildOnly(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandInfo,
				Description: "Show a DM category",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        optionUser,
						Description: "Whose category to show (defaults to yours)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandSetup,
				Description: "Create your DM category",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandDelete,
				Description: "Delete your DM category and every channel in it",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandSync,
				Description: "Pick up new channels and re-apply permissions",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandChannelCreate,
				Description: "Create a channel in your DM category",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionName,
						Description: "Channel name",
						Required:    true,
						MinLength:   &nameMin,
						MaxLength:   discordMaxChannelNameLength,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandChannelDelete,
				Description: "Delete a channel from your DM category",
				Options: []*discordgo.ApplicationCommandOption{
					dmChannelOption("Channel to delete"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandAllow,
				Description: "Set a role's or member's access to a channel",
				Options: []*discordgo.ApplicationCommandOption{
					dmChannelOption("Channel to change"),
					{
						Type:        discordgo.ApplicationCommandOptionMentionable,
						Name:        optionTarget,
						Description: "Role or member",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionTier,
						Description: "Access level (defaults to Read/Send)",
						Choices:     tierChoices(),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandDeny,
				Description: "Remove a role's or member's access setting from a channel",
				Options: []*discordgo.ApplicationCommandOption{
					dmChannelOption("Channel to change"),
					{
						Type:        discordgo.ApplicationCommandOptionMentionable,
						Name:        optionTarget,
						Description: "Role or member",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandArchive,
				Description: "Make a channel read-only",
				Options: []*discordgo.ApplicationCommandOption{
					dmChannelOption("Channel to archive"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandUnarchive,
				Description: "Restore an archived channel",
				Options: []*discordgo.ApplicationCommandOption{
					dmChannelOption("Channel to unarchive"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        dmSubcommandAdopt,
				Description: "Track an existing category as someone's DM category",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         optionCategory,
						Description:  "Existing category",
						Required:     true,
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildCategory},
					},
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        optionUser,
						Description: "Category owner (defaults to you)",
					},
				},
			},
		},
	}
}

// appCommandSheet creates the /sheet command and its subcommands
func (*Discord) appCommandSheet() *discordgo.ApplicationCommand {
	dmPerm := false
	contentMin := 1
	settingChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(SettingNames))
	for _, name := range SettingNames {
		settingChoices = append(settingChoices, &discordgo.ApplicationCommandOptionChoice{
			Name:  name,
			Value: name,
		})
	}
	idOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionID,
		Description: "Approval ID of the sheet",
		Required:    true,
	}

	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandSheet,
		Description:  "Character sheet approval",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPerm,
		Contexts:     guildOnly(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandSubmit,
				Description: "Submit a sheet for approval",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionContent,
						Description: "Sheet link or description",
						Required:    true,
						MinLength:   &contentMin,
						MaxLength:   discordMaxEmbedDesc,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandApprove,
				Description: "Approve a sheet",
				Options:     []*discordgo.ApplicationCommandOption{idOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandRevoke,
				Description: "Remove your approval from a sheet",
				Options:     []*discordgo.ApplicationCommandOption{idOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandPending,
				Description: "List sheets awaiting approval",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandSettings,
				Description: "Show this server's sheet approval settings",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sheetSubcommandSet,
				Description: "Change a sheet approval setting",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionSetting,
						Description: "Setting name",
						Required:    true,
						Choices:     settingChoices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionValue,
						Description: "New value (a channel, role, number or message)",
						Required:    true,
					},
				},
			},
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", d.BotUserID(),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "user_id", d.BotUserID())

		if d.fb == nil || d.config.StartupMessage == "" {
			return
		}
		config := d.fb.RuntimeConfig()
		if config.DiscordNotificationChannelID == "" {
			return
		}
		if sendErr := d.channelMessageSend(
			config.DiscordNotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); sendErr != nil {
			d.logger.Error("unable to send startup message", tint.Err(sendErr))
		} else {
			d.logger.Info("sent startup notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "user_id", d.BotUserID())
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandDM(),
		d.appCommandSheet(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands were created")
	}
	return created, nil
}

// ackResponse defers the reply to a slash command. Replies are only
// visible to the invoking user.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically the methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
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

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	// GuildChannelCreateComplex creates a channel (or category) with the
	// given settings, including its permission overwrites
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ChannelEdit edits a channel. Permission overwrites in the edit
	// replace every existing overwrite.
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelMessage(
		channelID, messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditEmbed(
		channelID, messageID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error

	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error

	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "command_id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating channel",
			tint.Err(err),
			"guild_id", guildID,
			"name", data.Name,
			"type", data.Type,
		)
	}
	return ch, err
}

func (d DiscordSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelEdit(channelID, data, options...)
	if err != nil {
		d.logger.Error("error editing channel", tint.Err(err), "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error("error deleting channel", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) ChannelMessage(
	channelID, messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (d DiscordSession) ChannelMessageEditEmbed(
	channelID, messageID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditEmbed(channelID, messageID, embed, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID, messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID, messageID, emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error adding role",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
			"role_id", roleID,
		)
	}
	return err
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error removing role",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
			"role_id", roleID,
		)
	}
	return err
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
