package frogbot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	guildOnlyMessage = "This command can only be used in a server."
	pausedMessage    = "I'm taking a break right now. Try again later!"
)

// commandRequest is an acknowledged slash command, ready to run
type commandRequest struct {
	handler     InteractionHandler
	interaction *discordgo.InteractionCreate
	data        discordgo.ApplicationCommandInteractionData
	user        *discordgo.User
	config      RuntimeConfig
	subcommand  string
	options     map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func (r *commandRequest) guildID() string {
	return r.interaction.GuildID
}

// stringOption returns the option's string value, or "" if it wasn't given
func (r *commandRequest) stringOption(name string) string {
	opt, ok := r.options[name]
	if !ok || opt == nil {
		return ""
	}
	if s, ok := opt.Value.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(opt.Value))
}

// requiredOption is stringOption for options that must be present
func (r *commandRequest) requiredOption(name string) (string, error) {
	v := r.stringOption(name)
	if v == "" {
		return "", newUserError(ErrInvalidArgument, "Missing `%s`", name)
	}
	return v, nil
}

// mentionableSubject resolves a mentionable option's ID to a Subject,
// using the interaction's resolved data to tell roles from users
func (r *commandRequest) mentionableSubject(id string) Subject {
	if id == r.guildID() {
		return EveryoneSubject(id)
	}
	if r.data.Resolved != nil {
		if _, ok := r.data.Resolved.Roles[id]; ok {
			return RoleSubject(id)
		}
	}
	return MemberSubject(id)
}

// commandReply is the final content of an acknowledged command's response
type commandReply struct {
	content string
	embeds  []*discordgo.MessageEmbed
}

func textReply(format string, args ...any) commandReply {
	return commandReply{content: fmt.Sprintf(format, args...)}
}

func embedReply(embed *discordgo.MessageEmbed) commandReply {
	return commandReply{embeds: []*discordgo.MessageEmbed{embed}}
}

// handleInteraction is the entrypoint for every interaction received.
// Each interaction is logged to the database once handling finishes.
func (f *FrogBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}
	logger = logger.With(slog.Group("user", "id", user.ID, "username", user.Username))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	interactionLog, err := newInteractionLog(i, user)
	if err != nil {
		logger.ErrorContext(ctx, "error creating interaction log", tint.Err(err))
	}
	defer func() {
		if interactionLog == nil {
			return
		}
		if _, createErr := f.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}
	config := f.RuntimeConfig()
	if config.isMuted(user.ID) {
		logger.InfoContext(ctx, "user is muted, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		if cmdErr := f.runCommand(ctx, handler, user, config); cmdErr != nil && interactionLog != nil {
			interactionLog.Error = cmdErr.Error()
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// ephemeralResponse is an immediate response only the invoking user sees
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// runCommand acknowledges a slash command, runs it and replies. The
// returned error is the one the command failed with, if any, after the
// user was already told about it.
func (f *FrogBot) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	config RuntimeConfig,
) (err error) {
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	subcommand, options := subcommandOptions(data)
	logger := loggerFrom(ctx, f.logger).With("command", data.Name, "subcommand", subcommand)
	ctx = WithLogger(ctx, logger)

	if i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}
	if config.Paused {
		return handler.Respond(ctx, ephemeralResponse(pausedMessage))
	}
	if ackErr := handler.Respond(ctx, f.discord.ackResponse()); ackErr != nil {
		return ackErr
	}

	defer func() {
		if rc := recover(); rc != nil {
			f.handleRecover(ctx, rc)
			err = fmt.Errorf("recovered from panic: %v", rc)
			f.reply(ctx, handler, commandReply{content: config.DiscordErrorMessage})
		}
	}()

	req := &commandRequest{
		handler:     handler,
		interaction: i,
		data:        data,
		user:        user,
		config:      config,
		subcommand:  subcommand,
		options:     options,
	}

	var reply commandReply
	switch data.Name {
	case DiscordSlashCommandDM:
		reply, err = f.runDMCommand(ctx, req)
	case DiscordSlashCommandSheet:
		reply, err = f.runSheetCommand(ctx, req)
	default:
		err = fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, data.Name)
	}

	if err != nil {
		msg, ok := userMessage(err)
		if ok {
			logger.InfoContext(ctx, "command refused", "reason", msg, tint.Err(err))
		} else {
			logger.ErrorContext(
				ctx,
				"error running command",
				tint.Err(err),
				"options", structToSlogValue(data),
			)
			msg = config.DiscordErrorMessage
		}
		reply = commandReply{content: msg}
	}
	f.reply(ctx, handler, reply)
	return err
}

// reply replaces the deferred response with the command's output
func (f *FrogBot) reply(ctx context.Context, handler InteractionHandler, reply commandReply) {
	content := truncate(reply.content, discordMaxMessageLength)
	edit := &discordgo.WebhookEdit{Content: &content}
	if len(reply.embeds) > 0 {
		edit.Embeds = &reply.embeds
	}
	if _, err := handler.Edit(ctx, edit); err != nil {
		loggerFrom(ctx, f.logger).ErrorContext(ctx, "error sending command reply", tint.Err(err))
	}
}

// hasRoleNamed reports whether any of the member's roles has one of the
// given names
func hasRoleNamed(
	ctx context.Context,
	dir Directory,
	guildID string,
	memberRoleIDs []string,
	names []string,
) (bool, error) {
	if len(names) == 0 || len(memberRoleIDs) == 0 {
		return false, nil
	}
	roles, err := dir.Roles(ctx, guildID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if slices.Contains(names, role.Name) && slices.Contains(memberRoleIDs, role.ID) {
			return true, nil
		}
	}
	return false, nil
}

// isAuthorized reports whether the user is a bot owner or has one of the
// named roles
func (f *FrogBot) isAuthorized(
	ctx context.Context,
	guildID, userID string,
	memberRoleIDs []string,
	names []string,
) (bool, error) {
	if slices.Contains(f.config.Discord.OwnerIDs, userID) {
		return true, nil
	}
	return hasRoleNamed(ctx, f.platform, guildID, memberRoleIDs, names)
}

// authorize returns ErrNotAuthorized unless the invoking user is a bot
// owner or has one of the named roles
func (f *FrogBot) authorize(ctx context.Context, req *commandRequest, names []string) error {
	var roleIDs []string
	if req.interaction.Member != nil {
		roleIDs = req.interaction.Member.Roles
	}
	ok, err := f.isAuthorized(ctx, req.guildID(), req.user.ID, roleIDs, names)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// handleRecover logs a panic recovered while handling a command
func (*FrogBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}
