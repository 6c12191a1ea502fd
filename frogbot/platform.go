package frogbot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Directory looks up guild objects by ID. A missing object is reported
// as an error wrapping ErrPlatformNotFound.
type Directory interface {
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)

	// CategoryChannels returns the channels whose parent is categoryID
	CategoryChannels(ctx context.Context, guildID, categoryID string) ([]*discordgo.Channel, error)

	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
}

// ChannelMutator creates, deletes and sets permissions on channels
type ChannelMutator interface {
	CreateCategory(
		ctx context.Context,
		guildID string,
		name string,
		overwrites []*discordgo.PermissionOverwrite,
	) (*discordgo.Channel, error)

	CreateTextChannel(
		ctx context.Context,
		guildID string,
		parentID string,
		name string,
		overwrites []*discordgo.PermissionOverwrite,
	) (*discordgo.Channel, error)

	DeleteChannel(ctx context.Context, channelID string) error

	// SetChannelOverwrites replaces every permission overwrite on the
	// channel with the given set
	SetChannelOverwrites(
		ctx context.Context,
		channelID string,
		overwrites []*discordgo.PermissionOverwrite,
	) error
}

type MessageMutator interface {
	SendMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error)
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error)
	EditEmbed(ctx context.Context, channelID, messageID string, embed *discordgo.MessageEmbed) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
}

type MemberMutator interface {
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Platform is everything the DM category and sheet approval engines
// need from discord.
type Platform interface {
	Directory
	ChannelMutator
	MessageMutator
	MemberMutator

	// BotUserID is the bot's own user ID
	BotUserID() string
}

// discordPlatform implements Platform over a DiscordSessionHandler.
// Every call waits on a shared rate limiter, and REST errors are
// classified with platformError.
type discordPlatform struct {
	session DiscordSessionHandler
	limiter *rate.Limiter
	botID   func() string
	logger  *slog.Logger
}

func newDiscordPlatform(
	session DiscordSessionHandler,
	requestsPerSecond float64,
	botID func() string,
	logger *slog.Logger,
) *discordPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &discordPlatform{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		botID:   botID,
		logger:  logger.With(loggerNameKey, "discord_platform"),
	}
}

// wait blocks on the rate limiter and returns request options bound
// to ctx
func (p *discordPlatform) wait(ctx context.Context) ([]discordgo.RequestOption, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return []discordgo.RequestOption{discordgo.WithContext(ctx)}, nil
}

func (p *discordPlatform) BotUserID() string {
	return p.botID()
}

func (p *discordPlatform) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	g, err := p.session.Guild(guildID, opts...)
	return g, platformError(err)
}

func (p *discordPlatform) Member(
	ctx context.Context,
	guildID, userID string,
) (*discordgo.Member, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.session.GuildMember(guildID, userID, opts...)
	return m, platformError(err)
}

func (p *discordPlatform) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := p.session.GuildRoles(guildID, opts...)
	return roles, platformError(err)
}

func (p *discordPlatform) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := p.session.Channel(channelID, opts...)
	return ch, platformError(err)
}

func (p *discordPlatform) CategoryChannels(
	ctx context.Context,
	guildID, categoryID string,
) ([]*discordgo.Channel, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := p.session.GuildChannels(guildID, opts...)
	if err != nil {
		return nil, platformError(err)
	}
	var children []*discordgo.Channel
	for _, ch := range channels {
		if ch.ParentID == categoryID {
			children = append(children, ch)
		}
	}
	return children, nil
}

func (p *discordPlatform) Message(
	ctx context.Context,
	channelID, messageID string,
) (*discordgo.Message, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := p.session.ChannelMessage(channelID, messageID, opts...)
	return msg, platformError(err)
}

func (p *discordPlatform) CreateCategory(
	ctx context.Context,
	guildID string,
	name string,
	overwrites []*discordgo.PermissionOverwrite,
) (*discordgo.Channel, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := p.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildCategory,
			PermissionOverwrites: overwrites,
		},
		opts...,
	)
	if err != nil {
		return nil, platformError(err)
	}
	p.logger.InfoContext(ctx, "created category", "guild_id", guildID, "channel_id", ch.ID)
	return ch, nil
}

func (p *discordPlatform) CreateTextChannel(
	ctx context.Context,
	guildID string,
	parentID string,
	name string,
	overwrites []*discordgo.PermissionOverwrite,
) (*discordgo.Channel, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := p.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             parentID,
			PermissionOverwrites: overwrites,
		},
		opts...,
	)
	if err != nil {
		return nil, platformError(err)
	}
	p.logger.InfoContext(
		ctx,
		"created text channel",
		"guild_id", guildID,
		"parent_id", parentID,
		"channel_id", ch.ID,
	)
	return ch, nil
}

func (p *discordPlatform) DeleteChannel(ctx context.Context, channelID string) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	_, err = p.session.ChannelDelete(channelID, opts...)
	return platformError(err)
}

func (p *discordPlatform) SetChannelOverwrites(
	ctx context.Context,
	channelID string,
	overwrites []*discordgo.PermissionOverwrite,
) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	if overwrites == nil {
		overwrites = []*discordgo.PermissionOverwrite{}
	}
	_, err = p.session.ChannelEdit(
		channelID,
		&discordgo.ChannelEdit{PermissionOverwrites: overwrites},
		opts...,
	)
	return platformError(err)
}

func (p *discordPlatform) SendMessage(
	ctx context.Context,
	channelID, content string,
) (*discordgo.Message, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := p.session.ChannelMessageSend(channelID, truncate(content, discordMaxMessageLength), opts...)
	return msg, platformError(err)
}

func (p *discordPlatform) SendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) (*discordgo.Message, error) {
	opts, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := p.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	return msg, platformError(err)
}

func (p *discordPlatform) EditEmbed(
	ctx context.Context,
	channelID, messageID string,
	embed *discordgo.MessageEmbed,
) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	_, err = p.session.ChannelMessageEditEmbed(channelID, messageID, embed, opts...)
	return platformError(err)
}

func (p *discordPlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return platformError(p.session.ChannelMessageDelete(channelID, messageID, opts...))
}

func (p *discordPlatform) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return platformError(p.session.MessageReactionAdd(channelID, messageID, emoji, opts...))
}

func (p *discordPlatform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return platformError(p.session.GuildMemberRoleAdd(guildID, userID, roleID, opts...))
}

func (p *discordPlatform) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	opts, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return platformError(p.session.GuildMemberRoleRemove(guildID, userID, roleID, opts...))
}

// overwritesFor converts a target->tier layering into platform
// overwrites. Later layers replace earlier ones for the same target.
func overwritesFor(layers ...[]tieredTarget) []*discordgo.PermissionOverwrite {
	var result []*discordgo.PermissionOverwrite
	index := map[string]int{}
	for _, layer := range layers {
		for _, t := range layer {
			ow := t.Tier.Overwrite()
			po := &discordgo.PermissionOverwrite{
				ID:    t.Target.ID,
				Type:  t.Target.Type,
				Allow: ow.Allow,
				Deny:  ow.Deny,
			}
			if i, ok := index[t.Target.ID]; ok {
				result[i] = po
				continue
			}
			index[t.Target.ID] = len(result)
			result = append(result, po)
		}
	}
	return result
}

// tieredTarget pairs a resolved overwrite target with the tier to apply
type tieredTarget struct {
	Target overwriteTarget
	Tier   PermissionTier
}

// bestEffort logs err at warn if set, and reports whether the call
// succeeded.
func bestEffort(ctx context.Context, logger *slog.Logger, msg string, err error, args ...any) bool {
	if err == nil {
		return true
	}
	logger.WarnContext(ctx, fmt.Sprintf("%s (ignored)", msg), append(args, tint.Err(err))...)
	return false
}
