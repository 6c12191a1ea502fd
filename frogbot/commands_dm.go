package frogbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
)

const dmInfoEmbedColor = 0x3498db

// runDMCommand runs a /dm subcommand for the invoking user's category
func (f *FrogBot) runDMCommand(ctx context.Context, req *commandRequest) (commandReply, error) {
	roles := req.config.DMRoleNames
	if req.subcommand == dmSubcommandAdopt {
		roles = req.config.SettingsRoleNames
	}
	if err := f.authorize(ctx, req, roles); err != nil {
		return commandReply{}, err
	}

	guildID := req.guildID()
	ownerID := req.user.ID

	switch req.subcommand {
	case dmSubcommandInfo:
		return f.dmInfo(ctx, req)
	case dmSubcommandSetup:
		rec, err := f.categories.Setup(ctx, guildID, ownerID)
		if err != nil {
			return commandReply{}, err
		}
		hub := rec.CategoryID
		if len(rec.Channels) > 0 {
			hub = rec.Channels[0].ChannelID
		}
		return textReply("Created your DM category! Head over to <#%s> to get started.", hub), nil
	case dmSubcommandDelete:
		return f.dmDelete(ctx, req)
	case dmSubcommandSync:
		discovered, err := f.categories.Sync(ctx, guildID, ownerID)
		if err != nil {
			return commandReply{}, err
		}
		if len(discovered) == 0 {
			return textReply("Synced your DM category."), nil
		}
		mentions := make([]string, 0, len(discovered))
		for _, ch := range discovered {
			mentions = append(mentions, channelMention(ch.ChannelID))
		}
		return textReply(
			"Synced your DM category. Found %d new %s: %s",
			len(discovered),
			pluralize(len(discovered), "channel", "channels"),
			strings.Join(mentions, ", "),
		), nil
	case dmSubcommandChannelCreate:
		name, err := req.requiredOption(optionName)
		if err != nil {
			return commandReply{}, err
		}
		ch, err := f.categories.CreateChannel(ctx, guildID, ownerID, name)
		if err != nil {
			return commandReply{}, err
		}
		return textReply("Created %s.", channelMention(ch.ChannelID)), nil
	case dmSubcommandChannelDelete:
		channelID, err := req.requiredOption(optionChannel)
		if err != nil {
			return commandReply{}, err
		}
		if err = f.categories.DeleteChannel(ctx, guildID, ownerID, channelID); err != nil {
			return commandReply{}, err
		}
		return textReply("Deleted the channel."), nil
	case dmSubcommandAllow:
		return f.dmAllow(ctx, req)
	case dmSubcommandDeny:
		channelID, err := req.requiredOption(optionChannel)
		if err != nil {
			return commandReply{}, err
		}
		targetID, err := req.requiredOption(optionTarget)
		if err != nil {
			return commandReply{}, err
		}
		subject := req.mentionableSubject(targetID)
		removed, err := f.categories.RemovePermission(ctx, guildID, ownerID, channelID, targetID)
		if err != nil {
			return commandReply{}, err
		}
		if !removed {
			return textReply(
				"%s has no permissions set on %s.",
				subject.Mention(), channelMention(channelID),
			), nil
		}
		return textReply(
			"Removed %s's permissions from %s.",
			subject.Mention(), channelMention(channelID),
		), nil
	case dmSubcommandArchive:
		channelID, err := req.requiredOption(optionChannel)
		if err != nil {
			return commandReply{}, err
		}
		changed, err := f.categories.Archive(ctx, guildID, ownerID, channelID)
		if err != nil {
			return commandReply{}, err
		}
		if !changed {
			return commandReply{}, ErrAlreadyArchived
		}
		return textReply("Archived %s. Everyone with access can still read it.", channelMention(channelID)), nil
	case dmSubcommandUnarchive:
		channelID, err := req.requiredOption(optionChannel)
		if err != nil {
			return commandReply{}, err
		}
		changed, err := f.categories.Unarchive(ctx, guildID, ownerID, channelID)
		if err != nil {
			return commandReply{}, err
		}
		if !changed {
			return commandReply{}, ErrNotArchived
		}
		return textReply("Unarchived %s.", channelMention(channelID)), nil
	case dmSubcommandAdopt:
		categoryID, err := req.requiredOption(optionCategory)
		if err != nil {
			return commandReply{}, err
		}
		if userID := req.stringOption(optionUser); userID != "" {
			ownerID = userID
		}
		rec, _, err := f.categories.Adopt(ctx, guildID, ownerID, categoryID)
		if err != nil {
			return commandReply{}, err
		}
		return textReply(
			"%s is now %s's DM category, with %d %s.",
			channelMention(rec.CategoryID),
			MemberSubject(ownerID).Mention(),
			len(rec.Channels),
			pluralize(len(rec.Channels), "channel", "channels"),
		), nil
	default:
		return commandReply{}, fmt.Errorf("%w: unknown subcommand %q", ErrInvalidArgument, req.subcommand)
	}
}

func (f *FrogBot) dmAllow(ctx context.Context, req *commandRequest) (commandReply, error) {
	channelID, err := req.requiredOption(optionChannel)
	if err != nil {
		return commandReply{}, err
	}
	targetID, err := req.requiredOption(optionTarget)
	if err != nil {
		return commandReply{}, err
	}
	tier := TierReadWrite
	if tierName := req.stringOption(optionTier); tierName != "" {
		if tier, err = ParsePermissionTier(tierName); err != nil {
			return commandReply{}, err
		}
	}

	subject := req.mentionableSubject(targetID)
	entry, err := NewPermissionEntry(subject, tier)
	if err != nil {
		return commandReply{}, err
	}
	if err = f.categories.AddPermission(ctx, req.guildID(), req.user.ID, channelID, entry); err != nil {
		return commandReply{}, err
	}
	return textReply(
		"%s now has **%s** access to %s.",
		subject.Mention(), tier, channelMention(channelID),
	), nil
}

// dmDelete asks the user to confirm, then deletes their category
func (f *FrogBot) dmDelete(ctx context.Context, req *commandRequest) (commandReply, error) {
	guildID := req.guildID()
	ownerID := req.user.ID
	if _, err := f.categories.Get(ctx, guildID, ownerID); err != nil {
		return commandReply{}, err
	}

	f.reply(ctx, req.handler, commandReply{content: confirmationWarning})
	confirmed := f.confirmations.await(
		ctx,
		req.interaction.ChannelID,
		ownerID,
		f.config.Discord.ConfirmationTimeout,
	)
	if !confirmed {
		return textReply("Cancelled. Your DM category was not deleted."), nil
	}

	if err := f.categories.Delete(ctx, guildID, ownerID); err != nil {
		return commandReply{}, err
	}
	return textReply("Deleted your DM category."), nil
}

// dmInfo shows the invoking user's category, or another member's
func (f *FrogBot) dmInfo(ctx context.Context, req *commandRequest) (commandReply, error) {
	guildID := req.guildID()
	ownerID := req.user.ID
	if userID := req.stringOption(optionUser); userID != "" {
		ownerID = userID
	}

	name := req.user.Username
	if member, err := f.platform.Member(ctx, guildID, ownerID); err == nil {
		name = memberDisplayName(member)
	} else if !errors.Is(err, ErrPlatformNotFound) {
		return commandReply{}, err
	}

	rec, err := f.categories.Get(ctx, guildID, ownerID)
	if errors.Is(err, ErrNoCategory) {
		return embedReply(&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("%s does not have a DM Category!", name),
			Description: "Create a DM Category with /dm setup",
			Color:       dmInfoEmbedColor,
		}), nil
	}
	if err != nil {
		return commandReply{}, err
	}
	return embedReply(categoryInfoEmbed(name, rec)), nil
}

func categoryInfoEmbed(ownerName string, rec *CategoryRecord) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s checks their DM Category!", ownerName),
		Description: fmt.Sprintf("Number of Channels: %d", len(rec.Channels)),
		Color:       dmInfoEmbedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Created " + humanize.Time(time.UnixMilli(rec.CreatedAt)),
		},
	}
	for i, ch := range rec.Channels {
		if i >= discordMaxEmbedFields {
			break
		}
		var lines []string
		lines = append(lines, channelMention(ch.ChannelID))
		if ch.Archived {
			lines = append(lines, "*archived*")
		}
		for _, e := range ch.Permissions {
			lines = append(lines, fmt.Sprintf("%s: %s", e.Subject.Mention(), e.Tier))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("Channel %d", i+1),
			Value: truncate(strings.Join(lines, "\n"), 1024),
		})
	}
	return embed
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
