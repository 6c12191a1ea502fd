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

const sheetSettingsEmbedColor = 0x95a5a6

func (f *FrogBot) runSheetCommand(ctx context.Context, req *commandRequest) (commandReply, error) {
	guildID := req.guildID()

	switch req.subcommand {
	case sheetSubcommandSubmit:
		content, err := req.requiredOption(optionContent)
		if err != nil {
			return commandReply{}, err
		}
		return f.sheetSubmit(ctx, req, content)
	case sheetSubcommandApprove:
		if err := f.authorize(ctx, req, req.config.ApproverRoleNames); err != nil {
			return commandReply{}, err
		}
		return f.sheetApprove(ctx, req)
	case sheetSubcommandRevoke:
		if err := f.authorize(ctx, req, req.config.ApproverRoleNames); err != nil {
			return commandReply{}, err
		}
		return f.sheetRevoke(ctx, req)
	case sheetSubcommandPending:
		return f.sheetPending(ctx, guildID)
	case sheetSubcommandSettings:
		settings, err := f.sheets.Settings(ctx, guildID)
		if errors.Is(err, ErrSettingsMissing) {
			settings = &SheetSettings{GuildID: guildID}
		} else if err != nil {
			return commandReply{}, err
		}
		return embedReply(sheetSettingsEmbed(settings)), nil
	case sheetSubcommandSet:
		if err := f.authorize(ctx, req, req.config.SettingsRoleNames); err != nil {
			return commandReply{}, err
		}
		name, err := req.requiredOption(optionSetting)
		if err != nil {
			return commandReply{}, err
		}
		value, err := req.requiredOption(optionValue)
		if err != nil {
			return commandReply{}, err
		}
		settings, err := f.sheets.SetSetting(ctx, guildID, name, value)
		if err != nil {
			return commandReply{}, err
		}
		return commandReply{
			content: fmt.Sprintf("Set `%s` to `%s`", name, value),
			embeds:  []*discordgo.MessageEmbed{sheetSettingsEmbed(settings)},
		}, nil
	default:
		return commandReply{}, fmt.Errorf("%w: unknown subcommand %q", ErrInvalidArgument, req.subcommand)
	}
}

// sheetSubmit posts the sheet in the guild's sheet channel, or the
// current channel if none is configured
func (f *FrogBot) sheetSubmit(ctx context.Context, req *commandRequest, content string) (commandReply, error) {
	guildID := req.guildID()
	channelID := req.interaction.ChannelID
	settings, err := f.sheets.Settings(ctx, guildID)
	switch {
	case err == nil && settings.SheetChannelID != "":
		channelID = settings.SheetChannelID
	case err != nil && !errors.Is(err, ErrSettingsMissing):
		return commandReply{}, err
	}

	rec, err := f.sheets.Submit(ctx, guildID, channelID, req.user.ID, content)
	if err != nil {
		return commandReply{}, err
	}
	return textReply(
		"Your sheet was submitted in %s! Approval ID: `%s`",
		channelMention(rec.ChannelID), rec.MessageID,
	), nil
}

func (f *FrogBot) sheetApprove(ctx context.Context, req *commandRequest) (commandReply, error) {
	id, err := req.requiredOption(optionID)
	if err != nil {
		return commandReply{}, err
	}
	outcome, err := f.sheets.AddApproval(ctx, req.guildID(), id, req.user.ID)
	if err != nil {
		return commandReply{}, sheetNotFound(err, id)
	}
	switch outcome {
	case ApprovalOwnSheet:
		return textReply("You cannot approve your own sheet!"), nil
	case ApprovalDuplicate:
		return textReply("You have already approved this sheet! You cannot approve it again."), nil
	case ApprovalCompleted:
		return textReply("You have added your approval to the sheet! The sheet is now fully approved."), nil
	default:
		return textReply("You have added your approval to the sheet!"), nil
	}
}

func (f *FrogBot) sheetRevoke(ctx context.Context, req *commandRequest) (commandReply, error) {
	id, err := req.requiredOption(optionID)
	if err != nil {
		return commandReply{}, err
	}
	removed, err := f.sheets.RemoveApproval(ctx, req.guildID(), id, req.user.ID)
	if err != nil {
		return commandReply{}, sheetNotFound(err, id)
	}
	if !removed {
		return textReply("You have not approved this sheet, so you cannot remove your approval."), nil
	}
	return textReply("You have removed your approval from Sheet ID: %s", id), nil
}

// sheetNotFound gives ErrNoSheet a message naming the approval ID
func sheetNotFound(err error, id string) error {
	if errors.Is(err, ErrNoSheet) {
		return newUserError(ErrNoSheet, "Could not find a sheet with Approval ID: %s", id)
	}
	return err
}

func (f *FrogBot) sheetPending(ctx context.Context, guildID string) (commandReply, error) {
	records, err := f.sheets.List(ctx, guildID)
	if err != nil {
		return commandReply{}, err
	}
	if len(records) == 0 {
		return textReply("There are no sheets waiting for approval."), nil
	}

	quorum := 0
	if settings, settingsErr := f.sheets.Settings(ctx, guildID); settingsErr == nil {
		quorum = settings.Approvals
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Pending Sheets",
		Description: fmt.Sprintf("%d %s waiting for approval", len(records), pluralize(len(records), "sheet", "sheets")),
		Color:       sheetEmbedColor,
	}
	for i, rec := range records {
		if i >= discordMaxEmbedFields {
			break
		}
		approvals := fmt.Sprintf("%d", len(rec.Approvals))
		if quorum > 0 {
			approvals = fmt.Sprintf("%d/%d", len(rec.Approvals), quorum)
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: rec.MessageID,
			Value: fmt.Sprintf(
				"%s in %s\nApprovals: %s\nSubmitted %s",
				MemberSubject(rec.OwnerID).Mention(),
				channelMention(rec.ChannelID),
				approvals,
				humanize.Time(time.UnixMilli(rec.CreatedAt)),
			),
		})
	}
	return embedReply(embed), nil
}

func sheetSettingsEmbed(s *SheetSettings) *discordgo.MessageEmbed {
	unset := "*not set*"
	show := func(v string, mention func(string) string) string {
		if v == "" {
			return unset
		}
		return mention(v)
	}
	roleMention := func(id string) string { return RoleSubject(id).Mention() }

	approvals := unset
	if s.Approvals > 0 {
		approvals = fmt.Sprintf("%d", s.Approvals)
	}
	message := unset
	if strings.TrimSpace(s.ApprovedMessage) != "" {
		message = truncate(s.ApprovedMessage, 1024)
	}

	return &discordgo.MessageEmbed{
		Title: "Sheet Approval Settings",
		Color: sheetSettingsEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: SettingSheetChannel, Value: show(s.SheetChannelID, channelMention), Inline: true},
			{Name: SettingApprovedChannel, Value: show(s.ApprovedChannelID, channelMention), Inline: true},
			{Name: SettingApprovedRole, Value: show(s.ApprovedRoleID, roleMention), Inline: true},
			{Name: SettingNewRole, Value: show(s.NewRoleID, roleMention), Inline: true},
			{Name: SettingApprovals, Value: approvals, Inline: true},
			{Name: SettingApprovedMessage, Value: message},
		},
	}
}
