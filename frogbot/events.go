package frogbot

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleDiscordMessage answers pending confirmations, and turns messages
// posted in a guild's sheet channel into sheet submissions
func (f *FrogBot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	logger := loggerFrom(ctx, f.logger)

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if user.Bot || user.ID == f.discord.BotUserID() {
		return
	}
	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring direct message", "user_id", user.ID)
		return
	}

	if f.confirmations.deliver(m.ChannelID, user.ID, m.Content) {
		logger.DebugContext(ctx, "delivered confirmation reply", "user_id", user.ID)
		return
	}

	config := f.RuntimeConfig()
	if config.Paused || config.isMuted(user.ID) {
		return
	}

	settings, err := f.sheets.Settings(ctx, m.GuildID)
	if err != nil {
		if !errors.Is(err, ErrSettingsMissing) {
			logger.ErrorContext(ctx, "error loading sheet settings", tint.Err(err), "guild_id", m.GuildID)
		}
		return
	}
	if settings.SheetChannelID == "" || settings.SheetChannelID != m.ChannelID {
		return
	}

	content := messageSheetContent(m.Message)
	if content == "" {
		return
	}
	logger = logger.With("guild_id", m.GuildID, "user_id", user.ID, "message_id", m.ID)
	ctx = WithLogger(ctx, logger)

	if _, err = f.sheets.Submit(ctx, m.GuildID, m.ChannelID, user.ID, content); err != nil {
		logger.ErrorContext(ctx, "error submitting sheet from message", tint.Err(err))
		return
	}
	bestEffort(
		ctx, logger, "error removing submitted message",
		f.platform.DeleteMessage(ctx, m.ChannelID, m.ID),
	)
}

// messageSheetContent is the message's text, followed by the URLs of
// any attachments
func messageSheetContent(m *discordgo.Message) string {
	parts := []string{}
	if s := strings.TrimSpace(m.Content); s != "" {
		parts = append(parts, s)
	}
	for _, a := range m.Attachments {
		if a != nil && a.URL != "" {
			parts = append(parts, a.URL)
		}
	}
	return strings.Join(parts, "\n")
}

// handleReactionAdd counts an approval reaction on a pending sheet, if
// the reacting member is allowed to approve sheets
func (f *FrogBot) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r.GuildID == "" || r.Emoji.Name != ApprovalEmoji || r.UserID == f.discord.BotUserID() {
		return
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		return
	}
	config := f.RuntimeConfig()
	if config.Paused || config.isMuted(r.UserID) {
		return
	}

	logger := loggerFrom(ctx, f.logger).With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
	)
	ctx = WithLogger(ctx, logger)

	pending, err := f.sheets.IsPending(ctx, r.GuildID, r.MessageID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking sheet", tint.Err(err))
		return
	}
	if !pending {
		return
	}

	var roleIDs []string
	if r.Member != nil {
		roleIDs = r.Member.Roles
	} else {
		member, memberErr := f.platform.Member(ctx, r.GuildID, r.UserID)
		if memberErr != nil {
			logger.ErrorContext(ctx, "error looking up reacting member", tint.Err(memberErr))
			return
		}
		if member.User != nil && member.User.Bot {
			return
		}
		roleIDs = member.Roles
	}
	ok, err := f.isAuthorized(ctx, r.GuildID, r.UserID, roleIDs, config.ApproverRoleNames)
	if err != nil {
		logger.ErrorContext(ctx, "error checking approver roles", tint.Err(err))
		return
	}
	if !ok {
		logger.DebugContext(ctx, "ignoring reaction from non-approver")
		return
	}

	outcome, err := f.sheets.AddApproval(ctx, r.GuildID, r.MessageID, r.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error adding approval", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "handled approval reaction", "outcome", outcome.String())
}

// handleReactionRemove withdraws an approval when an approver removes
// their reaction
func (f *FrogBot) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r.GuildID == "" || r.Emoji.Name != ApprovalEmoji || r.UserID == f.discord.BotUserID() {
		return
	}
	config := f.RuntimeConfig()
	if config.Paused || config.isMuted(r.UserID) {
		return
	}

	logger := loggerFrom(ctx, f.logger).With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
	)
	ctx = WithLogger(ctx, logger)

	pending, err := f.sheets.IsPending(ctx, r.GuildID, r.MessageID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking sheet", tint.Err(err))
		return
	}
	if !pending {
		return
	}

	removed, err := f.sheets.RemoveApproval(ctx, r.GuildID, r.MessageID, r.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error removing approval", tint.Err(err))
		return
	}
	if removed {
		logger.InfoContext(ctx, "approval withdrawn by reaction")
	}
}
