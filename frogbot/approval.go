package frogbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/im7mortal/kmutex"
	"github.com/lmittmann/tint"
)

const (
	// ApprovalEmoji is the reaction used to vote on a sheet
	ApprovalEmoji = "✅"

	sheetTitleFormat         = "Sheet Approval - %s"
	sheetApprovalIDField     = "Approval ID"
	sheetApproverFieldName   = "Approval!"
	sheetApproverFieldFormat = "You have been approved by %s"
	sheetApprovedFieldName   = "Approved!"
	sheetApprovedFieldValue  = "You have been approved! Contact a DM or Lord of the Sheet for more information."
	sheetAnnouncementFormat  = "Sheet has been fully approved! Contact the Sheet Owner (%s) with approval details."

	sheetEmbedColor         = 0x2ecc71
	sheetApprovedEmbedColor = 0xf1c40f
	discordMaxEmbedDesc     = 4096
)

// ApprovalOutcome is the result of an AddApproval call
type ApprovalOutcome int

const (
	// ApprovalIgnored is returned alongside errors
	ApprovalIgnored ApprovalOutcome = iota
	// ApprovalOwnSheet means the approver owns the sheet. Nothing changed.
	ApprovalOwnSheet
	// ApprovalDuplicate means the approver already approved. Nothing changed.
	ApprovalDuplicate
	ApprovalAdded
	// ApprovalCompleted means the approval reached the quorum and the
	// sheet was approved
	ApprovalCompleted
)

func (o ApprovalOutcome) String() string {
	switch o {
	case ApprovalIgnored:
		return "ignored"
	case ApprovalOwnSheet:
		return "own_sheet"
	case ApprovalDuplicate:
		return "duplicate"
	case ApprovalAdded:
		return "added"
	case ApprovalCompleted:
		return "completed"
	default:
		return fmt.Sprintf("ApprovalOutcome(%d)", int(o))
	}
}

// PendingSheet is a loaded ApprovalRecord along with the display names
// needed to render it
type PendingSheet struct {
	*ApprovalRecord
	OwnerName     string
	ApproverNames []string
}

// SheetApprovals runs the sheet approval workflow: sheets are submitted
// as embeds, collect approvals from approvers, and are approved once the
// guild's quorum is reached.
type SheetApprovals struct {
	store    ApprovalStore
	platform Platform
	locks    *kmutex.Kmutex
	logger   *slog.Logger
}

func NewSheetApprovals(store ApprovalStore, platform Platform, logger *slog.Logger) *SheetApprovals {
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetApprovals{
		store:    store,
		platform: platform,
		locks:    kmutex.New(),
		logger:   logger.With(loggerNameKey, "sheet_approvals"),
	}
}

func (s *SheetApprovals) lock(guildID, messageID string) func() {
	key := "approval:" + guildID + ":" + messageID
	s.locks.Lock(key)
	return func() { s.locks.Unlock(key) }
}

// Settings returns the guild's sheet settings, or ErrSettingsMissing
func (s *SheetApprovals) Settings(ctx context.Context, guildID string) (*SheetSettings, error) {
	return s.store.GetSettings(ctx, guildID)
}

// SetSetting updates one of the guild's settings by name, creating the
// guild's settings if needed
func (s *SheetApprovals) SetSetting(ctx context.Context, guildID, name, value string) (*SheetSettings, error) {
	settings, err := s.store.GetSettings(ctx, guildID)
	if errors.Is(err, ErrSettingsMissing) {
		settings = &SheetSettings{GuildID: guildID}
	} else if err != nil {
		return nil, err
	}
	if err = settings.Set(name, value); err != nil {
		return nil, err
	}
	if err = s.store.SaveSettings(ctx, settings); err != nil {
		return nil, err
	}
	loggerFrom(ctx, s.logger).InfoContext(
		ctx,
		"updated sheet setting",
		"guild_id", guildID,
		"setting", name,
	)
	return settings, nil
}

// Submit posts a sheet for approval in the channel and starts tracking
// it. The returned record's MessageID is the sheet's approval ID.
func (s *SheetApprovals) Submit(
	ctx context.Context,
	guildID, channelID, ownerID, content string,
) (*ApprovalRecord, error) {
	logger := loggerFrom(ctx, s.logger).With("guild_id", guildID, "owner_id", ownerID)

	owner, err := lookupOwner(ctx, s.platform, guildID, ownerID)
	if err != nil {
		return nil, err
	}
	name := memberDisplayName(owner)

	msg, err := s.platform.SendEmbed(ctx, channelID, sheetEmbed(name, content, "", nil))
	if err != nil {
		return nil, fmt.Errorf("posting sheet: %w", err)
	}
	rec := &ApprovalRecord{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: msg.ID,
		OwnerID:   ownerID,
		Content:   content,
	}
	if err = s.store.Create(ctx, rec); err != nil {
		bestEffort(
			ctx, logger, "error removing sheet after failed submit",
			s.platform.DeleteMessage(ctx, channelID, msg.ID),
			"message_id", msg.ID,
		)
		return nil, err
	}

	bestEffort(
		ctx, logger, "error adding approval ID to sheet",
		s.platform.EditEmbed(ctx, channelID, msg.ID, sheetEmbed(name, content, msg.ID, nil)),
		"message_id", msg.ID,
	)
	bestEffort(
		ctx, logger, "error adding vote reaction",
		s.platform.AddReaction(ctx, channelID, msg.ID, ApprovalEmoji),
		"message_id", msg.ID,
	)
	logger.InfoContext(ctx, "sheet submitted", "channel_id", channelID, "message_id", msg.ID)
	return rec, nil
}

// Load returns the pending sheet for the message. If the guild, owner,
// channel or message are gone, the sheet is deleted and the returned
// error wraps both ErrNoSheet and the reason. Approvals from members who
// have left the guild are removed.
func (s *SheetApprovals) Load(ctx context.Context, guildID, messageID string) (*PendingSheet, error) {
	defer s.lock(guildID, messageID)()
	return s.load(ctx, guildID, messageID)
}

func (s *SheetApprovals) load(ctx context.Context, guildID, messageID string) (*PendingSheet, error) {
	rec, err := s.store.Get(ctx, guildID, messageID)
	if err != nil {
		return nil, err
	}
	logger := loggerFrom(ctx, s.logger).With("guild_id", guildID, "message_id", messageID)

	sheet, err := s.reconstruct(ctx, rec)
	if err == nil {
		return sheet, nil
	}
	if !isReconstructionError(err) {
		return nil, err
	}
	logger.WarnContext(ctx, "pruning stale sheet", "owner_id", rec.OwnerID, tint.Err(err))
	if delErr := s.store.Delete(ctx, guildID, messageID); delErr != nil {
		return nil, errors.Join(err, delErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoSheet, err)
}

func (s *SheetApprovals) reconstruct(ctx context.Context, rec *ApprovalRecord) (*PendingSheet, error) {
	owner, err := lookupOwner(ctx, s.platform, rec.GuildID, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	if _, err = s.platform.Channel(ctx, rec.ChannelID); err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoChannel, rec.ChannelID)
		}
		return nil, err
	}
	if _, err = s.platform.Message(ctx, rec.ChannelID, rec.MessageID); err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoMessage, rec.MessageID)
		}
		return nil, err
	}

	sheet := &PendingSheet{ApprovalRecord: rec, OwnerName: memberDisplayName(owner)}
	approvals := make([]string, 0, len(rec.Approvals))
	for _, approverID := range rec.Approvals {
		name, err := s.approverName(ctx, rec.GuildID, approverID)
		if errors.Is(err, ErrNoApprover) {
			loggerFrom(ctx, s.logger).InfoContext(
				ctx,
				"removing approval from departed member",
				"message_id", rec.MessageID,
				"member_id", approverID,
			)
			if _, err = s.store.RemoveVote(ctx, rec.GuildID, rec.MessageID, approverID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approverID)
		sheet.ApproverNames = append(sheet.ApproverNames, name)
	}
	rec.Approvals = approvals
	return sheet, nil
}

func (s *SheetApprovals) approverName(ctx context.Context, guildID, memberID string) (string, error) {
	member, err := s.platform.Member(ctx, guildID, memberID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoApprover, memberID)
		}
		return "", err
	}
	return memberDisplayName(member), nil
}

// IsPending reports whether the message is a sheet awaiting approval.
// Only the store is checked.
func (s *SheetApprovals) IsPending(ctx context.Context, guildID, messageID string) (bool, error) {
	_, err := s.store.Get(ctx, guildID, messageID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoSheet):
		return false, nil
	default:
		return false, err
	}
}

// List returns the guild's pending sheets, without verifying them
// against the platform
func (s *SheetApprovals) List(ctx context.Context, guildID string) ([]ApprovalRecord, error) {
	return s.store.ListByGuild(ctx, guildID)
}

// AddApproval records the approver's approval of the sheet. Approvals
// from the sheet's owner, or from someone who already approved, are
// reported without writing anything. When the approval count reaches
// the guild's quorum, the sheet is approved.
func (s *SheetApprovals) AddApproval(
	ctx context.Context,
	guildID, messageID, approverID string,
) (ApprovalOutcome, error) {
	defer s.lock(guildID, messageID)()
	logger := loggerFrom(ctx, s.logger).With(
		"guild_id", guildID,
		"message_id", messageID,
		"approver_id", approverID,
	)

	sheet, err := s.load(ctx, guildID, messageID)
	if err != nil {
		return ApprovalIgnored, err
	}
	if approverID == sheet.OwnerID {
		return ApprovalOwnSheet, nil
	}
	if sheet.hasApproval(approverID) {
		return ApprovalDuplicate, nil
	}

	settings, err := s.store.GetSettings(ctx, guildID)
	if err != nil {
		return ApprovalIgnored, err
	}
	if !settings.complete() {
		return ApprovalIgnored, ErrSettingsMissing
	}

	name, err := s.approverName(ctx, guildID, approverID)
	if err != nil {
		return ApprovalIgnored, err
	}
	inserted, err := s.store.AddVote(ctx, guildID, messageID, approverID)
	if err != nil {
		return ApprovalIgnored, err
	}
	if !inserted {
		return ApprovalDuplicate, nil
	}
	sheet.Approvals = append(sheet.Approvals, approverID)
	sheet.ApproverNames = append(sheet.ApproverNames, name)
	logger.InfoContext(ctx, "sheet approval added", "approvals", len(sheet.Approvals), "quorum", settings.Approvals)

	if len(sheet.Approvals) >= settings.Approvals {
		if err = s.approve(ctx, sheet, settings); err != nil {
			return ApprovalAdded, err
		}
		return ApprovalCompleted, nil
	}

	bestEffort(
		ctx, logger, "error updating sheet",
		s.platform.EditEmbed(ctx, sheet.ChannelID, sheet.MessageID, sheet.embed()),
	)
	return ApprovalAdded, nil
}

// RemoveApproval removes the approver's approval of the sheet, returning
// false without writing anything if they hadn't approved it.
func (s *SheetApprovals) RemoveApproval(ctx context.Context, guildID, messageID, approverID string) (bool, error) {
	defer s.lock(guildID, messageID)()
	logger := loggerFrom(ctx, s.logger).With(
		"guild_id", guildID,
		"message_id", messageID,
		"approver_id", approverID,
	)

	sheet, err := s.load(ctx, guildID, messageID)
	if err != nil {
		return false, err
	}
	idx := -1
	for i, id := range sheet.Approvals {
		if id == approverID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	removed, err := s.store.RemoveVote(ctx, guildID, messageID, approverID)
	if err != nil || !removed {
		return false, err
	}
	sheet.Approvals = append(sheet.Approvals[:idx], sheet.Approvals[idx+1:]...)
	sheet.ApproverNames = append(sheet.ApproverNames[:idx], sheet.ApproverNames[idx+1:]...)
	logger.InfoContext(ctx, "sheet approval removed", "approvals", len(sheet.Approvals))

	bestEffort(
		ctx, logger, "error updating sheet",
		s.platform.EditEmbed(ctx, sheet.ChannelID, sheet.MessageID, sheet.embed()),
	)
	return true, nil
}

// approve finalizes a sheet that reached quorum. Once the record is
// deleted, each side effect is attempted independently and failures are
// only logged.
func (s *SheetApprovals) approve(ctx context.Context, sheet *PendingSheet, settings *SheetSettings) error {
	if !settings.complete() {
		return ErrSettingsMissing
	}
	logger := loggerFrom(ctx, s.logger).With(
		"guild_id", sheet.GuildID,
		"message_id", sheet.MessageID,
		"owner_id", sheet.OwnerID,
	)
	if err := s.store.Delete(ctx, sheet.GuildID, sheet.MessageID); err != nil {
		return err
	}

	embed := sheet.embed()
	embed.Color = sheetApprovedEmbedColor
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  sheetApprovedFieldName,
		Value: sheetApprovedFieldValue,
	})
	if settings.ApprovedMessage != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: truncate(settings.ApprovedMessage, 2048)}
	}
	bestEffort(
		ctx, logger, "error updating approved sheet",
		s.platform.EditEmbed(ctx, sheet.ChannelID, sheet.MessageID, embed),
	)
	bestEffort(
		ctx, logger, "error adding approved role",
		s.platform.AddRole(ctx, sheet.GuildID, sheet.OwnerID, settings.ApprovedRoleID),
		"role_id", settings.ApprovedRoleID,
	)
	if settings.NewRoleID != "" {
		bestEffort(
			ctx, logger, "error removing new role",
			s.platform.RemoveRole(ctx, sheet.GuildID, sheet.OwnerID, settings.NewRoleID),
			"role_id", settings.NewRoleID,
		)
	}
	_, err := s.platform.SendMessage(
		ctx,
		settings.ApprovedChannelID,
		fmt.Sprintf(sheetAnnouncementFormat, MemberSubject(sheet.OwnerID).Mention()),
	)
	bestEffort(ctx, logger, "error announcing approval", err, "channel_id", settings.ApprovedChannelID)
	bestEffort(
		ctx, logger, "error adding approved reaction",
		s.platform.AddReaction(ctx, sheet.ChannelID, sheet.MessageID, ApprovalEmoji),
	)

	logger.InfoContext(ctx, "sheet approved", "approvals", len(sheet.Approvals))
	return nil
}

func (p *PendingSheet) embed() *discordgo.MessageEmbed {
	return sheetEmbed(p.OwnerName, p.Content, p.MessageID, p.ApproverNames)
}

// sheetEmbed renders a sheet. The approval ID field is left off until
// the message ID is known.
func sheetEmbed(ownerName, content, messageID string, approverNames []string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf(sheetTitleFormat, ownerName),
		Description: truncate(content, discordMaxEmbedDesc),
		Color:       sheetEmbedColor,
	}
	if messageID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  sheetApprovalIDField,
			Value: messageID,
		})
	}
	for _, name := range approverNames {
		// leave room for the approval ID and approved fields
		if len(embed.Fields) >= discordMaxEmbedFields-1 {
			break
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   sheetApproverFieldName,
			Value:  fmt.Sprintf(sheetApproverFieldFormat, name),
			Inline: true,
		})
	}
	return embed
}
