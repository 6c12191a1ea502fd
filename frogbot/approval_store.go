package frogbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnApprovalGuildID   = "guild_id"
	columnApprovalMessageID = "message_id"
	columnApprovalMemberID  = "member_id"

	SettingSheetChannel    = "sheet-channel"
	SettingApprovedChannel = "approved-channel"
	SettingApprovedRole    = "approved-role"
	SettingNewRole         = "new-role"
	SettingApprovals       = "approvals"
	SettingApprovedMessage = "approved-message"
)

// SettingNames lists the valid sheet approval setting names
var SettingNames = []string{
	SettingSheetChannel,
	SettingApprovedChannel,
	SettingApprovedRole,
	SettingNewRole,
	SettingApprovals,
	SettingApprovedMessage,
}

// ApprovalRecord is a sheet awaiting approval. The record is deleted
// once it is approved.
type ApprovalRecord struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"not null;uniqueIndex:idx_sheet_approval_message;index"`
	ChannelID string `json:"channel_id" gorm:"not null"`
	MessageID string `json:"message_id" gorm:"not null;uniqueIndex:idx_sheet_approval_message"`
	OwnerID   string `json:"owner_id" gorm:"not null"`
	Content   string `json:"content" gorm:"type:text"`

	// Approvals are the member IDs who approved, in the order they
	// approved. Stored as ApprovalVote rows.
	Approvals []string `json:"approvals" gorm:"-"`
}

func (ApprovalRecord) TableName() string {
	return "sheet_approvals"
}

func (r *ApprovalRecord) hasApproval(memberID string) bool {
	for _, id := range r.Approvals {
		if id == memberID {
			return true
		}
	}
	return false
}

// ApprovalVote is one member's approval of a sheet. The unique index
// makes a duplicate approval a no-op at the database level.
type ApprovalVote struct {
	ModelUintID
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	GuildID   string `json:"guild_id" gorm:"not null;uniqueIndex:idx_sheet_approval_vote"`
	MessageID string `json:"message_id" gorm:"not null;uniqueIndex:idx_sheet_approval_vote"`
	MemberID  string `json:"member_id" gorm:"not null;uniqueIndex:idx_sheet_approval_vote"`
}

func (ApprovalVote) TableName() string {
	return "sheet_approval_votes"
}

// SheetSettings configures sheet approval for one guild
//
//nolint:lll // struct tags can't be split
type SheetSettings struct {
	ModelUnixTime

	GuildID           string `json:"guild_id" gorm:"primaryKey"`
	SheetChannelID    string `json:"sheet_channel" gorm:"column:sheet_channel"`
	ApprovedChannelID string `json:"approved_channel" gorm:"column:approved_channel"`
	ApprovedRoleID    string `json:"approved_role" gorm:"column:approved_role"`
	NewRoleID         string `json:"new_role" gorm:"column:new_role"`
	Approvals         int    `json:"approvals" gorm:"not null;default:0" binding:"min=0"`
	ApprovedMessage   string `json:"approved_message" gorm:"column:approved_message;type:text"`
}

func (SheetSettings) TableName() string {
	return "sheet_approval_settings"
}

// complete reports whether everything approve() needs is configured
func (s *SheetSettings) complete() bool {
	return s != nil && s.Approvals >= 1 && s.ApprovedChannelID != "" && s.ApprovedRoleID != ""
}

// Set updates one setting by its name. Unknown names are rejected.
// Channel and role settings take an ID (or a mention of one).
func (s *SheetSettings) Set(name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case SettingSheetChannel:
		s.SheetChannelID = trimMention(value)
	case SettingApprovedChannel:
		s.ApprovedChannelID = trimMention(value)
	case SettingApprovedRole:
		s.ApprovedRoleID = trimMention(value)
	case SettingNewRole:
		s.NewRoleID = trimMention(value)
	case SettingApprovals:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return newUserError(ErrInvalidArgument, "`%s` must be a whole number of at least 1", SettingApprovals)
		}
		s.Approvals = n
	case SettingApprovedMessage:
		s.ApprovedMessage = value
	default:
		return newUserError(
			ErrInvalidArgument,
			"Invalid setting `%s`\nCheck the help for valid settings\nCase Sensitive!",
			name,
		)
	}
	return nil
}

// trimMention reduces <#123>, <@&123> and <@123> to the bare ID
func trimMention(s string) string {
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	return strings.TrimLeft(s, "#@&!")
}

// ApprovalStore persists pending sheets, their votes and per-guild
// settings
type ApprovalStore interface {
	Create(ctx context.Context, rec *ApprovalRecord) error

	// Get returns ErrNoSheet if there's no pending sheet for the message.
	// Approvals are populated from the vote rows.
	Get(ctx context.Context, guildID, messageID string) (*ApprovalRecord, error)

	// AddVote records an approval, reporting false if it already existed
	AddVote(ctx context.Context, guildID, messageID, memberID string) (bool, error)

	// RemoveVote removes an approval, reporting false if there wasn't one
	RemoveVote(ctx context.Context, guildID, messageID, memberID string) (bool, error)

	// Delete removes the sheet and its votes
	Delete(ctx context.Context, guildID, messageID string) error

	ListByGuild(ctx context.Context, guildID string) ([]ApprovalRecord, error)

	// GetSettings returns ErrSettingsMissing if the guild has none
	GetSettings(ctx context.Context, guildID string) (*SheetSettings, error)

	SaveSettings(ctx context.Context, settings *SheetSettings) error
}

type gormApprovalStore struct {
	db DBI
}

func NewApprovalStore(db DBI) ApprovalStore {
	return &gormApprovalStore{db: db}
}

func (s *gormApprovalStore) Create(ctx context.Context, rec *ApprovalRecord) error {
	_, err := s.db.Create(ctx, rec)
	return err
}

func (s *gormApprovalStore) votes(ctx context.Context, guildID, messageID string) ([]string, error) {
	var memberIDs []string
	err := s.db.DB().WithContext(ctx).
		Model(&ApprovalVote{}).
		Where(columnApprovalGuildID+" = ? AND "+columnApprovalMessageID+" = ?", guildID, messageID).
		Order("id").
		Pluck(columnApprovalMemberID, &memberIDs).Error
	return memberIDs, err
}

func (s *gormApprovalStore) Get(ctx context.Context, guildID, messageID string) (*ApprovalRecord, error) {
	var rec ApprovalRecord
	err := s.db.DB().WithContext(ctx).
		Where(columnApprovalGuildID+" = ? AND "+columnApprovalMessageID+" = ?", guildID, messageID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSheet
		}
		return nil, err
	}
	if rec.Approvals, err = s.votes(ctx, guildID, messageID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormApprovalStore) AddVote(ctx context.Context, guildID, messageID, memberID string) (bool, error) {
	var inserted bool
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&ApprovalVote{GuildID: guildID, MessageID: messageID, MemberID: memberID},
			)
			inserted = rv.RowsAffected > 0
			return rv.Error
		},
	)
	return inserted, err
}

func (s *gormApprovalStore) RemoveVote(ctx context.Context, guildID, messageID, memberID string) (bool, error) {
	rows, err := s.db.Delete(
		ctx,
		&ApprovalVote{},
		columnApprovalGuildID+" = ? AND "+columnApprovalMessageID+" = ? AND "+columnApprovalMemberID+" = ?",
		guildID, messageID, memberID,
	)
	return rows > 0, err
}

func (s *gormApprovalStore) Delete(ctx context.Context, guildID, messageID string) error {
	return s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			where := columnApprovalGuildID + " = ? AND " + columnApprovalMessageID + " = ?"
			if err := tx.Where(where, guildID, messageID).Delete(&ApprovalVote{}).Error; err != nil {
				return err
			}
			return tx.Where(where, guildID, messageID).Delete(&ApprovalRecord{}).Error
		},
	)
}

func (s *gormApprovalStore) ListByGuild(ctx context.Context, guildID string) ([]ApprovalRecord, error) {
	var records []ApprovalRecord
	err := s.db.DB().WithContext(ctx).
		Where(columnApprovalGuildID+" = ?", guildID).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Approvals, err = s.votes(ctx, guildID, records[i].MessageID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *gormApprovalStore) GetSettings(ctx context.Context, guildID string) (*SheetSettings, error) {
	var settings SheetSettings
	err := s.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsMissing
		}
		return nil, err
	}
	return &settings, nil
}

func (s *gormApprovalStore) SaveSettings(ctx context.Context, settings *SheetSettings) error {
	if settings.GuildID == "" {
		return fmt.Errorf("%w: settings without a guild", ErrInvalidArgument)
	}
	return s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}},
					UpdateAll: true,
				},
			).Create(settings).Error
		},
	)
}
