package frogbot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	columnCategoryOwnerID = "owner_id"
	columnCategoryGuildID = "guild_id"
)

// ChannelRecord is one channel of a DM category, with the permission
// entries applied to it. At most one entry exists per subject ID.
type ChannelRecord struct {
	ChannelID   string            `json:"channel_id"`
	Permissions []PermissionEntry `json:"permissions"`
	Archived    bool              `json:"archived"`
}

func (c *ChannelRecord) entryIndex(subjectID string) int {
	for i, e := range c.Permissions {
		if e.ID == subjectID {
			return i
		}
	}
	return -1
}

// setEntry adds e, replacing any existing entry for the same subject
func (c *ChannelRecord) setEntry(e PermissionEntry) {
	if i := c.entryIndex(e.ID); i >= 0 {
		c.Permissions[i] = e
		return
	}
	c.Permissions = append(c.Permissions, e)
}

// removeEntry removes the entry for subjectID, reporting whether one
// existed
func (c *ChannelRecord) removeEntry(subjectID string) bool {
	i := c.entryIndex(subjectID)
	if i < 0 {
		return false
	}
	c.Permissions = append(c.Permissions[:i], c.Permissions[i+1:]...)
	return true
}

// ChannelRecords is stored as a JSON array
type ChannelRecords []ChannelRecord

func (c *ChannelRecords) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for ChannelRecords: %T", value)
	}
	if len(data) == 0 {
		*c = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	records := make(ChannelRecords, 0, len(raw))
	for _, r := range raw {
		rec, ok := decodeChannelRecord(r)
		if ok {
			records = append(records, rec)
		}
	}
	*c = records
	return nil
}

// decodeChannelRecord decodes one stored channel. Channels without an ID
// are dropped, as are permission entries that no longer decode. Later
// entries for the same subject replace earlier ones.
func decodeChannelRecord(data json.RawMessage) (ChannelRecord, bool) {
	var raw struct {
		ChannelID   json.RawMessage   `json:"channel_id"`
		Permissions []json.RawMessage `json:"permissions"`
		Archived    bool              `json:"archived"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Default().Warn("dropping stored channel", "channel", string(data), tint.Err(err))
		return ChannelRecord{}, false
	}
	if len(raw.ChannelID) == 0 || string(raw.ChannelID) == "null" || string(raw.ChannelID) == `""` {
		return ChannelRecord{}, false
	}
	channelID, err := snowflakeFromJSON(raw.ChannelID)
	if err != nil {
		slog.Default().Warn("dropping stored channel", "channel", string(data), tint.Err(err))
		return ChannelRecord{}, false
	}

	rec := ChannelRecord{
		ChannelID:   channelID,
		Permissions: make([]PermissionEntry, 0, len(raw.Permissions)),
		Archived:    raw.Archived,
	}
	for _, p := range raw.Permissions {
		var e PermissionEntry
		if err := json.Unmarshal(p, &e); err != nil {
			slog.Default().Warn(
				"dropping stored permission entry",
				"channel_id", channelID,
				"entry", string(p),
				tint.Err(err),
			)
			continue
		}
		rec.setEntry(e)
	}
	return rec, true
}

func (c ChannelRecords) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]ChannelRecord(c))
	return string(data), err
}

func (ChannelRecords) GormDataType() string {
	return "string"
}

// CategoryRecord is one owner's DM category in one guild
type CategoryRecord struct {
	ModelUintID
	ModelUnixTime

	OwnerID    string         `json:"owner_id" gorm:"not null;uniqueIndex:idx_dm_category_owner_guild"`
	GuildID    string         `json:"guild_id" gorm:"not null;uniqueIndex:idx_dm_category_owner_guild;index"`
	CategoryID string         `json:"category_id" gorm:"not null"`
	Channels   ChannelRecords `json:"channels" gorm:"type:text"`
}

func (CategoryRecord) TableName() string {
	return "dm_categories"
}

func (r *CategoryRecord) channel(channelID string) (*ChannelRecord, error) {
	for i := range r.Channels {
		if r.Channels[i].ChannelID == channelID {
			return &r.Channels[i], nil
		}
	}
	return nil, ErrUnknownChannel
}

func (r *CategoryRecord) removeChannel(channelID string) bool {
	for i := range r.Channels {
		if r.Channels[i].ChannelID == channelID {
			r.Channels = append(r.Channels[:i], r.Channels[i+1:]...)
			return true
		}
	}
	return false
}

// CategoryStore persists CategoryRecords, keyed by guild and owner
type CategoryStore interface {
	// Get returns ErrNoCategory if the owner has no category in the guild
	Get(ctx context.Context, guildID, ownerID string) (*CategoryRecord, error)

	// Insert returns ErrCategoryExists if a record for the same guild and
	// owner already exists
	Insert(ctx context.Context, rec *CategoryRecord) error

	Save(ctx context.Context, rec *CategoryRecord) error
	Delete(ctx context.Context, guildID, ownerID string) error
	ListByGuild(ctx context.Context, guildID string) ([]CategoryRecord, error)
}

type gormCategoryStore struct {
	db DBI
}

func NewCategoryStore(db DBI) CategoryStore {
	return &gormCategoryStore{db: db}
}

func (s *gormCategoryStore) Get(
	ctx context.Context,
	guildID, ownerID string,
) (*CategoryRecord, error) {
	var rec CategoryRecord
	err := s.db.DB().WithContext(ctx).
		Where(columnCategoryGuildID+" = ? AND "+columnCategoryOwnerID+" = ?", guildID, ownerID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCategory
		}
		return nil, err
	}
	return &rec, nil
}

func (s *gormCategoryStore) Insert(ctx context.Context, rec *CategoryRecord) error {
	if rec.Channels == nil {
		rec.Channels = ChannelRecords{}
	}
	_, err := s.db.Create(ctx, rec)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrCategoryExists
	}
	return err
}

func (s *gormCategoryStore) Save(ctx context.Context, rec *CategoryRecord) error {
	if rec.ID == 0 {
		return fmt.Errorf("%w: category record was never inserted", ErrInvalidArgument)
	}
	_, err := s.db.Save(ctx, rec)
	return err
}

func (s *gormCategoryStore) Delete(ctx context.Context, guildID, ownerID string) error {
	_, err := s.db.Delete(
		ctx,
		&CategoryRecord{},
		columnCategoryGuildID+" = ? AND "+columnCategoryOwnerID+" = ?",
		guildID,
		ownerID,
	)
	return err
}

func (s *gormCategoryStore) ListByGuild(ctx context.Context, guildID string) ([]CategoryRecord, error) {
	var records []CategoryRecord
	err := s.db.DB().WithContext(ctx).
		Where(columnCategoryGuildID+" = ?", guildID).
		Order("id").
		Find(&records).Error
	return records, err
}
