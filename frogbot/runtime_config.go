//nolint:lll // struct tags can't be split
package frogbot

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/bwmarrin/discordgo"
)

const (
	columnRuntimeConfigPaused        = "paused"
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

var (
	DefaultDMRoleNames       = []string{"DM"}
	DefaultApproverRoleNames = []string{"DM", "Lord of the Sheet", "Bot Admin", "Sheet Approver"}
	DefaultSettingsRoleNames = []string{"Bot Admin"}
)

// StringList is a list of strings stored as a JSON array in a text column
type StringList []string

func (s *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(s))
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	return string(data), err
}

func (StringList) GormDataType() string {
	return "string"
}

// RuntimeConfig holds settings which can be changed while the bot is
// running, via the API. A single row is kept in the `config` table.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from handling commands, reactions and sheet
	// submissions. Interactions are still acknowledged.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordGatewayEnabled controls whether the bot connects to the gateway
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is shown as the bot's custom status
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID, if set, receives the startup message
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordErrorMessage is shown to users when a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"required,max=2000"`

	// DMRoleNames are the role names allowed to use /dm
	DMRoleNames StringList `json:"dm_role_names" gorm:"type:string"`

	// ApproverRoleNames are the role names allowed to approve sheets
	ApproverRoleNames StringList `json:"approver_role_names" gorm:"type:string"`

	// SettingsRoleNames are the role names allowed to change guild settings
	SettingsRoleNames StringList `json:"settings_role_names" gorm:"type:string"`

	// MutedUserIDs are ignored entirely
	MutedUserIDs StringList `json:"muted_user_ids" gorm:"type:string"`

	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

// isMuted reports whether userID should be ignored
func (r RuntimeConfig) isMuted(userID string) bool {
	return slices.Contains(r.MutedUserIDs, userID)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		DiscordErrorMessage:   DefaultDiscordErrorMessage,
		DMRoleNames:           slices.Clone(DefaultDMRoleNames),
		ApproverRoleNames:     slices.Clone(DefaultApproverRoleNames),
		SettingsRoleNames:     slices.Clone(DefaultSettingsRoleNames),
		MutedUserIDs:          StringList{},
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged. Field names match RuntimeConfig.
type RuntimeConfigUpdate struct {
	Paused                       *bool   `json:"paused,omitempty"`
	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`

	DMRoleNames       *StringList `json:"dm_role_names,omitempty" binding:"omitnil,dive,min=1,max=100"`
	ApproverRoleNames *StringList `json:"approver_role_names,omitempty" binding:"omitnil,dive,min=1,max=100"`
	SettingsRoleNames *StringList `json:"settings_role_names,omitempty" binding:"omitnil,dive,min=1,max=100"`
	MutedUserIDs      *StringList `json:"muted_user_ids,omitempty" binding:"omitnil,dive,numeric"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// apply copies every non-nil field of u onto the same-named field of cfg,
// returning the names of the fields that changed.
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) []string {
	var changed []string
	uv := reflect.ValueOf(u)
	ut := uv.Type()
	cv := reflect.ValueOf(cfg).Elem()

	for i := 0; i < ut.NumField(); i++ {
		fv := uv.Field(i)
		if fv.Kind() != reflect.Ptr || fv.IsNil() {
			continue
		}
		target := cv.FieldByName(ut.Field(i).Name)
		if !target.IsValid() || !target.CanSet() {
			continue
		}
		newValue := fv.Elem()
		if reflect.DeepEqual(target.Interface(), newValue.Interface()) {
			continue
		}
		target.Set(newValue)
		changed = append(changed, ut.Field(i).Name)
	}
	return changed
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
	}
}
