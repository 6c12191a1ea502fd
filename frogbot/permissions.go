package frogbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// PermissionTier is one of the fixed access presets applied to a
// subject on a DM channel. Values are persisted, so they must not be
// renumbered.
type PermissionTier int

const (
	TierAdmin PermissionTier = iota
	TierReadWrite
	TierReadOnly
	TierHidden
)

var permissionTierNames = map[PermissionTier]string{
	TierAdmin:     "Admin",
	TierReadWrite: "Read/Send",
	TierReadOnly:  "Read-Only",
	TierHidden:    "Hidden",
}

func (t PermissionTier) Valid() bool {
	_, ok := permissionTierNames[t]
	return ok
}

func (t PermissionTier) String() string {
	if name, ok := permissionTierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PermissionTier(%d)", int(t))
}

func (t *PermissionTier) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: permission tier: %w", ErrInvalidArgument, err)
	}
	tier := PermissionTier(v)
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown permission tier %d", ErrInvalidArgument, v)
	}
	*t = tier
	return nil
}

// ParsePermissionTier accepts a tier's number or name (case-insensitive)
func ParsePermissionTier(s string) (PermissionTier, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if tier := PermissionTier(n); tier.Valid() {
			return tier, nil
		}
		return 0, fmt.Errorf("%w: unknown permission tier %d", ErrInvalidArgument, n)
	}
	for tier, name := range permissionTierNames {
		if strings.EqualFold(name, s) {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown permission tier %q", ErrInvalidArgument, s)
}

// Overwrite is a pair of allow/deny permission bitsets. Bits in neither
// set are inherited.
type Overwrite struct {
	Allow int64 `json:"allow"`
	Deny  int64 `json:"deny"`
}

const (
	permView    = discordgo.PermissionViewChannel
	permSend    = discordgo.PermissionSendMessages
	permHistory = discordgo.PermissionReadMessageHistory
)

var tierOverwrites = map[PermissionTier]Overwrite{
	TierAdmin: {
		Allow: permView | permSend | permHistory |
			discordgo.PermissionManageChannels |
			discordgo.PermissionManageMessages,
	},
	TierReadWrite: {Allow: permView | permSend | permHistory},
	TierReadOnly:  {Allow: permView | permHistory, Deny: permSend},
	TierHidden:    {Deny: permView | permSend | permHistory},
}

// Overwrite returns the permission overwrite for the tier. Invalid
// tiers return the zero Overwrite (inherit everything).
func (t PermissionTier) Overwrite() Overwrite {
	return tierOverwrites[t]
}

// SubjectKind tags what a Subject's ID refers to. Values are persisted.
type SubjectKind int

const (
	SubjectRole SubjectKind = iota
	SubjectMember
	SubjectEveryone
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectRole:
		return "role"
	case SubjectMember:
		return "member"
	case SubjectEveryone:
		return "everyone"
	default:
		return fmt.Sprintf("SubjectKind(%d)", int(k))
	}
}

func (k SubjectKind) Valid() bool {
	return k >= SubjectRole && k <= SubjectEveryone
}

// Subject is who a permission entry applies to. For SubjectEveryone,
// ID is the guild ID, which is also the ID of the guild's @everyone role.
type Subject struct {
	Kind SubjectKind `json:"type"`
	ID   string      `json:"obj_id"`
}

func RoleSubject(roleID string) Subject {
	return Subject{Kind: SubjectRole, ID: roleID}
}

func MemberSubject(userID string) Subject {
	return Subject{Kind: SubjectMember, ID: userID}
}

func EveryoneSubject(guildID string) Subject {
	return Subject{Kind: SubjectEveryone, ID: guildID}
}

func (s Subject) String() string {
	return s.Kind.String() + ":" + s.ID
}

func (s Subject) validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown subject type %d", ErrInvalidArgument, int(s.Kind))
	}
	if s.ID == "" {
		return fmt.Errorf("%w: missing subject id", ErrInvalidArgument)
	}
	return nil
}

// Mention formats the subject for display in a message
func (s Subject) Mention() string {
	switch s.Kind {
	case SubjectRole:
		return "<@&" + s.ID + ">"
	case SubjectMember:
		return "<@" + s.ID + ">"
	default:
		return "@everyone"
	}
}

// overwriteTarget is the platform-side identity of a Subject
type overwriteTarget struct {
	ID   string
	Type discordgo.PermissionOverwriteType
}

// subjectResolver maps subjects to overwrite targets for one guild,
// checking that each referent still exists. Guild roles are fetched
// once per resolver.
type subjectResolver struct {
	dir     Directory
	guildID string
	roles   map[string]struct{}
}

func newSubjectResolver(dir Directory, guildID string) *subjectResolver {
	return &subjectResolver{dir: dir, guildID: guildID}
}

// resolve returns the target the subject's overwrite is set on. An
// everyone subject from another guild fails with ErrNoGuild, a role or
// member that doesn't exist fails with ErrInvalidArgument.
func (r *subjectResolver) resolve(ctx context.Context, s Subject) (overwriteTarget, error) {
	if err := s.validate(); err != nil {
		return overwriteTarget{}, err
	}
	switch s.Kind {
	case SubjectEveryone:
		if s.ID != r.guildID {
			return overwriteTarget{}, fmt.Errorf("%w: everyone subject for guild %s", ErrNoGuild, s.ID)
		}
		return overwriteTarget{ID: s.ID, Type: discordgo.PermissionOverwriteTypeRole}, nil
	case SubjectRole:
		if r.roles == nil {
			roles, err := r.dir.Roles(ctx, r.guildID)
			if err != nil {
				return overwriteTarget{}, err
			}
			r.roles = make(map[string]struct{}, len(roles))
			for _, role := range roles {
				r.roles[role.ID] = struct{}{}
			}
		}
		if _, ok := r.roles[s.ID]; !ok {
			return overwriteTarget{}, fmt.Errorf("%w: role %s not found", ErrInvalidArgument, s.ID)
		}
		return overwriteTarget{ID: s.ID, Type: discordgo.PermissionOverwriteTypeRole}, nil
	default:
		if _, err := r.dir.Member(ctx, r.guildID, s.ID); err != nil {
			if errors.Is(err, ErrPlatformNotFound) {
				return overwriteTarget{}, fmt.Errorf("%w: member %s not found", ErrInvalidArgument, s.ID)
			}
			return overwriteTarget{}, err
		}
		return overwriteTarget{ID: s.ID, Type: discordgo.PermissionOverwriteTypeMember}, nil
	}
}

// PermissionEntry grants a tier to a subject on one channel
type PermissionEntry struct {
	Subject
	Tier PermissionTier `json:"perm_type"`
}

// NewPermissionEntry validates and returns a PermissionEntry
func NewPermissionEntry(subject Subject, tier PermissionTier) (PermissionEntry, error) {
	if err := subject.validate(); err != nil {
		return PermissionEntry{}, err
	}
	if !tier.Valid() {
		return PermissionEntry{}, fmt.Errorf("%w: unknown permission tier %d", ErrInvalidArgument, int(tier))
	}
	return PermissionEntry{Subject: subject, Tier: tier}, nil
}

func (e *PermissionEntry) UnmarshalJSON(data []byte) error {
	type entryJSON struct {
		Kind *SubjectKind    `json:"type"`
		ID   json.RawMessage `json:"obj_id"`
		Tier *PermissionTier `json:"perm_type"`
	}
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: permission entry: %w", ErrInvalidArgument, err)
	}
	if raw.Kind == nil || raw.Tier == nil || len(raw.ID) == 0 {
		return fmt.Errorf("%w: permission entry missing fields", ErrInvalidArgument)
	}
	id, err := snowflakeFromJSON(raw.ID)
	if err != nil {
		return err
	}
	entry, err := NewPermissionEntry(Subject{Kind: *raw.Kind, ID: id}, *raw.Tier)
	if err != nil {
		return err
	}
	*e = entry
	return nil
}

// snowflakeFromJSON accepts an ID encoded as either a JSON string or
// number
func snowflakeFromJSON(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("%w: invalid id %s", ErrInvalidArgument, string(data))
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: invalid id %s", ErrInvalidArgument, n)
	}
	return n.String(), nil
}

// effectiveTier is the tier actually applied for an entry. Archived
// channels force role and member entries to read-only, except entries
// stored as hidden: those stay hidden, so archiving a channel never
// grants view access to a subject that didn't have it. The everyone
// entry is never rewritten.
func effectiveTier(e PermissionEntry, archived bool) PermissionTier {
	if !archived || e.Kind == SubjectEveryone || e.Tier == TierHidden {
		return e.Tier
	}
	return TierReadOnly
}
