package frogbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/im7mortal/kmutex"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	categoryNameFormat   = "%s's category"
	hubChannelNameFormat = "dm-hub-%s"
	hubWelcomeMessage    = "Welcome to your new DM channel! " +
		"First thing I'd recommend changing is the name.\n" +
		"The only people who can see this channel are you, " +
		"the server owner, and the bot."

	// maximum concurrent channel deletions when removing a category
	categoryDeleteConcurrency = 4
)

// CategoryManager provisions DM categories and keeps each tracked
// channel's permission overwrites in line with its stored entries.
//
// Every operation on a (guild, owner) pair holds a per-key lock for its
// whole read-modify-write span, so concurrent commands for the same
// category are applied one after another.
type CategoryManager struct {
	store    CategoryStore
	platform Platform
	locks    *kmutex.Kmutex
	logger   *slog.Logger
}

func NewCategoryManager(store CategoryStore, platform Platform, logger *slog.Logger) *CategoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CategoryManager{
		store:    store,
		platform: platform,
		locks:    kmutex.New(),
		logger:   logger.With(loggerNameKey, "dm_categories"),
	}
}

func categoryLockKey(guildID, ownerID string) string {
	return "category:" + guildID + ":" + ownerID
}

func (m *CategoryManager) lock(guildID, ownerID string) func() {
	key := categoryLockKey(guildID, ownerID)
	m.locks.Lock(key)
	return func() { m.locks.Unlock(key) }
}

func memberDisplayName(member *discordgo.Member) string {
	if member == nil {
		return ""
	}
	if member.Nick != "" {
		return member.Nick
	}
	if member.User == nil {
		return ""
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

// lookupOwner returns the owner's guild membership, mapping missing
// guild and member errors to ErrNoGuild and ErrNoOwner
func lookupOwner(ctx context.Context, dir Directory, guildID, ownerID string) (*discordgo.Member, error) {
	if _, err := dir.Guild(ctx, guildID); err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoGuild, guildID)
		}
		return nil, err
	}
	member, err := dir.Member(ctx, guildID, ownerID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoOwner, ownerID)
		}
		return nil, err
	}
	return member, nil
}

// baseLayer is the set of overwrites every DM channel starts from: the
// bot and the owner as admins, everyone else hidden
func (m *CategoryManager) baseLayer(guildID, ownerID string) []tieredTarget {
	layer := make([]tieredTarget, 0, 3)
	if botID := m.platform.BotUserID(); botID != "" {
		layer = append(layer, tieredTarget{
			Target: overwriteTarget{ID: botID, Type: discordgo.PermissionOverwriteTypeMember},
			Tier:   TierAdmin,
		})
	}
	layer = append(
		layer,
		tieredTarget{
			Target: overwriteTarget{ID: ownerID, Type: discordgo.PermissionOverwriteTypeMember},
			Tier:   TierAdmin,
		},
		tieredTarget{
			Target: overwriteTarget{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole},
			Tier:   TierHidden,
		},
	)
	return layer
}

// Setup creates a DM category with one hub channel for the owner.
// If the owner already has one in the guild, ErrCategoryExists is
// returned and nothing is created.
func (m *CategoryManager) Setup(ctx context.Context, guildID, ownerID string) (*CategoryRecord, error) {
	defer m.lock(guildID, ownerID)()
	logger := loggerFrom(ctx, m.logger).With("guild_id", guildID, "owner_id", ownerID)

	if _, err := m.store.Get(ctx, guildID, ownerID); err == nil {
		return nil, ErrCategoryExists
	} else if !errors.Is(err, ErrNoCategory) {
		return nil, err
	}

	owner, err := lookupOwner(ctx, m.platform, guildID, ownerID)
	if err != nil {
		return nil, err
	}
	name := memberDisplayName(owner)
	base := overwritesFor(m.baseLayer(guildID, ownerID))

	category, err := m.platform.CreateCategory(ctx, guildID, fmt.Sprintf(categoryNameFormat, name), base)
	if err != nil {
		return nil, fmt.Errorf("creating category: %w", err)
	}
	hub, err := m.platform.CreateTextChannel(
		ctx,
		guildID,
		category.ID,
		fmt.Sprintf(hubChannelNameFormat, name),
		base,
	)
	if err != nil {
		bestEffort(
			ctx, logger, "error removing category after failed setup",
			m.platform.DeleteChannel(ctx, category.ID),
			"category_id", category.ID,
		)
		return nil, fmt.Errorf("creating hub channel: %w", err)
	}

	rec := &CategoryRecord{
		OwnerID:    ownerID,
		GuildID:    guildID,
		CategoryID: category.ID,
		Channels: ChannelRecords{
			{ChannelID: hub.ID, Permissions: []PermissionEntry{}},
		},
	}
	if err = m.store.Insert(ctx, rec); err != nil {
		// a concurrent setup for this owner won
		m.deletePlatformObjects(ctx, logger, rec)
		return nil, err
	}
	logger.InfoContext(ctx, "created DM category", "category_id", category.ID, "hub_id", hub.ID)

	_, err = m.platform.SendMessage(ctx, hub.ID, hubWelcomeMessage)
	bestEffort(ctx, logger, "error sending welcome message", err, "channel_id", hub.ID)
	return rec, nil
}

// Adopt starts tracking an existing category as the owner's DM
// category, then syncs it.
func (m *CategoryManager) Adopt(
	ctx context.Context,
	guildID, ownerID, categoryID string,
) (*CategoryRecord, []ChannelRecord, error) {
	defer m.lock(guildID, ownerID)()

	if _, err := m.store.Get(ctx, guildID, ownerID); err == nil {
		return nil, nil, ErrCategoryExists
	} else if !errors.Is(err, ErrNoCategory) {
		return nil, nil, err
	}
	if _, err := lookupOwner(ctx, m.platform, guildID, ownerID); err != nil {
		return nil, nil, err
	}
	category, err := m.platform.Channel(ctx, categoryID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoChannel, categoryID)
		}
		return nil, nil, err
	}
	if category.Type != discordgo.ChannelTypeGuildCategory || category.GuildID != guildID {
		return nil, nil, newUserError(ErrInvalidArgument, "<#%s> is not a category in this server", categoryID)
	}

	err = m.platform.SetChannelOverwrites(ctx, categoryID, overwritesFor(m.baseLayer(guildID, ownerID)))
	if err != nil {
		return nil, nil, err
	}

	rec := &CategoryRecord{
		OwnerID:    ownerID,
		GuildID:    guildID,
		CategoryID: categoryID,
		Channels:   ChannelRecords{},
	}
	if err = m.store.Insert(ctx, rec); err != nil {
		return nil, nil, err
	}
	discovered, err := m.sync(ctx, rec)
	return rec, discovered, err
}

// Get loads the owner's category. If the guild, owner or category no
// longer exist, the record is deleted and the returned error wraps
// both ErrNoCategory and the reason.
func (m *CategoryManager) Get(ctx context.Context, guildID, ownerID string) (*CategoryRecord, error) {
	defer m.lock(guildID, ownerID)()
	return m.load(ctx, guildID, ownerID)
}

func (m *CategoryManager) load(ctx context.Context, guildID, ownerID string) (*CategoryRecord, error) {
	rec, err := m.store.Get(ctx, guildID, ownerID)
	if err != nil {
		return nil, err
	}

	err = m.verify(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !isReconstructionError(err) {
		return nil, err
	}

	logger := loggerFrom(ctx, m.logger)
	logger.WarnContext(
		ctx,
		"pruning stale DM category",
		"guild_id", guildID,
		"owner_id", ownerID,
		"category_id", rec.CategoryID,
		tint.Err(err),
	)
	if delErr := m.store.Delete(ctx, guildID, ownerID); delErr != nil {
		return nil, errors.Join(err, delErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoCategory, err)
}

// verify checks that everything the record refers to still exists
func (m *CategoryManager) verify(ctx context.Context, rec *CategoryRecord) error {
	if _, err := lookupOwner(ctx, m.platform, rec.GuildID, rec.OwnerID); err != nil {
		return err
	}
	if _, err := m.platform.Channel(ctx, rec.CategoryID); err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return fmt.Errorf("%w: category %s", ErrNoChannel, rec.CategoryID)
		}
		return err
	}
	return nil
}

// List returns every category record in the guild, without verifying
// them against the platform
func (m *CategoryManager) List(ctx context.Context, guildID string) ([]CategoryRecord, error) {
	return m.store.ListByGuild(ctx, guildID)
}

// Delete removes the owner's category. Platform deletions are
// best-effort, the record is removed regardless.
func (m *CategoryManager) Delete(ctx context.Context, guildID, ownerID string) error {
	defer m.lock(guildID, ownerID)()
	logger := loggerFrom(ctx, m.logger).With("guild_id", guildID, "owner_id", ownerID)

	rec, err := m.store.Get(ctx, guildID, ownerID)
	if err != nil {
		return err
	}
	m.deletePlatformObjects(ctx, logger, rec)

	if err = m.store.Delete(ctx, guildID, ownerID); err != nil {
		return err
	}
	logger.InfoContext(ctx, "deleted DM category", "category_id", rec.CategoryID)
	return nil
}

// deletePlatformObjects deletes every tracked channel, then the
// category. Failures are logged and otherwise ignored.
func (m *CategoryManager) deletePlatformObjects(ctx context.Context, logger *slog.Logger, rec *CategoryRecord) {
	g := new(errgroup.Group)
	g.SetLimit(categoryDeleteConcurrency)
	for _, ch := range rec.Channels {
		channelID := ch.ChannelID
		g.Go(
			func() error {
				bestEffort(
					ctx, logger, "error deleting channel",
					m.platform.DeleteChannel(ctx, channelID),
					"channel_id", channelID,
				)
				return nil
			},
		)
	}
	_ = g.Wait()

	bestEffort(
		ctx, logger, "error deleting category",
		m.platform.DeleteChannel(ctx, rec.CategoryID),
		"category_id", rec.CategoryID,
	)
}

// Sync discovers channels created in the category outside the bot,
// drops tracked channels that no longer exist, re-applies every
// channel's overwrites and saves the record. It returns the newly
// discovered channels.
func (m *CategoryManager) Sync(ctx context.Context, guildID, ownerID string) ([]ChannelRecord, error) {
	defer m.lock(guildID, ownerID)()

	rec, err := m.load(ctx, guildID, ownerID)
	if err != nil {
		return nil, err
	}
	return m.sync(ctx, rec)
}

func (m *CategoryManager) sync(ctx context.Context, rec *CategoryRecord) ([]ChannelRecord, error) {
	logger := loggerFrom(ctx, m.logger).With("guild_id", rec.GuildID, "owner_id", rec.OwnerID)

	children, err := m.platform.CategoryChannels(ctx, rec.GuildID, rec.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("listing category channels: %w", err)
	}
	present := make(map[string]struct{}, len(children))
	for _, ch := range children {
		present[ch.ID] = struct{}{}
	}

	kept := make(ChannelRecords, 0, len(rec.Channels))
	tracked := make(map[string]struct{}, len(rec.Channels))
	for _, ch := range rec.Channels {
		if _, ok := present[ch.ChannelID]; !ok {
			logger.InfoContext(ctx, "dropping vanished channel", "channel_id", ch.ChannelID)
			continue
		}
		if _, dup := tracked[ch.ChannelID]; dup {
			continue
		}
		tracked[ch.ChannelID] = struct{}{}
		kept = append(kept, ch)
	}

	var discovered []ChannelRecord
	for _, ch := range children {
		if _, ok := tracked[ch.ID]; ok {
			continue
		}
		tracked[ch.ID] = struct{}{}
		cr := ChannelRecord{ChannelID: ch.ID, Permissions: []PermissionEntry{}}
		kept = append(kept, cr)
		discovered = append(discovered, cr)
	}
	if len(discovered) > 0 {
		logger.InfoContext(ctx, "discovered channels", "count", len(discovered))
	}
	rec.Channels = kept

	resolver := newSubjectResolver(m.platform, rec.GuildID)
	for i := range rec.Channels {
		if err = m.apply(ctx, rec, &rec.Channels[i], resolver); err != nil {
			return nil, err
		}
	}

	if err = m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	return discovered, nil
}

// apply replaces the channel's overwrites with the base layer followed
// by each stored entry, in order. Entries whose subject no longer
// exists are skipped but kept.
func (m *CategoryManager) apply(
	ctx context.Context,
	rec *CategoryRecord,
	ch *ChannelRecord,
	resolver *subjectResolver,
) error {
	logger := loggerFrom(ctx, m.logger)
	entries := make([]tieredTarget, 0, len(ch.Permissions))
	for _, e := range ch.Permissions {
		target, err := resolver.resolve(ctx, e.Subject)
		if err != nil {
			if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNoGuild) {
				logger.WarnContext(
					ctx,
					"skipping permission entry",
					"channel_id", ch.ChannelID,
					"subject", e.Subject.String(),
					tint.Err(err),
				)
				continue
			}
			return err
		}
		entries = append(entries, tieredTarget{Target: target, Tier: effectiveTier(e, ch.Archived)})
	}

	overwrites := overwritesFor(m.baseLayer(rec.GuildID, rec.OwnerID), entries)
	if err := m.platform.SetChannelOverwrites(ctx, ch.ChannelID, overwrites); err != nil {
		return fmt.Errorf("setting overwrites on channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

// mutateChannel loads the category, runs fn against the channel and,
// if fn reports a change, re-applies the channel's overwrites and
// saves the record.
func (m *CategoryManager) mutateChannel(
	ctx context.Context,
	guildID, ownerID, channelID string,
	fn func(ch *ChannelRecord, resolver *subjectResolver) (bool, error),
) (bool, error) {
	defer m.lock(guildID, ownerID)()

	rec, err := m.load(ctx, guildID, ownerID)
	if err != nil {
		return false, err
	}
	ch, err := rec.channel(channelID)
	if err != nil {
		return false, err
	}

	resolver := newSubjectResolver(m.platform, guildID)
	changed, err := fn(ch, resolver)
	if err != nil || !changed {
		return false, err
	}
	if err = m.apply(ctx, rec, ch, resolver); err != nil {
		return false, err
	}
	if err = m.store.Save(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// AddPermission sets the entry's tier for its subject on the channel,
// replacing any tier the subject already had, and re-applies the
// channel's overwrites.
func (m *CategoryManager) AddPermission(
	ctx context.Context,
	guildID, ownerID, channelID string,
	entry PermissionEntry,
) error {
	if _, err := NewPermissionEntry(entry.Subject, entry.Tier); err != nil {
		return err
	}
	_, err := m.mutateChannel(
		ctx, guildID, ownerID, channelID,
		func(ch *ChannelRecord, resolver *subjectResolver) (bool, error) {
			if _, err := resolver.resolve(ctx, entry.Subject); err != nil {
				return false, err
			}
			ch.setEntry(entry)
			return true, nil
		},
	)
	return err
}

// RemovePermission removes the subject's entry from the channel. It
// returns false, without touching the platform or the store, if the
// subject had no entry.
func (m *CategoryManager) RemovePermission(
	ctx context.Context,
	guildID, ownerID, channelID, subjectID string,
) (bool, error) {
	return m.mutateChannel(
		ctx, guildID, ownerID, channelID,
		func(ch *ChannelRecord, _ *subjectResolver) (bool, error) {
			return ch.removeEntry(subjectID), nil
		},
	)
}

// Archive makes the channel read-only for every role and member entry,
// without changing the stored tiers. Returns false if the channel is
// already archived.
func (m *CategoryManager) Archive(ctx context.Context, guildID, ownerID, channelID string) (bool, error) {
	return m.setArchived(ctx, guildID, ownerID, channelID, true)
}

// Unarchive restores the stored tiers of an archived channel. Returns
// false if the channel isn't archived.
func (m *CategoryManager) Unarchive(ctx context.Context, guildID, ownerID, channelID string) (bool, error) {
	return m.setArchived(ctx, guildID, ownerID, channelID, false)
}

func (m *CategoryManager) setArchived(
	ctx context.Context,
	guildID, ownerID, channelID string,
	archived bool,
) (bool, error) {
	return m.mutateChannel(
		ctx, guildID, ownerID, channelID,
		func(ch *ChannelRecord, _ *subjectResolver) (bool, error) {
			if ch.Archived == archived {
				return false, nil
			}
			ch.Archived = archived
			return true, nil
		},
	)
}

// CreateChannel creates a text channel in the category and tracks it
func (m *CategoryManager) CreateChannel(
	ctx context.Context,
	guildID, ownerID, name string,
) (*ChannelRecord, error) {
	defer m.lock(guildID, ownerID)()

	rec, err := m.load(ctx, guildID, ownerID)
	if err != nil {
		return nil, err
	}
	ch, err := m.platform.CreateTextChannel(
		ctx,
		guildID,
		rec.CategoryID,
		name,
		overwritesFor(m.baseLayer(guildID, ownerID)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}

	cr := ChannelRecord{ChannelID: ch.ID, Permissions: []PermissionEntry{}}
	rec.Channels = append(rec.Channels, cr)
	if err = m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	return &cr, nil
}

// DeleteChannel deletes a tracked channel. The platform deletion is
// best-effort, the channel stops being tracked regardless.
func (m *CategoryManager) DeleteChannel(ctx context.Context, guildID, ownerID, channelID string) error {
	defer m.lock(guildID, ownerID)()

	rec, err := m.load(ctx, guildID, ownerID)
	if err != nil {
		return err
	}
	if _, err = rec.channel(channelID); err != nil {
		return err
	}

	bestEffort(
		ctx, loggerFrom(ctx, m.logger), "error deleting channel",
		m.platform.DeleteChannel(ctx, channelID),
		"channel_id", channelID,
	)
	rec.removeChannel(channelID)
	return m.store.Save(ctx, rec)
}
