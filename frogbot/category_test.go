package frogbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCategoryFixture(t testing.TB) (*CategoryManager, *fakePlatform, CategoryStore) {
	t.Helper()
	_, dbi := setupTestDB(t)
	platform := newFakePlatform(testBotID)
	platform.addGuild(testGuildID)
	platform.addRole(testGuildID, testDMRoleID, "DM")
	platform.addRole(testGuildID, testPlayerRole, "Player")
	platform.addMember(testGuildID, testOwnerID, "owner", testDMRoleID)
	platform.addMember(testGuildID, testOtherUserID, "other")

	store := NewCategoryStore(dbi)
	return NewCategoryManager(store, platform, nil), platform, store
}

func assertTier(t testing.TB, tier PermissionTier, ow *discordgo.PermissionOverwrite) {
	t.Helper()
	require.NotNil(t, ow)
	expected := tier.Overwrite()
	assert.Equalf(t, expected.Allow, ow.Allow, "allow for %s", ow.ID)
	assert.Equalf(t, expected.Deny, ow.Deny, "deny for %s", ow.ID)
}

// assertBaseLayer checks the bot and owner are admins on the channel,
// and that everyone else is hidden
func assertBaseLayer(t testing.TB, platform *fakePlatform, channelID string) {
	t.Helper()
	overwrites := platform.overwritesByID(channelID)
	assertTier(t, TierAdmin, overwrites[testBotID])
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, overwrites[testBotID].Type)
	assertTier(t, TierAdmin, overwrites[testOwnerID])
	assertTier(t, TierHidden, overwrites[testGuildID])
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, overwrites[testGuildID].Type)
}

func TestCategoryManager_Setup(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, rec.Channels, 1)

	category, err := platform.Channel(ctx, rec.CategoryID)
	require.NoError(t, err)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, category.Type)
	assert.Equal(t, "owner's category", category.Name)
	assertBaseLayer(t, platform, rec.CategoryID)

	hubID := rec.Channels[0].ChannelID
	hub, err := platform.Channel(ctx, hubID)
	require.NoError(t, err)
	assert.Equal(t, rec.CategoryID, hub.ParentID)
	assert.Equal(t, "dm-hub-owner", hub.Name)
	assertBaseLayer(t, platform, hubID)
	assert.Empty(t, rec.Channels[0].Permissions)

	messages := platform.messagesIn(hubID)
	require.Len(t, messages, 1)
	assert.Equal(t, hubWelcomeMessage, messages[0].Content)

	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.Equal(t, rec.CategoryID, stored.CategoryID)
	assert.Equal(t, rec.Channels, stored.Channels)
}

func TestCategoryManager_Setup_Existing(t *testing.T) {
	ctx := context.Background()
	m, platform, _ := newCategoryFixture(t)

	_, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	platform.mu.Lock()
	channelCount := len(platform.channels)
	platform.mu.Unlock()

	_, err = m.Setup(ctx, testGuildID, testOwnerID)
	require.ErrorIs(t, err, ErrCategoryExists)

	platform.mu.Lock()
	defer platform.mu.Unlock()
	assert.Len(t, platform.channels, channelCount, "no channels should be created")
}

func TestCategoryManager_Setup_Concurrent(t *testing.T) {
	ctx := context.Background()
	m, _, store := newCategoryFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Setup(ctx, testGuildID, testOwnerID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrCategoryExists)
	}
	assert.Equal(t, 1, succeeded)

	records, err := store.ListByGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCategoryManager_Setup_MissingOwner(t *testing.T) {
	ctx := context.Background()
	m, _, store := newCategoryFixture(t)

	_, err := m.Setup(ctx, testGuildID, "399999999999999999")
	require.ErrorIs(t, err, ErrNoOwner)

	_, err = m.Setup(ctx, "199999999999999999", testOwnerID)
	require.ErrorIs(t, err, ErrNoGuild)

	records, err := store.ListByGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCategoryManager_Setup_HubFailure(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)
	platform.createTextErr = errors.New("discord is down")

	_, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.Error(t, err)

	// the category created before the failure is removed again
	deleted := platform.recordedDeletedChannels()
	require.Len(t, deleted, 1)
	assert.False(t, platform.hasChannel(deleted[0]))

	_, err = store.Get(ctx, testGuildID, testOwnerID)
	assert.ErrorIs(t, err, ErrNoCategory)
}

func TestCategoryManager_AddRemovePermission(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	entry, err := NewPermissionEntry(RoleSubject(testPlayerRole), TierReadWrite)
	require.NoError(t, err)
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, entry))

	overwrites := platform.overwritesByID(hubID)
	assertTier(t, TierReadWrite, overwrites[testPlayerRole])
	assertBaseLayer(t, platform, hubID)

	// a second entry for the same subject replaces the first
	entry.Tier = TierReadOnly
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, entry))
	assertTier(t, TierReadOnly, platform.overwritesByID(hubID)[testPlayerRole])

	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels[0].Permissions, 1)
	assert.Equal(t, TierReadOnly, stored.Channels[0].Permissions[0].Tier)

	member, err := NewPermissionEntry(MemberSubject(testOtherUserID), TierHidden)
	require.NoError(t, err)
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, member))
	assertTier(t, TierHidden, platform.overwritesByID(hubID)[testOtherUserID])

	removed, err := m.RemovePermission(ctx, testGuildID, testOwnerID, hubID, testPlayerRole)
	require.NoError(t, err)
	assert.True(t, removed)
	overwrites = platform.overwritesByID(hubID)
	assert.NotContains(t, overwrites, testPlayerRole)
	assert.Contains(t, overwrites, testOtherUserID)

	removed, err = m.RemovePermission(ctx, testGuildID, testOwnerID, hubID, testPlayerRole)
	require.NoError(t, err)
	assert.False(t, removed)

	stored, err = store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels[0].Permissions, 1)
	assert.Equal(t, MemberSubject(testOtherUserID), stored.Channels[0].Permissions[0].Subject)
}

func TestCategoryManager_AddPermission_Everyone(t *testing.T) {
	ctx := context.Background()
	m, platform, _ := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	entry, err := NewPermissionEntry(EveryoneSubject(testGuildID), TierReadOnly)
	require.NoError(t, err)
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, entry))

	// the everyone entry replaces the hidden base overwrite
	assertTier(t, TierReadOnly, platform.overwritesByID(hubID)[testGuildID])
	assertTier(t, TierAdmin, platform.overwritesByID(hubID)[testOwnerID])
}

func TestCategoryManager_AddPermission_Invalid(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID
	before := platform.overwritesByID(hubID)

	err = m.AddPermission(
		ctx, testGuildID, testOwnerID, hubID,
		PermissionEntry{Subject: RoleSubject("599999999999999999"), Tier: TierAdmin},
	)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = m.AddPermission(
		ctx, testGuildID, testOwnerID, hubID,
		PermissionEntry{Subject: RoleSubject(testPlayerRole), Tier: PermissionTier(12)},
	)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = m.AddPermission(
		ctx, testGuildID, testOwnerID, "699999999999999999",
		PermissionEntry{Subject: RoleSubject(testPlayerRole), Tier: TierAdmin},
	)
	require.ErrorIs(t, err, ErrUnknownChannel)

	err = m.AddPermission(
		ctx, testGuildID, testOtherUserID, hubID,
		PermissionEntry{Subject: RoleSubject(testPlayerRole), Tier: TierAdmin},
	)
	require.ErrorIs(t, err, ErrNoCategory)

	assert.Equal(t, before, platform.overwritesByID(hubID))
	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.Empty(t, stored.Channels[0].Permissions)
}

func TestCategoryManager_ArchiveUnarchive(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	for _, e := range []PermissionEntry{
		{Subject: RoleSubject(testPlayerRole), Tier: TierAdmin},
		{Subject: MemberSubject(testOtherUserID), Tier: TierReadWrite},
		{Subject: RoleSubject(testDMRoleID), Tier: TierHidden},
	} {
		require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, e))
	}

	changed, err := m.Archive(ctx, testGuildID, testOwnerID, hubID)
	require.NoError(t, err)
	assert.True(t, changed)

	overwrites := platform.overwritesByID(hubID)
	assertTier(t, TierReadOnly, overwrites[testPlayerRole])
	assertTier(t, TierReadOnly, overwrites[testOtherUserID])
	assertTier(t, TierHidden, overwrites[testDMRoleID])
	assertBaseLayer(t, platform, hubID)

	// stored tiers are untouched
	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.True(t, stored.Channels[0].Archived)
	assert.Equal(t, TierAdmin, stored.Channels[0].Permissions[0].Tier)
	assert.Equal(t, TierReadWrite, stored.Channels[0].Permissions[1].Tier)

	changed, err = m.Archive(ctx, testGuildID, testOwnerID, hubID)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.Unarchive(ctx, testGuildID, testOwnerID, hubID)
	require.NoError(t, err)
	assert.True(t, changed)
	overwrites = platform.overwritesByID(hubID)
	assertTier(t, TierAdmin, overwrites[testPlayerRole])
	assertTier(t, TierReadWrite, overwrites[testOtherUserID])

	changed, err = m.Unarchive(ctx, testGuildID, testOwnerID, hubID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCategoryManager_AddPermission_WhileArchived(t *testing.T) {
	ctx := context.Background()
	m, platform, _ := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	_, err = m.Archive(ctx, testGuildID, testOwnerID, hubID)
	require.NoError(t, err)

	entry := PermissionEntry{Subject: MemberSubject(testOtherUserID), Tier: TierAdmin}
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, entry))
	assertTier(t, TierReadOnly, platform.overwritesByID(hubID)[testOtherUserID])

	// a hidden entry added to an archived channel is not raised to read-only
	hidden := PermissionEntry{Subject: RoleSubject(testPlayerRole), Tier: TierHidden}
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, hidden))
	assertTier(t, TierHidden, platform.overwritesByID(hubID)[testPlayerRole])
}

func TestCategoryManager_Sync(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	// a channel created outside the bot, with no overwrites
	extra := platform.addChannel(testGuildID, rec.CategoryID, discordgo.ChannelTypeGuildText)
	// a channel in a different category is ignored
	platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText)

	discovered, err := m.Sync(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, extra.ID, discovered[0].ChannelID)
	assertBaseLayer(t, platform, extra.ID)

	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels, 2)
	assert.Equal(t, hubID, stored.Channels[0].ChannelID)
	assert.Equal(t, extra.ID, stored.Channels[1].ChannelID)

	// syncing again finds nothing new
	discovered, err = m.Sync(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.Empty(t, discovered)

	// channels deleted outside the bot stop being tracked
	platform.removeChannel(hubID)
	_, err = m.Sync(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	stored, err = store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels, 1)
	assert.Equal(t, extra.ID, stored.Channels[0].ChannelID)
}

func TestCategoryManager_Sync_SkipsMissingSubjects(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	require.NoError(
		t, m.AddPermission(
			ctx, testGuildID, testOwnerID, hubID,
			PermissionEntry{Subject: MemberSubject(testOtherUserID), Tier: TierReadWrite},
		),
	)
	platform.removeMember(testGuildID, testOtherUserID)

	_, err = m.Sync(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.NotContains(t, platform.overwritesByID(hubID), testOtherUserID)

	// the entry is kept, in case the member comes back
	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels[0].Permissions, 1)
}

func TestCategoryManager_PrunesStaleRecords(t *testing.T) {
	tests := []struct {
		name     string
		breakIt  func(p *fakePlatform, rec *CategoryRecord)
		expected error
	}{
		{
			name: "category deleted",
			breakIt: func(p *fakePlatform, rec *CategoryRecord) {
				p.removeChannel(rec.CategoryID)
			},
			expected: ErrNoChannel,
		},
		{
			name: "owner left",
			breakIt: func(p *fakePlatform, _ *CategoryRecord) {
				p.removeMember(testGuildID, testOwnerID)
			},
			expected: ErrNoOwner,
		},
		{
			name: "guild gone",
			breakIt: func(p *fakePlatform, _ *CategoryRecord) {
				p.removeGuild(testGuildID)
			},
			expected: ErrNoGuild,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				ctx := context.Background()
				m, platform, store := newCategoryFixture(t)

				rec, err := m.Setup(ctx, testGuildID, testOwnerID)
				require.NoError(t, err)
				tc.breakIt(platform, rec)

				_, err = m.Get(ctx, testGuildID, testOwnerID)
				require.ErrorIs(t, err, ErrNoCategory)
				require.ErrorIs(t, err, tc.expected)

				_, err = store.Get(ctx, testGuildID, testOwnerID)
				assert.ErrorIs(t, err, ErrNoCategory)
			},
		)
	}
}

func TestCategoryManager_Delete(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	extra, err := m.CreateChannel(ctx, testGuildID, testOwnerID, "notes")
	require.NoError(t, err)

	// a tracked channel already deleted outside the bot doesn't stop
	// the rest from being deleted
	platform.removeChannel(extra.ChannelID)

	require.NoError(t, m.Delete(ctx, testGuildID, testOwnerID))
	assert.False(t, platform.hasChannel(rec.CategoryID))
	assert.False(t, platform.hasChannel(rec.Channels[0].ChannelID))
	assert.ElementsMatch(
		t,
		[]string{rec.CategoryID, rec.Channels[0].ChannelID},
		platform.recordedDeletedChannels(),
	)

	_, err = store.Get(ctx, testGuildID, testOwnerID)
	assert.ErrorIs(t, err, ErrNoCategory)

	assert.ErrorIs(t, m.Delete(ctx, testGuildID, testOwnerID), ErrNoCategory)
}

func TestCategoryManager_CreateDeleteChannel(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)

	created, err := m.CreateChannel(ctx, testGuildID, testOwnerID, "session-notes")
	require.NoError(t, err)
	ch, err := platform.Channel(ctx, created.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, rec.CategoryID, ch.ParentID)
	assert.Equal(t, "session-notes", ch.Name)
	assertBaseLayer(t, platform, created.ChannelID)

	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels, 2)

	require.NoError(t, m.DeleteChannel(ctx, testGuildID, testOwnerID, created.ChannelID))
	assert.False(t, platform.hasChannel(created.ChannelID))
	stored, err = store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, stored.Channels, 1)

	err = m.DeleteChannel(ctx, testGuildID, testOwnerID, created.ChannelID)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = m.CreateChannel(ctx, testGuildID, testOtherUserID, "nope")
	assert.ErrorIs(t, err, ErrNoCategory)
}

func TestCategoryManager_Adopt(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	category := platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildCategory)
	first := platform.addChannel(testGuildID, category.ID, discordgo.ChannelTypeGuildText)
	second := platform.addChannel(testGuildID, category.ID, discordgo.ChannelTypeGuildText)

	rec, discovered, err := m.Adopt(ctx, testGuildID, testOwnerID, category.ID)
	require.NoError(t, err)
	assert.Equal(t, category.ID, rec.CategoryID)
	require.Len(t, discovered, 2)
	assert.Equal(t, first.ID, discovered[0].ChannelID)
	assert.Equal(t, second.ID, discovered[1].ChannelID)

	assertBaseLayer(t, platform, category.ID)
	assertBaseLayer(t, platform, first.ID)
	assertBaseLayer(t, platform, second.ID)

	stored, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.Len(t, stored.Channels, 2)

	other := platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildCategory)
	_, _, err = m.Adopt(ctx, testGuildID, testOwnerID, other.ID)
	assert.ErrorIs(t, err, ErrCategoryExists)
}

func TestCategoryManager_Adopt_Invalid(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	text := platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText)
	_, _, err := m.Adopt(ctx, testGuildID, testOwnerID, text.ID)
	require.ErrorIs(t, err, ErrInvalidArgument)
	msg, ok := userMessage(err)
	assert.True(t, ok)
	assert.Contains(t, msg, "is not a category")

	_, _, err = m.Adopt(ctx, testGuildID, testOwnerID, "699999999999999999")
	require.ErrorIs(t, err, ErrNoChannel)

	_, err = store.Get(ctx, testGuildID, testOwnerID)
	assert.ErrorIs(t, err, ErrNoCategory)
}

func TestCategoryManager_List(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newCategoryFixture(t)

	_, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	_, err = m.Setup(ctx, testGuildID, testOtherUserID)
	require.NoError(t, err)

	records, err := m.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, testOwnerID, records[0].OwnerID)
	assert.Equal(t, testOtherUserID, records[1].OwnerID)

	records, err = m.List(ctx, "199999999999999999")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChannelRecords_Scan(t *testing.T) {
	var records ChannelRecords
	require.NoError(
		t,
		records.Scan(`[{"channel_id":"1","permissions":null},{"permissions":[]},{"channel_id":"2","archived":true,"permissions":[{"type":1,"obj_id":"3","perm_type":2}]}]`),
	)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ChannelID)
	assert.NotNil(t, records[0].Permissions)
	assert.True(t, records[1].Archived)
	assert.Equal(t, []PermissionEntry{{Subject: MemberSubject("3"), Tier: TierReadOnly}}, records[1].Permissions)

	require.NoError(t, records.Scan(nil))
	assert.Nil(t, records)
	assert.Error(t, records.Scan(42))

	value, err := ChannelRecords(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)
}

func TestChannelRecords_Scan_InvalidEntries(t *testing.T) {
	var records ChannelRecords
	require.NoError(
		t,
		records.Scan(
			`[`+
				`{"channel_id":1,"permissions":[`+
				`{"type":0,"obj_id":"5","perm_type":1},`+
				`{"type":1,"obj_id":"6","perm_type":9},`+
				`{"type":7,"obj_id":"7","perm_type":0},`+
				`"garbage",`+
				`{"type":0,"obj_id":"5","perm_type":3}`+
				`]},`+
				`{"channel_id":-3},`+
				`42,`+
				`{"channel_id":"2","permissions":[{"type":1,"obj_id":8,"perm_type":2}]}`+
				`]`,
		),
	)
	require.Len(t, records, 2)

	assert.Equal(t, "1", records[0].ChannelID)
	assert.Equal(t, []PermissionEntry{{Subject: RoleSubject("5"), Tier: TierHidden}}, records[0].Permissions)

	assert.Equal(t, "2", records[1].ChannelID)
	assert.Equal(t, []PermissionEntry{{Subject: MemberSubject("8"), Tier: TierReadOnly}}, records[1].Permissions)

	assert.Error(t, records.Scan(`{"channel_id":"1"}`))
}

func TestCategoryManager_InvalidStoredEntry(t *testing.T) {
	ctx := context.Background()
	m, platform, store := newCategoryFixture(t)

	rec, err := m.Setup(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	hubID := rec.Channels[0].ChannelID

	// an entry with an unknown tier, written outside the bot
	channels := fmt.Sprintf(
		`[{"channel_id":%q,"archived":false,"permissions":[`+
			`{"type":0,"obj_id":%q,"perm_type":1},`+
			`{"type":1,"obj_id":%q,"perm_type":9}`+
			`]}]`,
		hubID, testPlayerRole, testOtherUserID,
	)
	db := store.(*gormCategoryStore).db.DB()
	require.NoError(t, db.Exec("UPDATE dm_categories SET channels = ? WHERE id = ?", channels, rec.ID).Error)

	loaded, err := m.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	require.Len(t, loaded.Channels, 1)
	assert.Equal(t, []PermissionEntry{{Subject: RoleSubject(testPlayerRole), Tier: TierReadWrite}}, loaded.Channels[0].Permissions)

	// the next write persists the record without the dropped entry
	entry := PermissionEntry{Subject: MemberSubject(testOtherUserID), Tier: TierReadOnly}
	require.NoError(t, m.AddPermission(ctx, testGuildID, testOwnerID, hubID, entry))
	assertTier(t, TierReadOnly, platform.overwritesByID(hubID)[testOtherUserID])

	var stored string
	require.NoError(t, db.Raw("SELECT channels FROM dm_categories WHERE id = ?", rec.ID).Scan(&stored).Error)
	assert.NotContains(t, stored, `"perm_type":9`)

	reloaded, err := store.Get(ctx, testGuildID, testOwnerID)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]PermissionEntry{
			{Subject: RoleSubject(testPlayerRole), Tier: TierReadWrite},
			entry,
		},
		reloaded.Channels[0].Permissions,
	)
}
