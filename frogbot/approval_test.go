package frogbot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approvalFixture struct {
	sheets   *SheetApprovals
	platform *fakePlatform
	store    ApprovalStore

	sheetChannelID    string
	approvedChannelID string
}

func newApprovalFixture(t testing.TB) *approvalFixture {
	t.Helper()
	_, dbi := setupTestDB(t)
	platform := newFakePlatform(testBotID)
	platform.addGuild(testGuildID)
	platform.addRole(testGuildID, testPlayerRole, "Player")
	platform.addRole(testGuildID, testNewRole, "New")
	platform.addRole(testGuildID, testApproverRID, "Sheet Approver")
	platform.addMember(testGuildID, testOwnerID, "owner", testNewRole)
	platform.addMember(testGuildID, testApproverID, "approver", testApproverRID)
	platform.addMember(testGuildID, testApprover2ID, "approver2", testApproverRID)

	store := NewApprovalStore(dbi)
	return &approvalFixture{
		sheets:            NewSheetApprovals(store, platform, nil),
		platform:          platform,
		store:             store,
		sheetChannelID:    platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText).ID,
		approvedChannelID: platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText).ID,
	}
}

// configure sets every setting needed to approve sheets
func (f *approvalFixture) configure(t testing.TB, quorum int) {
	t.Helper()
	ctx := context.Background()
	for name, value := range map[string]string{
		SettingSheetChannel:    "<#" + f.sheetChannelID + ">",
		SettingApprovedChannel: f.approvedChannelID,
		SettingApprovedRole:    "<@&" + testPlayerRole + ">",
		SettingNewRole:         testNewRole,
		SettingApprovals:       strconv.Itoa(quorum),
		SettingApprovedMessage: "Welcome to the table!",
	} {
		_, err := f.sheets.SetSetting(ctx, testGuildID, name, value)
		require.NoError(t, err)
	}
}

func (f *approvalFixture) submit(t testing.TB) *ApprovalRecord {
	t.Helper()
	rec, err := f.sheets.Submit(
		context.Background(),
		testGuildID,
		f.sheetChannelID,
		testOwnerID,
		"Grog, level 3 barbarian",
	)
	require.NoError(t, err)
	return rec
}

func approverFields(embed *discordgo.MessageEmbed) []string {
	var values []string
	for _, field := range embed.Fields {
		if field.Name == sheetApproverFieldName {
			values = append(values, field.Value)
		}
	}
	return values
}

func TestSheetApprovals_Submit(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)

	rec := f.submit(t)
	assert.Equal(t, testOwnerID, rec.OwnerID)
	assert.Equal(t, f.sheetChannelID, rec.ChannelID)

	msg := f.platform.message(f.sheetChannelID, rec.MessageID)
	require.NotNil(t, msg)
	require.Len(t, msg.Embeds, 1)
	embed := msg.Embeds[0]
	assert.Equal(t, "Sheet Approval - owner", embed.Title)
	assert.Equal(t, "Grog, level 3 barbarian", embed.Description)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, sheetApprovalIDField, embed.Fields[0].Name)
	assert.Equal(t, rec.MessageID, embed.Fields[0].Value)

	assert.Equal(t, []string{rec.MessageID + ":" + ApprovalEmoji}, f.platform.recordedReactions())

	pending, err := f.sheets.IsPending(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = f.sheets.IsPending(ctx, testGuildID, "999")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSheetApprovals_Submit_MissingOwner(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)

	_, err := f.sheets.Submit(ctx, testGuildID, f.sheetChannelID, "399999999999999999", "sheet")
	require.ErrorIs(t, err, ErrNoOwner)
	assert.Empty(t, f.platform.messagesIn(f.sheetChannelID))

	records, err := f.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSheetApprovals_AddApproval(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 2)
	rec := f.submit(t)

	outcome, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testOwnerID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalOwnSheet, outcome)

	outcome, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalAdded, outcome)

	embed := f.platform.message(f.sheetChannelID, rec.MessageID).Embeds[0]
	assert.Equal(t, []string{"You have been approved by approver"}, approverFields(embed))

	outcome, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalDuplicate, outcome)

	sheet, err := f.sheets.Load(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{testApproverID}, sheet.Approvals)
	assert.Equal(t, []string{"approver"}, sheet.ApproverNames)

	outcome, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApprover2ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalCompleted, outcome)

	pending, err := f.sheets.IsPending(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.False(t, pending)

	roles := f.platform.memberRoles(testGuildID, testOwnerID)
	assert.Contains(t, roles, testPlayerRole)
	assert.NotContains(t, roles, testNewRole)

	announcements := f.platform.messagesIn(f.approvedChannelID)
	require.Len(t, announcements, 1)
	assert.Equal(
		t,
		fmt.Sprintf(sheetAnnouncementFormat, "<@"+testOwnerID+">"),
		announcements[0].Content,
	)

	embed = f.platform.message(f.sheetChannelID, rec.MessageID).Embeds[0]
	assert.Equal(t, sheetApprovedEmbedColor, embed.Color)
	assert.Len(t, approverFields(embed), 2)
	last := embed.Fields[len(embed.Fields)-1]
	assert.Equal(t, sheetApprovedFieldName, last.Name)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Welcome to the table!", embed.Footer.Text)

	_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	assert.ErrorIs(t, err, ErrNoSheet)
}

func TestSheetApprovals_AddApproval_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 2)

	approvers := []string{testApproverID, testApprover2ID, testApproverID, testApprover2ID, testOwnerID}
	const rounds = 5
	for round := range rounds {
		rec := f.submit(t)

		var wg sync.WaitGroup
		outcomes := make([]ApprovalOutcome, len(approvers))
		errs := make([]error, len(approvers))
		for i, approverID := range approvers {
			wg.Add(1)
			go func(i int, approverID string) {
				defer wg.Done()
				outcomes[i], errs[i] = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, approverID)
			}(i, approverID)
		}
		wg.Wait()

		counts := map[ApprovalOutcome]int{}
		for i, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, ErrNoSheet, "round %d approver %s", round, approvers[i])
				continue
			}
			counts[outcomes[i]]++
		}
		assert.Equal(t, 1, counts[ApprovalCompleted], "round %d: %v", round, outcomes)
		assert.Equal(t, 1, counts[ApprovalAdded], "round %d: %v", round, outcomes)

		pending, err := f.sheets.IsPending(ctx, testGuildID, rec.MessageID)
		require.NoError(t, err)
		assert.False(t, pending)
		assert.Len(t, f.platform.messagesIn(f.approvedChannelID), round+1)
	}

	records, err := f.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSheetApprovals_AddApproval_QuorumOfOne(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 1)
	rec := f.submit(t)

	outcome, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalCompleted, outcome)
	assert.Contains(t, f.platform.memberRoles(testGuildID, testOwnerID), testPlayerRole)
}

func TestSheetApprovals_AddApproval_SettingsMissing(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	rec := f.submit(t)

	_, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.ErrorIs(t, err, ErrSettingsMissing)

	// settings with a quorum but nowhere to announce are incomplete
	_, err = f.sheets.SetSetting(ctx, testGuildID, SettingApprovals, "1")
	require.NoError(t, err)
	_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.ErrorIs(t, err, ErrSettingsMissing)

	stored, err := f.store.Get(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.Empty(t, stored.Approvals)
}

func TestSheetApprovals_AddApproval_SideEffectsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 1)
	_, err := f.sheets.SetSetting(ctx, testGuildID, SettingApprovedChannel, "699999999999999999")
	require.NoError(t, err)
	rec := f.submit(t)

	outcome, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalCompleted, outcome)
	assert.Contains(t, f.platform.memberRoles(testGuildID, testOwnerID), testPlayerRole)

	pending, err := f.sheets.IsPending(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSheetApprovals_RemoveApproval(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 3)
	rec := f.submit(t)

	removed, err := f.sheets.RemoveApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApprover2ID)
	require.NoError(t, err)

	removed, err = f.sheets.RemoveApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.True(t, removed)

	embed := f.platform.message(f.sheetChannelID, rec.MessageID).Embeds[0]
	assert.Equal(t, []string{"You have been approved by approver2"}, approverFields(embed))

	stored, err := f.store.Get(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{testApprover2ID}, stored.Approvals)

	removed, err = f.sheets.RemoveApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.sheets.RemoveApproval(ctx, testGuildID, "999", testApproverID)
	assert.ErrorIs(t, err, ErrNoSheet)
}

func TestSheetApprovals_DepartedApprover(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 3)
	rec := f.submit(t)

	_, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)
	_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApprover2ID)
	require.NoError(t, err)

	f.platform.removeMember(testGuildID, testApproverID)

	sheet, err := f.sheets.Load(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{testApprover2ID}, sheet.Approvals)
	assert.Equal(t, []string{"approver2"}, sheet.ApproverNames)

	stored, err := f.store.Get(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{testApprover2ID}, stored.Approvals)
}

func TestSheetApprovals_PrunesStaleSheets(t *testing.T) {
	tests := []struct {
		name     string
		breakIt  func(f *approvalFixture, rec *ApprovalRecord)
		expected error
	}{
		{
			name: "message deleted",
			breakIt: func(f *approvalFixture, rec *ApprovalRecord) {
				f.platform.removeMessage(rec.ChannelID, rec.MessageID)
			},
			expected: ErrNoMessage,
		},
		{
			name: "channel deleted",
			breakIt: func(f *approvalFixture, rec *ApprovalRecord) {
				f.platform.removeChannel(rec.ChannelID)
			},
			expected: ErrNoChannel,
		},
		{
			name: "owner left",
			breakIt: func(f *approvalFixture, _ *ApprovalRecord) {
				f.platform.removeMember(testGuildID, testOwnerID)
			},
			expected: ErrNoOwner,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				ctx := context.Background()
				f := newApprovalFixture(t)
				f.configure(t, 2)
				rec := f.submit(t)
				_, err := f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
				require.NoError(t, err)

				tc.breakIt(f, rec)

				_, err = f.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApprover2ID)
				require.ErrorIs(t, err, ErrNoSheet)
				require.ErrorIs(t, err, tc.expected)

				pending, err := f.sheets.IsPending(ctx, testGuildID, rec.MessageID)
				require.NoError(t, err)
				assert.False(t, pending)
			},
		)
	}
}

func TestSheetApprovals_List(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)
	f.configure(t, 5)

	first := f.submit(t)
	second := f.submit(t)
	_, err := f.sheets.AddApproval(ctx, testGuildID, second.MessageID, testApproverID)
	require.NoError(t, err)

	records, err := f.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.MessageID, records[0].MessageID)
	assert.Empty(t, records[0].Approvals)
	assert.Equal(t, second.MessageID, records[1].MessageID)
	assert.Equal(t, []string{testApproverID}, records[1].Approvals)
}

func TestSheetApprovals_SetSetting(t *testing.T) {
	ctx := context.Background()
	f := newApprovalFixture(t)

	_, err := f.sheets.Settings(ctx, testGuildID)
	require.ErrorIs(t, err, ErrSettingsMissing)

	settings, err := f.sheets.SetSetting(ctx, testGuildID, SettingApprovedRole, "<@&"+testPlayerRole+">")
	require.NoError(t, err)
	assert.Equal(t, testPlayerRole, settings.ApprovedRoleID)

	_, err = f.sheets.SetSetting(ctx, testGuildID, "Approvals", "2")
	require.ErrorIs(t, err, ErrInvalidArgument)
	msg, ok := userMessage(err)
	require.True(t, ok)
	assert.Contains(t, msg, "Invalid setting `Approvals`")

	_, err = f.sheets.SetSetting(ctx, testGuildID, SettingApprovals, "0")
	require.ErrorIs(t, err, ErrInvalidArgument)

	settings, err = f.sheets.SetSetting(ctx, testGuildID, SettingApprovals, " 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, settings.Approvals)

	stored, err := f.sheets.Settings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testPlayerRole, stored.ApprovedRoleID)
	assert.Equal(t, 3, stored.Approvals)
	assert.False(t, stored.complete())
}

func TestTrimMention(t *testing.T) {
	tests := map[string]string{
		"<#123>":  "123",
		"<@&456>": "456",
		"<@789>":  "789",
		"<@!789>": "789",
		"123":     "123",
		"<123":    "<123",
		"":        "",
	}
	for input, expected := range tests {
		assert.Equalf(t, expected, trimMention(input), "input %q", input)
	}
}

func TestSheetEmbed_FieldLimit(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("approver %d", i)
	}
	embed := sheetEmbed("owner", "content", "123", names)
	assert.Len(t, embed.Fields, discordMaxEmbedFields-1)
	assert.Equal(t, sheetApprovalIDField, embed.Fields[0].Name)

	embed = sheetEmbed("owner", "content", "", nil)
	assert.Empty(t, embed.Fields)
}

func TestApprovalOutcome_String(t *testing.T) {
	assert.Equal(t, "completed", ApprovalCompleted.String())
	assert.Equal(t, "own_sheet", ApprovalOwnSheet.String())
	assert.Equal(t, "ApprovalOutcome(9)", ApprovalOutcome(9).String())
}
