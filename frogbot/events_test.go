package frogbot

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventFixture struct {
	*commandFixture
	sheetChannelID    string
	approvedChannelID string
}

func newEventFixture(t testing.TB, quorum string) *eventFixture {
	t.Helper()
	f := &eventFixture{commandFixture: newCommandFixture(t)}
	f.sheetChannelID = f.platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText).ID
	f.approvedChannelID = f.platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText).ID
	for name, value := range map[string]string{
		SettingSheetChannel:    f.sheetChannelID,
		SettingApprovedChannel: f.approvedChannelID,
		SettingApprovedRole:    testPlayerRole,
		SettingApprovals:       quorum,
	} {
		_, err := f.bot.sheets.SetSetting(context.Background(), testGuildID, name, value)
		require.NoError(t, err)
	}
	return f
}

// postMessage stores a message from the member in the channel and
// returns the gateway event for it
func (f *eventFixture) postMessage(
	t testing.TB,
	member *discordgo.Member,
	channelID, content string,
) *discordgo.MessageCreate {
	t.Helper()
	msg, err := f.platform.SendMessage(context.Background(), channelID, content)
	require.NoError(t, err)
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        msg.ID,
			ChannelID: channelID,
			GuildID:   testGuildID,
			Content:   content,
			Author:    member.User,
		},
	}
}

func reaction(userID, messageID, emoji string) *discordgo.MessageReaction {
	return &discordgo.MessageReaction{
		UserID:    userID,
		MessageID: messageID,
		GuildID:   testGuildID,
		Emoji:     discordgo.Emoji{Name: emoji},
	}
}

func (f *eventFixture) submit(t testing.TB) *ApprovalRecord {
	t.Helper()
	rec, err := f.bot.sheets.Submit(context.Background(), testGuildID, f.sheetChannelID, testOwnerID, "sheet")
	require.NoError(t, err)
	return rec
}

func TestHandleDiscordMessage_SubmitsSheet(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "2")

	m := f.postMessage(t, f.owner, f.sheetChannelID, "  Grog the barbarian  ")
	m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example.com/grog.pdf"}}
	f.bot.handleDiscordMessage(ctx, m)

	records, err := f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testOwnerID, records[0].OwnerID)
	assert.Equal(t, "Grog the barbarian\nhttps://cdn.example.com/grog.pdf", records[0].Content)

	assert.Nil(t, f.platform.message(f.sheetChannelID, m.ID), "original message should be removed")
	assert.NotNil(t, f.platform.message(f.sheetChannelID, records[0].MessageID))
}

func TestHandleDiscordMessage_Ignored(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "2")
	otherChannel := f.platform.addChannel(testGuildID, "", discordgo.ChannelTypeGuildText).ID

	// another channel
	f.bot.handleDiscordMessage(ctx, f.postMessage(t, f.owner, otherChannel, "sheet"))

	// a bot
	botMember := f.platform.addMember(testGuildID, "200000000000000050", "otherbot")
	botMember.User.Bot = true
	f.bot.handleDiscordMessage(ctx, f.postMessage(t, botMember, f.sheetChannelID, "sheet"))

	// no content
	f.bot.handleDiscordMessage(ctx, f.postMessage(t, f.owner, f.sheetChannelID, "   "))

	// a direct message
	dm := f.postMessage(t, f.owner, f.sheetChannelID, "sheet")
	dm.GuildID = ""
	f.bot.handleDiscordMessage(ctx, dm)

	// while paused
	require.True(t, f.bot.Pause(ctx))
	f.bot.handleDiscordMessage(ctx, f.postMessage(t, f.owner, f.sheetChannelID, "sheet"))

	records, err := f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleDiscordMessage_DeliversConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "2")

	result := awaitAsync(t, ctx, f.bot.confirmations, f.sheetChannelID, testOwnerID, 5*time.Second)
	f.bot.handleDiscordMessage(ctx, f.postMessage(t, f.owner, f.sheetChannelID, "yes"))
	assert.True(t, receive(t, result))

	// the reply isn't also taken as a sheet
	records, err := f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleReactionAdd(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "2")
	rec := f.submit(t)

	approvals := func() []string {
		stored, err := f.bot.sheets.List(ctx, testGuildID)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		return stored[0].Approvals
	}

	// ignored: wrong emoji, the bot itself, a non-approver, the owner
	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testApproverID, rec.MessageID, "👍"),
		Member:          f.approver,
	})
	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testBotID, rec.MessageID, ApprovalEmoji),
	})
	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testOtherUserID, rec.MessageID, ApprovalEmoji),
		Member:          f.other,
	})
	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testOwnerID, rec.MessageID, ApprovalEmoji),
		Member:          f.owner,
	})
	assert.Empty(t, approvals())

	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testApproverID, rec.MessageID, ApprovalEmoji),
		Member:          f.approver,
	})
	assert.Equal(t, []string{testApproverID}, approvals())

	// without a member on the event, roles are looked up
	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testApprover2ID, rec.MessageID, ApprovalEmoji),
	})

	records, err := f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, slices.Contains(f.platform.memberRoles(testGuildID, testOwnerID), testPlayerRole))
	assert.Len(t, f.platform.messagesIn(f.approvedChannelID), 1)
}

func TestHandleReactionAdd_Paused(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "1")
	rec := f.submit(t)
	require.True(t, f.bot.Pause(ctx))

	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testApproverID, rec.MessageID, ApprovalEmoji),
		Member:          f.approver,
	})
	pending, err := f.bot.sheets.IsPending(ctx, testGuildID, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestHandleReactionAdd_NotASheet(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "1")
	msg, err := f.platform.SendMessage(ctx, f.sheetChannelID, "just chatting")
	require.NoError(t, err)

	f.bot.handleReactionAdd(ctx, &discordgo.MessageReactionAdd{
		MessageReaction: reaction(testApproverID, msg.ID, ApprovalEmoji),
		Member:          f.approver,
	})
	assert.Empty(t, f.platform.messagesIn(f.approvedChannelID))
}

func TestHandleReactionRemove(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(t, "2")
	rec := f.submit(t)

	_, err := f.bot.sheets.AddApproval(ctx, testGuildID, rec.MessageID, testApproverID)
	require.NoError(t, err)

	f.bot.handleReactionRemove(ctx, &discordgo.MessageReactionRemove{
		MessageReaction: reaction(testApproverID, rec.MessageID, "👍"),
	})
	stored, err := f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{testApproverID}, stored[0].Approvals)

	f.bot.handleReactionRemove(ctx, &discordgo.MessageReactionRemove{
		MessageReaction: reaction(testApproverID, rec.MessageID, ApprovalEmoji),
	})
	stored, err = f.bot.sheets.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].Approvals)
}

func TestMessageSheetContent(t *testing.T) {
	assert.Equal(t, "", messageSheetContent(&discordgo.Message{}))
	assert.Equal(t, "text", messageSheetContent(&discordgo.Message{Content: " text "}))
	assert.Equal(
		t,
		"https://a\nhttps://b",
		messageSheetContent(&discordgo.Message{
			Attachments: []*discordgo.MessageAttachment{{URL: "https://a"}, nil, {URL: ""}, {URL: "https://b"}},
		}),
	)
}
