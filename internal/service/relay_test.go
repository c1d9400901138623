package service

import (
	"context"
	"encoding/base64"
	"testing"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayFixture(t *testing.T) (*harness, *models.TicketMapping) {
	t.Helper()
	h := newHarness(t)
	h.whmcs.put(openTicket("R-1", 31))
	require.NoError(t, h.engine.SyncTicket(context.Background(), "R-1"))
	m := h.mapping(t, "R-1")
	require.NotNil(t, m)
	return h, m
}

func staffMessage(channelID, id, content string, attachments ...discord.Attachment) *discord.Message {
	return &discord.Message{
		ID:          id,
		ChannelID:   channelID,
		GuildID:     testGuildID,
		Content:     content,
		Author:      discord.User{ID: "u1", Username: "bob"},
		Member:      &discord.Member{Roles: []string{testStaffRole}},
		Attachments: attachments,
	}
}

func TestRelay_StaffMessageBecomesReply(t *testing.T) {
	h, m := relayFixture(t)
	ctx := context.Background()

	h.relay.OnMessageCreate(ctx, staffMessage(m.ChannelID, "m1", "We fixed it"))

	reqs := h.whmcs.replyRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(31), reqs[0].InternalID)
	assert.Equal(t, "We fixed it", reqs[0].Message)
	assert.Equal(t, "[Staff] bob", reqs[0].AdminUsername)

	records := h.ledger(t, "R-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].IsChatToSource())
	assert.Equal(t, "m1", records[0].MessageID)
	assert.Equal(t, "501", records[0].ReplyID)

	assert.Equal(t, []string{ReactionSynced}, h.chat.reactionsOn("m1"))
	assert.True(t, h.chat.wasDeleted("m1"))
}

func TestRelay_EchoedReplyIsMirroredOnce(t *testing.T) {
	h, m := relayFixture(t)
	ctx := context.Background()
	h.relay.OnMessageCreate(ctx, staffMessage(m.ChannelID, "m1", "We fixed it"))

	// WHMCS now returns the relayed reply in the thread.
	h.whmcs.mutate("R-1", func(tk *whmcs.Ticket) {
		echo := staffReply("501", "We fixed it")
		echo.Admin = "[Staff] bob"
		tk.Replies = append(tk.Replies, echo)
	})
	require.NoError(t, h.engine.SyncTicket(ctx, "R-1"))
	require.NoError(t, h.engine.SyncTicket(ctx, "R-1"))

	replies := h.replyMessages(m.ChannelID)
	require.Len(t, replies, 1)
	records := h.ledger(t, "R-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].IsSourceToChat())
}

func TestRelay_NonStaffMessageIsRemoved(t *testing.T) {
	h, m := relayFixture(t)
	msg := staffMessage(m.ChannelID, "m2", "let me in")
	msg.Member = &discord.Member{Roles: []string{"123"}}

	h.relay.OnMessageCreate(context.Background(), msg)

	assert.Empty(t, h.whmcs.replyRequests())
	assert.True(t, h.chat.wasDeleted("m2"))
	sent := h.chat.sent(m.ChannelID)
	assert.Equal(t, msgStaffOnlyReply, sent[len(sent)-1].Msg.Content)
	assert.True(t, h.chat.wasDeleted(sent[len(sent)-1].ID))
}

func TestRelay_IgnoresBotsAndOtherGuilds(t *testing.T) {
	h, m := relayFixture(t)
	ctx := context.Background()

	bot := staffMessage(m.ChannelID, "m3", "beep")
	bot.Author.Bot = true
	h.relay.OnMessageCreate(ctx, bot)

	foreign := staffMessage(m.ChannelID, "m4", "hello")
	foreign.GuildID = "other"
	h.relay.OnMessageCreate(ctx, foreign)

	unmapped := staffMessage("not-a-ticket", "m5", "hello")
	h.relay.OnMessageCreate(ctx, unmapped)

	assert.Empty(t, h.whmcs.replyRequests())
	assert.Empty(t, h.chat.reactionsOn("m3"))
	assert.Empty(t, h.chat.reactionsOn("m4"))
	assert.Empty(t, h.chat.reactionsOn("m5"))
}

func TestRelay_EmptyMessageGetsWarningReaction(t *testing.T) {
	h, m := relayFixture(t)

	h.relay.OnMessageCreate(context.Background(), staffMessage(m.ChannelID, "m6", "   "))

	assert.Empty(t, h.whmcs.replyRequests())
	assert.Equal(t, []string{ReactionIgnored}, h.chat.reactionsOn("m6"))
	assert.False(t, h.chat.wasDeleted("m6"))
}

func TestRelay_Attachments(t *testing.T) {
	h, m := relayFixture(t)
	h.chat.downloads["https://cdn/ok.png"] = []byte("png")

	msg := staffMessage(m.ChannelID, "m7", "files",
		discord.Attachment{Filename: "ok.png", Size: 3, URL: "https://cdn/ok.png"},
		discord.Attachment{Filename: "virus.exe", Size: 3, URL: "https://cdn/virus.exe"},
		discord.Attachment{Filename: "huge.pdf", Size: 3 * 1024 * 1024, URL: "https://cdn/huge.pdf"},
		discord.Attachment{Filename: "lost.txt", Size: 3, URL: "https://cdn/lost.txt"},
	)
	h.relay.OnMessageCreate(context.Background(), msg)

	reqs := h.whmcs.replyRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Attachments, 1)
	assert.Equal(t, "ok.png", reqs[0].Attachments[0].Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), reqs[0].Attachments[0].Data)
	assert.Contains(t, reqs[0].Message, "📎 lost.txt (download failed, link: https://cdn/lost.txt)")
	assert.Contains(t, reqs[0].Message, "📎 1 file(s) attached")

	var warning string
	for _, s := range h.chat.sent(m.ChannelID) {
		if s.Msg.Content != "" && len(s.Msg.Embeds) == 0 {
			warning = s.Msg.Content
		}
	}
	assert.Contains(t, warning, "virus.exe (unsupported file type: .exe)")
	assert.Contains(t, warning, "huge.pdf (file too large")
}

func TestRelay_AttachmentOnlyMessage(t *testing.T) {
	h, m := relayFixture(t)
	h.chat.downloads["https://cdn/a.jpg"] = []byte("jpg")

	h.relay.OnMessageCreate(context.Background(), staffMessage(m.ChannelID, "m8", "",
		discord.Attachment{Filename: "a.jpg", Size: 3, URL: "https://cdn/a.jpg"}))

	reqs := h.whmcs.replyRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "📎 1 file(s) attached", reqs[0].Message)
}

func TestRelay_MissingInternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// No lookup path can produce a numeric id for this ticket.
	h.whmcs.put(openTicket("R-2", 0))
	require.NoError(t, h.engine.SyncTicket(ctx, "R-2"))
	m := h.mapping(t, "R-2")
	require.NotNil(t, m)
	require.False(t, m.HasInternalID())

	h.relay.OnMessageCreate(ctx, staffMessage(m.ChannelID, "m9", "hello"))

	assert.Empty(t, h.whmcs.replyRequests())
	assert.Equal(t, []string{ReactionFailed}, h.chat.reactionsOn("m9"))
	sent := h.chat.sent(m.ChannelID)
	assert.Equal(t, msgMissingInternal, sent[len(sent)-1].Msg.Content)
}

func TestRelay_UpstreamFailure(t *testing.T) {
	h, m := relayFixture(t)
	h.whmcs.replyErr = errors.NewTransientError("add reply", assert.AnError)

	h.relay.OnMessageCreate(context.Background(), staffMessage(m.ChannelID, "m10", "hello"))

	assert.Equal(t, []string{ReactionFailed}, h.chat.reactionsOn("m10"))
	assert.False(t, h.chat.wasDeleted("m10"))
	assert.Empty(t, h.ledger(t, "R-1"))
	sent := h.chat.sent(m.ChannelID)
	assert.Equal(t, msgRelayFailed, sent[len(sent)-1].Msg.Content)
}
