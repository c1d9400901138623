package service

import (
	"context"
	"testing"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSyncOne_CreatesChannelAndMirrorsReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42,
		clientReply("1", "<p>Hello</p>"),
		staffReply("2", "Hi, looking into it"),
	))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	require.NotNil(t, m)
	assert.Equal(t, "Open", m.Status)
	assert.Equal(t, "Medium", m.Priority)
	require.True(t, m.HasInternalID())
	assert.Equal(t, int64(42), *m.InternalID)

	channel, err := h.chat.GetChannel(ctx, m.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.Equal(t, "🟡-support-ABC-123", channel.Name)
	assert.Equal(t, m.CategoryID, channel.ParentID)

	sent := h.chat.sent(m.ChannelID)
	require.Len(t, sent, 3)
	assert.Equal(t, "Ticket #ABC-123 - Cannot log in", sent[0].Msg.Embeds[0].Title)
	assert.NotEmpty(t, sent[0].Msg.Components)
	assert.Equal(t, "Hello", sent[1].Msg.Embeds[0].Description)
	assert.Equal(t, "alice", sent[2].Msg.Embeds[0].Author.Name)

	records := h.ledger(t, "ABC-123")
	require.Len(t, records, 2)
	for _, r := range records {
		assert.True(t, r.IsSourceToChat())
	}
}

func TestSyncOne_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "Hello")))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	m := h.mapping(t, "ABC-123")
	before := len(h.chat.sent(m.ChannelID))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	assert.Len(t, h.chat.sent(m.ChannelID), before)
	assert.Len(t, h.chat.textChannels(), 1)
	assert.Len(t, h.ledger(t, "ABC-123"), 1)
}

func TestSyncOne_MirrorsOnlyNewReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "Hello")))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) {
		tk.Replies = append(tk.Replies, staffReply("2", "Fixed"))
	})
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	replies := h.replyMessages(m.ChannelID)
	require.Len(t, replies, 2)
	assert.Equal(t, "Fixed", replies[1].Msg.Embeds[0].Description)
}

func TestSyncOne_SkipsRepliesWithoutIdentifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42,
		whmcs.Reply{Message: "no id"},
		clientReply("3", "with id"),
	))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	replies := h.replyMessages(m.ChannelID)
	require.Len(t, replies, 1)
	assert.Equal(t, "with id", replies[0].Msg.Embeds[0].Description)
}

func TestSyncOne_MirrorsOpeningMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42,
		clientReply("0", "My invoice is wrong"),
		staffReply("11", "Hi"),
	))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	replies := h.replyMessages(m.ChannelID)
	require.Len(t, replies, 2)
	assert.Equal(t, "My invoice is wrong", replies[0].Msg.Embeds[0].Description)
	assert.Equal(t, "Hi", replies[1].Msg.Embeds[0].Description)

	rec, err := h.store.FindSyncByReply(ctx, "ABC-123", "0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsSourceToChat())
	assert.Len(t, h.ledger(t, "ABC-123"), 2)
}

func TestReplyIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		reply whmcs.Reply
		want  string
	}{
		{"reply id", whmcs.Reply{ReplyID: "11", ID: "5"}, "11"},
		{"opening message", whmcs.Reply{ReplyID: "0"}, "0"},
		{"falls back to id", whmcs.Reply{ID: "5"}, "5"},
		{"neither", whmcs.Reply{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, replyIdentifier(&tt.reply))
		})
	}
}

func TestSyncOne_StatusChangePostsNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) { tk.Status = "Answered" })
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	assert.Equal(t, "Answered", m.Status)
	sent := h.chat.sent(m.ChannelID)
	last := sent[len(sent)-1]
	require.Len(t, last.Msg.Embeds, 1)
	assert.Equal(t, "Ticket Status Updated", last.Msg.Embeds[0].Title)
}

func TestSyncOne_ClosedTicketRemovesChannelAndData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "Hello")))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	channelID := h.mapping(t, "ABC-123").ChannelID

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) { tk.Status = "Closed" })
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	assert.Nil(t, h.mapping(t, "ABC-123"))
	assert.Empty(t, h.ledger(t, "ABC-123"))
	ch, err := h.chat.GetChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestSyncOne_FailedChannelDeleteKeepsMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) { tk.Status = "Closed" })
	h.chat.deleteErr = errors.NewTransientError("delete channel", assert.AnError)
	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.NotNil(t, h.mapping(t, "ABC-123"))

	h.chat.deleteErr = nil
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.Nil(t, h.mapping(t, "ABC-123"))
}

func TestSyncOne_ClosedTicketWithoutChannelIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tk := openTicket("ABC-123", 42)
	tk.Status = "Closed"
	h.whmcs.put(tk)

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	assert.Nil(t, h.mapping(t, "ABC-123"))
	assert.Empty(t, h.chat.textChannels())
}

func TestSyncOne_DeletedTicketRemovesChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	h.whmcs.mu.Lock()
	delete(h.whmcs.tickets, "ABC-123")
	h.whmcs.mu.Unlock()

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.Nil(t, h.mapping(t, "ABC-123"))
	assert.Empty(t, h.chat.textChannels())
}

func TestSyncOne_RecreatesChannelDeletedOutOfBand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "Hello"), staffReply("2", "Hi")))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	old := h.mapping(t, "ABC-123").ChannelID

	h.chat.removeChannel(old)
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	require.NotNil(t, m)
	assert.NotEqual(t, old, m.ChannelID)
	assert.Len(t, h.replyMessages(m.ChannelID), 2)
	assert.Len(t, h.ledger(t, "ABC-123"), 2)
	assert.Len(t, h.chat.textChannels(), 1)
}

// purgeFailingStore fails DeleteSyncRecords a fixed number of times.
type purgeFailingStore struct {
	Store
	fails int
}

func (s *purgeFailingStore) DeleteSyncRecords(ctx context.Context, ticketID string) error {
	if s.fails > 0 {
		s.fails--
		return errors.NewDatabaseError("delete sync records", assert.AnError)
	}
	return s.Store.DeleteSyncRecords(ctx, ticketID)
}

func TestSyncOne_RecreateSurvivesFailedLedgerPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "Hello"), staffReply("2", "Hi")))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	old := h.mapping(t, "ABC-123").ChannelID

	h.chat.removeChannel(old)
	h.rec.store = &purgeFailingStore{Store: h.store, fails: 1}

	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.Equal(t, old, h.mapping(t, "ABC-123").ChannelID)
	assert.Empty(t, h.chat.textChannels())

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	assert.NotEqual(t, old, m.ChannelID)
	replies := h.replyMessages(m.ChannelID)
	require.Len(t, replies, 2)
	assert.Equal(t, "Hello", replies[0].Msg.Embeds[0].Description)
	assert.Len(t, h.ledger(t, "ABC-123"), 2)
}

func TestSyncOne_StatusNoticeNotRepeatedWhenRenameFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	m := h.mapping(t, "ABC-123")

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) {
		tk.Status = "Answered"
		tk.Priority = "High"
	})
	h.chat.renameErr = errors.NewTransientError("rename channel", assert.AnError)
	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.Zero(t, countStatusNotices(h.chat.sent(m.ChannelID)))
	assert.Equal(t, "Open", h.mapping(t, "ABC-123").Status)

	h.chat.renameErr = nil
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	assert.Equal(t, 1, countStatusNotices(h.chat.sent(m.ChannelID)))
	assert.Equal(t, "Answered", h.mapping(t, "ABC-123").Status)
}

func TestSyncOne_ClosingNoticePostedOnceWhenDeleteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	m := h.mapping(t, "ABC-123")

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) { tk.Status = "Closed" })
	h.chat.deleteErr = errors.NewTransientError("delete channel", assert.AnError)
	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.Error(t, h.rec.SyncOne(ctx, "ABC-123"))

	assert.Equal(t, 1, countStatusNotices(h.chat.sent(m.ChannelID)))
	assert.Equal(t, "Closed", h.mapping(t, "ABC-123").Status)
}

func countStatusNotices(sent []*sentMessage) int {
	n := 0
	for _, m := range sent {
		if len(m.Msg.Embeds) > 0 && m.Msg.Embeds[0].Title == "Ticket Status Updated" {
			n++
		}
	}
	return n
}

func TestSyncOne_PriorityChangeRenamesChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) { tk.Priority = "High" })
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	assert.Equal(t, "High", m.Priority)
	ch, err := h.chat.GetChannel(ctx, m.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "🟠-support-ABC-123", ch.Name)
}

func TestSyncOne_ReplacesRelayedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	require.NoError(t, h.store.RecordSync(ctx, &models.SyncRecord{
		TicketID:  "ABC-123",
		ReplyID:   "77",
		MessageID: "relayed-msg",
		Direction: models.ChatToSource{},
	}))
	h.whmcs.mutate("ABC-123", func(tk *whmcs.Ticket) {
		tk.Replies = append(tk.Replies, whmcs.Reply{
			ReplyID: "77", Admin: "[Staff] bob", Message: "From Discord",
		})
	})

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	records := h.ledger(t, "ABC-123")
	require.Len(t, records, 1)
	assert.True(t, records[0].IsSourceToChat())
	assert.NotEqual(t, "relayed-msg", records[0].MessageID)
	assert.Len(t, h.replyMessages(h.mapping(t, "ABC-123").ChannelID), 1)
}

func TestSyncOne_FailedReplyIsRetriedNextPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42, clientReply("1", "first"), clientReply("2", "second")))

	h.chat.sendErr = func(channelID string, msg discord.MessageSend) error {
		if len(msg.Embeds) > 0 && msg.Embeds[0].Description == "first" {
			return errors.NewTransientError("send", assert.AnError)
		}
		return nil
	}
	err := h.rec.SyncOne(ctx, "ABC-123")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Len(t, h.ledger(t, "ABC-123"), 1)

	h.chat.sendErr = nil
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))
	assert.Len(t, h.ledger(t, "ABC-123"), 2)
}

func TestSyncOne_AttachmentsStagedFromTicketScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idx := whmcs.FlexInt(0)
	reply := clientReply("9", "see screenshot")
	reply.Attachments = whmcs.AttachmentList{{Filename: "shot.png", Index: &idx}}
	h.whmcs.put(openTicket("ABC-123", 42, reply))
	// Only the ticket-scoped lookup knows the file.
	h.whmcs.files[fileKey(whmcs.ScopeTicket, 42, 0)] = []byte("png-bytes")

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	replies := h.replyMessages(h.mapping(t, "ABC-123").ChannelID)
	require.Len(t, replies, 1)
	require.Len(t, replies[0].Msg.Files, 1)
	assert.Equal(t, "shot.png", replies[0].Msg.Files[0].Name)
	assert.Empty(t, replies[0].Msg.Content)
}

func TestSyncOne_UnavailableAttachmentStillMirrorsReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idx := whmcs.FlexInt(0)
	reply := clientReply("9", "invoice attached")
	reply.Attachments = whmcs.AttachmentList{{Filename: "invoice.pdf", Index: &idx}}
	h.whmcs.put(openTicket("ABC-123", 42, reply))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	replies := h.replyMessages(h.mapping(t, "ABC-123").ChannelID)
	require.Len(t, replies, 1)
	assert.Empty(t, replies[0].Msg.Files)
	assert.Contains(t, replies[0].Msg.Content, "invoice.pdf")
	assert.Len(t, h.ledger(t, "ABC-123"), 1)
}

func TestSyncOne_GrantedRoleSeesNewBillingChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.rec.SyncDepartments(ctx)
	require.NoError(t, err)
	_, err = h.rec.AddDepartmentRole(ctx, 2, "Billing", "777", "Accountants")
	require.NoError(t, err)

	tk := openTicket("T-100", 100)
	tk.DeptID = 2
	tk.DeptName = "Billing"
	tk.Priority = "High"
	h.whmcs.put(tk)
	require.NoError(t, h.rec.SyncOne(ctx, "T-100"))

	m := h.mapping(t, "T-100")
	require.NotNil(t, m)
	assert.Equal(t, int64(2), m.DepartmentID)

	ch, err := h.chat.GetChannel(ctx, m.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "🟠-billing-T-100", ch.Name)
	assert.Contains(t, ch.PermissionOverwrites, discord.NewRoleOverwrite("777", ticketAllow, 0))
	assert.Contains(t, ch.PermissionOverwrites, discord.NewRoleOverwrite(testStaffRole, ticketAllow, 0))
	assert.Contains(t, ch.PermissionOverwrites, discord.NewRoleOverwrite(testGuildID, 0, discord.PermissionViewChannel))
}

func TestResolveInternalID_FallsBackToTicketList(t *testing.T) {
	tickets := &mockTicketSystem{}
	h := newHarness(t)
	rec := NewReconciler(h.chat, tickets, h.store, h.rec.statuses, nil, nil, ReconcilerConfig{}, quietLogger())
	ctx := context.Background()

	mapping := &models.TicketMapping{TicketID: "ABC-123", ChannelID: "c1", CategoryID: "k1", DepartmentID: 1}
	require.NoError(t, h.store.SaveTicketMapping(ctx, mapping))

	tickets.On("GetTicket", mock.Anything, "ABC-123").Return(&whmcs.Ticket{TID: "ABC-123"}, nil).Once()
	tickets.On("GetTickets", mock.Anything, whmcs.TicketFilter{}).Return([]whmcs.TicketSummary{
		{TID: "OTHER-1", ID: 5},
		{TID: "ABC-123", ID: 42},
	}, nil).Once()

	id, err := rec.resolveInternalID(ctx, nil, mapping)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	stored := h.mapping(t, "ABC-123")
	require.True(t, stored.HasInternalID())
	assert.Equal(t, int64(42), *stored.InternalID)

	// Now served from the mapping without calling WHMCS.
	id, err = rec.resolveInternalID(ctx, nil, stored)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	tickets.AssertExpectations(t)
}

func TestResolveInternalID_NotFound(t *testing.T) {
	tickets := &mockTicketSystem{}
	h := newHarness(t)
	rec := NewReconciler(h.chat, tickets, h.store, h.rec.statuses, nil, nil, ReconcilerConfig{}, quietLogger())

	tickets.On("GetTicket", mock.Anything, "GONE-1").Return(nil, errors.NewNotFoundError("ticket", "GONE-1"))
	tickets.On("GetTickets", mock.Anything, mock.Anything).Return([]whmcs.TicketSummary{}, nil)

	_, err := rec.resolveInternalID(context.Background(), nil, &models.TicketMapping{TicketID: "GONE-1"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSyncOne_RestoresManuallyRenamedChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.whmcs.put(openTicket("ABC-123", 42))
	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	m := h.mapping(t, "ABC-123")
	require.NoError(t, h.chat.RenameChannel(ctx, m.ChannelID, "🔴-support-ABC-123"))

	require.NoError(t, h.rec.SyncOne(ctx, "ABC-123"))

	ch, err := h.chat.GetChannel(ctx, m.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "🟡-support-ABC-123", ch.Name)
}
