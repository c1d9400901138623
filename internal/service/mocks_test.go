package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketbridge/internal/attachments"
	"ticketbridge/internal/database"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
	"ticketbridge/internal/status"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID   = "900"
	testStaffRole = "901"
)

// fakeChat is an in-memory guild.
type fakeChat struct {
	mu        sync.Mutex
	nextID    int
	channels  map[string]*discord.Channel
	messages  map[string][]*sentMessage // by channel
	deleted   []string                  // message ids
	reactions map[string][]string       // by message id
	responses []discord.InteractionResponse
	edits     []discord.InteractionResponseData
	downloads map[string][]byte

	createErr error
	deleteErr error
	renameErr error
	sendErr   func(channelID string, msg discord.MessageSend) error
}

type sentMessage struct {
	ID  string
	Msg discord.MessageSend
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		nextID:    1000,
		channels:  make(map[string]*discord.Channel),
		messages:  make(map[string][]*sentMessage),
		reactions: make(map[string][]string),
		downloads: make(map[string][]byte),
	}
}

func (f *fakeChat) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeChat) GuildID() string { return testGuildID }

func (f *fakeChat) FindCategory(ctx context.Context, name string) (*discord.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.channels {
		if c.Type == discord.ChannelTypeGuildCategory && strings.EqualFold(c.Name, name) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeChat) CreateChannel(ctx context.Context, spec discord.ChannelSpec) (*discord.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := &discord.Channel{
		ID:                   f.id(),
		Type:                 spec.Type,
		GuildID:              testGuildID,
		Name:                 spec.Name,
		Topic:                spec.Topic,
		ParentID:             spec.ParentID,
		PermissionOverwrites: spec.Overwrites,
	}
	f.channels[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeChat) GetChannel(ctx context.Context, channelID string) (*discord.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[channelID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChat) RenameChannel(ctx context.Context, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renameErr != nil {
		return f.renameErr
	}
	c, ok := f.channels[channelID]
	if !ok {
		return errors.NewNotFoundError("channel", channelID)
	}
	c.Name = name
	return nil
}

func (f *fakeChat) SetChannelOverwrites(ctx context.Context, channelID string, overwrites []discord.Overwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[channelID]
	if !ok {
		return errors.NewNotFoundError("channel", channelID)
	}
	c.PermissionOverwrites = overwrites
	return nil
}

func (f *fakeChat) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.channels, channelID)
	return nil
}

func (f *fakeChat) SendMessage(ctx context.Context, channelID string, msg discord.MessageSend) (*discord.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(channelID, msg); err != nil {
			return nil, err
		}
	}
	if _, ok := f.channels[channelID]; !ok {
		return nil, errors.NewNotFoundError("channel", channelID)
	}
	m := &sentMessage{ID: f.id(), Msg: msg}
	f.messages[channelID] = append(f.messages[channelID], m)
	return &discord.Message{ID: m.ID, ChannelID: channelID, Content: msg.Content}, nil
}

func (f *fakeChat) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChat) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = append(f.reactions[messageID], emoji)
	return nil
}

func (f *fakeChat) RespondInteraction(ctx context.Context, in *discord.Interaction, resp discord.InteractionResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeChat) EditInteractionResponse(ctx context.Context, in *discord.Interaction, data discord.InteractionResponseData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, data)
	return nil
}

func (f *fakeChat) DownloadAttachment(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.downloads[url]
	if !ok {
		return nil, errors.NewTransientError("download", fmt.Errorf("no content at %s", url))
	}
	return data, nil
}

// sent returns the messages posted to a channel.
func (f *fakeChat) sent(channelID string) []*sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sentMessage(nil), f.messages[channelID]...)
}

func (f *fakeChat) textChannels() []*discord.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discord.Channel
	for _, c := range f.channels {
		if c.Type == discord.ChannelTypeGuildText {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeChat) categories() []*discord.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discord.Channel
	for _, c := range f.channels {
		if c.Type == discord.ChannelTypeGuildCategory {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeChat) removeChannel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}

func (f *fakeChat) lastResponse() discord.InteractionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return discord.InteractionResponse{}
	}
	return f.responses[len(f.responses)-1]
}

func (f *fakeChat) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1].Content
}

func (f *fakeChat) reactionsOn(messageID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions[messageID]...)
}

func (f *fakeChat) wasDeleted(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.deleted {
		if id == messageID {
			return true
		}
	}
	return false
}

// fakeWHMCS is an in-memory ticket system.
type fakeWHMCS struct {
	mu          sync.Mutex
	tickets     map[string]*whmcs.Ticket
	departments []whmcs.Department
	statuses    []whmcs.Status
	admins      []whmcs.AdminUser
	clients     map[string]*whmcs.ClientInfo
	files       map[string][]byte // "<scope>:<related>:<index>"
	nextReply   int

	replies   []whmcs.ReplyRequest
	updates   map[int64][]whmcs.TicketUpdate
	getErr    error
	listErr   error
	replyErr  error
	fileFails map[string]int // transient failures before success
}

func newFakeWHMCS() *fakeWHMCS {
	return &fakeWHMCS{
		tickets: make(map[string]*whmcs.Ticket),
		departments: []whmcs.Department{
			{ID: 1, Name: "Support"},
			{ID: 2, Name: "Billing"},
		},
		statuses: []whmcs.Status{
			{Title: "Open"}, {Title: "Answered"}, {Title: "Customer-Reply"},
			{Title: "On Hold"}, {Title: "Closed"},
		},
		clients:   make(map[string]*whmcs.ClientInfo),
		files:     make(map[string][]byte),
		nextReply: 500,
		updates:   make(map[int64][]whmcs.TicketUpdate),
		fileFails: make(map[string]int),
	}
}

func (f *fakeWHMCS) put(t *whmcs.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.TID.String()] = t
}

func (f *fakeWHMCS) mutate(tid string, fn func(t *whmcs.Ticket)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.tickets[tid])
}

func (f *fakeWHMCS) GetTicket(ctx context.Context, tid string) (*whmcs.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.tickets[tid]
	if !ok {
		return nil, errors.NewNotFoundError("ticket", tid)
	}
	cp := *t
	cp.Replies = append(whmcs.ReplyList(nil), t.Replies...)
	return &cp, nil
}

func (f *fakeWHMCS) GetTickets(ctx context.Context, filter whmcs.TicketFilter) ([]whmcs.TicketSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []whmcs.TicketSummary
	for _, t := range f.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, whmcs.TicketSummary{
			ID: t.ID, TicketID: t.TicketID, TID: t.TID, DeptID: t.DeptID,
			Subject: t.Subject, Status: t.Status, Priority: t.Priority,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out, nil
}

func (f *fakeWHMCS) GetSupportDepartments(ctx context.Context) ([]whmcs.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whmcs.Department(nil), f.departments...), nil
}

func (f *fakeWHMCS) GetSupportStatuses(ctx context.Context) ([]whmcs.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whmcs.Status(nil), f.statuses...), nil
}

func (f *fakeWHMCS) AddTicketReply(ctx context.Context, req whmcs.ReplyRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.nextReply++
	f.replies = append(f.replies, req)
	return strconv.Itoa(f.nextReply), nil
}

func (f *fakeWHMCS) UpdateTicket(ctx context.Context, internalID int64, update whmcs.TicketUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[internalID] = append(f.updates[internalID], update)
	for _, t := range f.tickets {
		if t.InternalID() != internalID {
			continue
		}
		if update.Status != "" {
			t.Status = update.Status
		}
		if update.Priority != "" {
			t.Priority = update.Priority
		}
		if update.Flag > 0 {
			t.Flag = whmcs.FlexInt(update.Flag)
		}
	}
	return nil
}

func (f *fakeWHMCS) GetAdminUsers(ctx context.Context) ([]whmcs.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whmcs.AdminUser(nil), f.admins...), nil
}

func (f *fakeWHMCS) GetClientDetails(ctx context.Context, clientID string) (*whmcs.ClientInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return nil, errors.NewNotFoundError("client", clientID)
	}
	return c, nil
}

func fileKey(scope whmcs.AttachmentScope, related, index int64) string {
	return fmt.Sprintf("%s:%d:%d", scope, related, index)
}

func (f *fakeWHMCS) GetTicketAttachment(ctx context.Context, q whmcs.AttachmentQuery) (*whmcs.AttachmentData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fileKey(q.Scope, q.RelatedID, q.Index)
	if f.fileFails[key] > 0 {
		f.fileFails[key]--
		return nil, errors.NewTransientError("get attachment", fmt.Errorf("temporary failure"))
	}
	data, ok := f.files[key]
	if !ok {
		return nil, errors.NewNotFoundError("attachment", key)
	}
	return &whmcs.AttachmentData{Data: data}, nil
}

func (f *fakeWHMCS) replyRequests() []whmcs.ReplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whmcs.ReplyRequest(nil), f.replies...)
}

func (f *fakeWHMCS) updatesFor(internalID int64) []whmcs.TicketUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whmcs.TicketUpdate(nil), f.updates[internalID]...)
}

// mockTicketSystem is a testify mock for call-level expectations.
type mockTicketSystem struct {
	mock.Mock
}

func (m *mockTicketSystem) GetTicket(ctx context.Context, tid string) (*whmcs.Ticket, error) {
	args := m.Called(ctx, tid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whmcs.Ticket), args.Error(1)
}

func (m *mockTicketSystem) GetTickets(ctx context.Context, filter whmcs.TicketFilter) ([]whmcs.TicketSummary, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]whmcs.TicketSummary), args.Error(1)
}

func (m *mockTicketSystem) GetSupportDepartments(ctx context.Context) ([]whmcs.Department, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]whmcs.Department), args.Error(1)
}

func (m *mockTicketSystem) GetSupportStatuses(ctx context.Context) ([]whmcs.Status, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]whmcs.Status), args.Error(1)
}

func (m *mockTicketSystem) AddTicketReply(ctx context.Context, req whmcs.ReplyRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockTicketSystem) UpdateTicket(ctx context.Context, internalID int64, update whmcs.TicketUpdate) error {
	args := m.Called(ctx, internalID, update)
	return args.Error(0)
}

func (m *mockTicketSystem) GetAdminUsers(ctx context.Context) ([]whmcs.AdminUser, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]whmcs.AdminUser), args.Error(1)
}

func (m *mockTicketSystem) GetClientDetails(ctx context.Context, clientID string) (*whmcs.ClientInfo, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whmcs.ClientInfo), args.Error(1)
}

func (m *mockTicketSystem) GetTicketAttachment(ctx context.Context, q whmcs.AttachmentQuery) (*whmcs.AttachmentData, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whmcs.AttachmentData), args.Error(1)
}

// harness wires the engine against the fakes and a temp sqlite store.
type harness struct {
	chat     *fakeChat
	whmcs    *fakeWHMCS
	store    *database.Database
	pool     *KeyedPool
	rec      *Reconciler
	engine   *Engine
	commands *CommandHandler
	relay    *Relay
	logger   *logrus.Logger
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()

	store, err := database.New(database.Options{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	chat := newFakeChat()
	tickets := newFakeWHMCS()

	pipeline, err := attachments.NewPipeline(tickets, attachments.Config{
		TempDir:        t.TempDir(),
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, logger)
	require.NoError(t, err)

	classifier := status.NewClassifier(tickets, "Closed", time.Minute, logger)
	clients := NewClientDirectory(tickets, store, time.Hour, logger)
	rec := NewReconciler(chat, tickets, store, classifier, pipeline, clients,
		ReconcilerConfig{StaffRoleID: testStaffRole}, logger)
	rec.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	pool := NewKeyedPool(4, 16, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	engine := NewEngine(rec, pool, 4, logger)

	relay := NewRelay(engine, chat, RelayConfig{GuildID: testGuildID, StaffRoleID: testStaffRole}, logger)
	relay.schedule = func(d time.Duration, fn func()) { fn() }

	commands := NewCommandHandler(engine, chat, nil, CommandConfig{StaffRoleID: testStaffRole}, logger)

	return &harness{
		chat:     chat,
		whmcs:    tickets,
		store:    store,
		pool:     pool,
		rec:      rec,
		engine:   engine,
		commands: commands,
		relay:    relay,
		logger:   logger,
	}
}

// openTicket builds a ticket in the Support department.
func openTicket(tid string, internalID int64, replies ...whmcs.Reply) *whmcs.Ticket {
	return &whmcs.Ticket{
		ID:       whmcs.FlexInt(internalID),
		TicketID: whmcs.FlexInt(internalID),
		TID:      whmcs.FlexString(tid),
		DeptID:   1,
		DeptName: "Support",
		Subject:  "Cannot log in",
		Status:   "Open",
		Priority: "Medium",
		Date:     "2026-03-01 10:00:00",
		Replies:  replies,
	}
}

func clientReply(id, message string) whmcs.Reply {
	return whmcs.Reply{
		ReplyID: whmcs.FlexString(id),
		Name:    "Jane Client",
		Date:    "2026-03-01 10:05:00",
		Message: message,
	}
}

func staffReply(id, message string) whmcs.Reply {
	return whmcs.Reply{
		ReplyID: whmcs.FlexString(id),
		Admin:   "alice",
		Date:    "2026-03-01 10:10:00",
		Message: message,
	}
}

func (h *harness) mapping(t *testing.T, tid string) *models.TicketMapping {
	t.Helper()
	m, err := h.store.GetTicketMapping(context.Background(), tid)
	require.NoError(t, err)
	return m
}

func (h *harness) ledger(t *testing.T, tid string) []*models.SyncRecord {
	t.Helper()
	records, err := h.store.ListSyncRecords(context.Background(), tid)
	require.NoError(t, err)
	return records
}

// replyMessages returns the channel messages carrying reply embeds.
func (h *harness) replyMessages(channelID string) []*sentMessage {
	var out []*sentMessage
	for _, m := range h.chat.sent(channelID) {
		if len(m.Msg.Embeds) > 0 && m.Msg.Embeds[0].Author != nil {
			out = append(out, m)
		}
	}
	return out
}
