package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/format"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/models"
	"ticketbridge/internal/tracing"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReconcilerConfig holds the guild-specific settings of the reconciler.
type ReconcilerConfig struct {
	StaffRoleID  string
	OnHoldStatus string
}

// Reconciler converges one ticket at a time between WHMCS and Discord.
// Callers must not run two SyncOne calls for the same ticket concurrently;
// the keyed pool provides that.
type Reconciler struct {
	chat        ChatPlatform
	tickets     TicketSystem
	store       Store
	statuses    StatusClassifier
	attachments AttachmentProcessor
	clients     *ClientDirectory
	cfg         ReconcilerConfig
	logger      *logrus.Logger
	now         func() time.Time

	// serialises category creation across tickets of the same department
	deptMu sync.Mutex
}

func NewReconciler(chat ChatPlatform, tickets TicketSystem, store Store, statuses StatusClassifier,
	att AttachmentProcessor, clients *ClientDirectory, cfg ReconcilerConfig, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.OnHoldStatus == "" {
		cfg.OnHoldStatus = constants.DefaultOnHoldStatus
	}
	return &Reconciler{
		chat:        chat,
		tickets:     tickets,
		store:       store,
		statuses:    statuses,
		attachments: att,
		clients:     clients,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SyncOne brings one ticket's channel, summary and replies in line with
// WHMCS.
func (r *Reconciler) SyncOne(ctx context.Context, ticketID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.sync_one", attribute.String("ticket.id", ticketID))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			tracing.RecordError(ctx, err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordTimer("ticket_sync_duration", time.Since(start), map[string]string{"outcome": outcome}, "Time spent reconciling one ticket")
		span.End()
	}()

	log := r.logger.WithField(LogFieldTicketID, ticketID)

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("Ticket no longer exists in WHMCS, removing channel and mapping")
			return r.removeTicket(ctx, ticketID)
		}
		return err
	}

	mapping, err := r.store.GetTicketMapping(ctx, ticketID)
	if err != nil {
		return err
	}
	closed := r.statuses.IsClosed(ctx, ticket.Status)

	if mapping == nil {
		if closed || !r.isOpenLike(ctx, ticket.Status) {
			log.WithField(LogFieldStatus, ticket.Status).Debug("Skipping ticket without channel in inactive status")
			return nil
		}
		return r.createTicketChannel(ctx, ticket)
	}

	channel, err := r.chat.GetChannel(ctx, mapping.ChannelID)
	if err != nil {
		return err
	}
	if channel == nil {
		if closed {
			log.Info("Channel already gone for closed ticket, dropping mapping")
			return r.store.DeleteTicketData(ctx, ticketID)
		}
		log.WithField(LogFieldChannelID, mapping.ChannelID).Warn("Ticket channel missing in Discord, recreating")
		metrics.IncrementCounter("ticket_channels_recreated_total", nil, "Ticket channels recreated after drift")
		return r.recreateChannel(ctx, ticket, mapping)
	}

	previousStatus := mapping.Status
	statusChanged := ticket.Status != previousStatus
	if statusChanged {
		log.WithFields(logrus.Fields{
			"from": previousStatus,
			"to":   ticket.Status,
		}).Info("Ticket status changed")
	}
	if closed {
		if statusChanged {
			mapping.Status = ticket.Status
			if err := r.store.UpdateTicketMapping(ctx, mapping); err != nil {
				return err
			}
			r.postStatusNotice(ctx, log, mapping, previousStatus)
		}
		return r.removeTicket(ctx, ticketID)
	}

	priority := priorityOf(ticket)
	name := format.ChannelName(priority, departmentName(ticket, mapping), ticketID)
	if priority != mapping.Priority || priorityDrifted(channel.Name, name) {
		if err := r.chat.RenameChannel(ctx, mapping.ChannelID, name); err != nil {
			return err
		}
		log.WithField(LogFieldPriority, priority).Info("Renamed ticket channel after priority change")
	}

	mapping.Status = ticket.Status
	mapping.Priority = priority
	mapping.LastSyncedAt = r.now()
	if id := ticket.InternalID(); id > 0 && !mapping.HasInternalID() {
		mapping.InternalID = &id
	}
	if err := r.store.UpdateTicketMapping(ctx, mapping); err != nil {
		return err
	}

	if statusChanged {
		r.postStatusNotice(ctx, log, mapping, previousStatus)
	}

	return r.mirrorReplies(ctx, ticket, mapping)
}

// postStatusNotice announces the move from "from" to the status already
// stored on the mapping.
func (r *Reconciler) postStatusNotice(ctx context.Context, log *logrus.Entry, mapping *models.TicketMapping, from string) {
	notice := format.StatusChangeEmbed(mapping.TicketID, from, mapping.Status, "", r.now())
	if _, err := r.chat.SendMessage(ctx, mapping.ChannelID, discord.MessageSend{Embeds: []discord.Embed{notice}}); err != nil {
		errors.Entry(log, err).Warn("Failed to post status change notice")
	}
}

// priorityDrifted reports whether the live channel name no longer shows
// the priority of the expected name, as after a manual rename.
func priorityDrifted(current, expected string) bool {
	want, ok := format.ParseChannelName(expected)
	if !ok {
		return false
	}
	got, ok := format.ParseChannelName(current)
	return !ok || got.Priority != want.Priority
}

// isOpenLike reports whether a ticket in this status should have a channel.
func (r *Reconciler) isOpenLike(ctx context.Context, status string) bool {
	return r.statuses.IsOpen(ctx, status) || strings.EqualFold(strings.TrimSpace(status), r.cfg.OnHoldStatus)
}

func priorityOf(t *whmcs.Ticket) string {
	if strings.TrimSpace(t.Priority) == "" {
		return constants.DefaultPriority
	}
	return t.Priority
}

func departmentName(t *whmcs.Ticket, m *models.TicketMapping) string {
	if t != nil && t.DeptName != "" {
		return t.DeptName
	}
	if m != nil {
		return m.DepartmentName
	}
	return ""
}

func (r *Reconciler) createTicketChannel(ctx context.Context, ticket *whmcs.Ticket) error {
	tid := ticket.TID.String()
	log := r.logger.WithField(LogFieldTicketID, tid)

	dept, err := r.ensureDepartment(ctx, ticket.DeptID.Int64(), ticket.DeptName)
	if err != nil {
		return err
	}
	channel, err := r.createChannelFor(ctx, ticket, dept)
	if err != nil {
		return err
	}

	mapping := &models.TicketMapping{
		TicketID:       tid,
		ChannelID:      channel.ID,
		CategoryID:     dept.CategoryID,
		DepartmentID:   dept.DepartmentID,
		DepartmentName: departmentName(ticket, nil),
		Priority:       priorityOf(ticket),
		Status:         ticket.Status,
		LastSyncedAt:   r.now(),
	}
	if mapping.DepartmentName == "" {
		mapping.DepartmentName = dept.DepartmentName
	}
	if id, err := r.resolveInternalID(ctx, ticket, nil); err == nil {
		mapping.InternalID = &id
	} else {
		log.WithError(err).Debug("Internal id unknown, relay will resolve it later")
	}

	if err := r.store.SaveTicketMapping(ctx, mapping); err != nil {
		// Never leave a channel nobody tracks.
		if derr := r.chat.DeleteChannel(ctx, channel.ID); derr != nil {
			errors.Entry(log, derr).WithField(LogFieldChannelID, channel.ID).Error("Failed to remove untracked channel")
		}
		if errors.IsConflict(err) {
			log.Info("Ticket mapping created concurrently, discarded duplicate channel")
			return nil
		}
		return err
	}

	metrics.IncrementCounter("ticket_channels_created_total", nil, "Ticket channels created")
	log.WithFields(logrus.Fields{
		LogFieldChannelID:    channel.ID,
		LogFieldDepartmentID: dept.DepartmentID,
	}).Info("Created channel for ticket")

	r.postSummary(ctx, ticket, mapping)
	return r.mirrorReplies(ctx, ticket, mapping)
}

// recreateChannel replaces a channel deleted out of band, keeping the
// mapping row and re-mirroring the whole thread. The ledger of the lost
// channel is purged before the mapping points anywhere new.
func (r *Reconciler) recreateChannel(ctx context.Context, ticket *whmcs.Ticket, mapping *models.TicketMapping) error {
	dept, err := r.ensureDepartment(ctx, ticket.DeptID.Int64(), departmentName(ticket, mapping))
	if err != nil {
		return err
	}
	if err := r.store.DeleteSyncRecords(ctx, mapping.TicketID); err != nil {
		return err
	}
	channel, err := r.createChannelFor(ctx, ticket, dept)
	if err != nil {
		return err
	}

	mapping.ChannelID = channel.ID
	mapping.CategoryID = dept.CategoryID
	mapping.DepartmentID = dept.DepartmentID
	mapping.DepartmentName = departmentName(ticket, mapping)
	mapping.Status = ticket.Status
	mapping.Priority = priorityOf(ticket)
	mapping.LastSyncedAt = r.now()
	if id := ticket.InternalID(); id > 0 {
		mapping.InternalID = &id
	}

	if err := r.store.UpdateTicketMapping(ctx, mapping); err != nil {
		if derr := r.chat.DeleteChannel(ctx, channel.ID); derr != nil {
			errors.Entry(r.logger, derr).WithField(LogFieldChannelID, channel.ID).Error("Failed to remove untracked channel")
		}
		return err
	}

	r.postSummary(ctx, ticket, mapping)
	return r.mirrorReplies(ctx, ticket, mapping)
}

func (r *Reconciler) createChannelFor(ctx context.Context, ticket *whmcs.Ticket, dept *models.DepartmentMapping) (*discord.Channel, error) {
	overwrites, err := r.ticketOverwrites(ctx, dept.DepartmentID)
	if err != nil {
		return nil, err
	}
	name := departmentName(ticket, nil)
	if name == "" {
		name = dept.DepartmentName
	}
	return r.chat.CreateChannel(ctx, discord.ChannelSpec{
		Name:       format.ChannelName(priorityOf(ticket), name, ticket.TID.String()),
		Type:       discord.ChannelTypeGuildText,
		Topic:      format.ChannelTopic(ticket.TID.String(), ticket.Subject),
		ParentID:   dept.CategoryID,
		Overwrites: overwrites,
	})
}

// postSummary posts the ticket header with its action buttons. Failures
// are logged; the channel is still usable without it.
func (r *Reconciler) postSummary(ctx context.Context, ticket *whmcs.Ticket, mapping *models.TicketMapping) {
	var client *models.ClientDetails
	if r.clients != nil {
		client = r.clients.Lookup(ctx, ticket.UserID.String())
	}
	_, err := r.chat.SendMessage(ctx, mapping.ChannelID, discord.MessageSend{
		Embeds:     []discord.Embed{format.SummaryEmbed(ticket, client)},
		Components: format.TicketButtons(mapping.TicketID),
	})
	if err != nil {
		errors.Entry(r.logger, err).WithField(LogFieldTicketID, mapping.TicketID).Warn("Failed to post ticket summary")
	}
}

// removeTicket deletes the ticket's channel if one is mapped, then its
// mapping and ledger rows. The rows survive a failed channel delete so the
// next pass retries it.
func (r *Reconciler) removeTicket(ctx context.Context, ticketID string) error {
	mapping, err := r.store.GetTicketMapping(ctx, ticketID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return r.store.DeleteTicketData(ctx, ticketID)
	}
	if err := r.chat.DeleteChannel(ctx, mapping.ChannelID); err != nil {
		return err
	}
	if err := r.store.DeleteTicketData(ctx, ticketID); err != nil {
		return err
	}
	metrics.IncrementCounter("ticket_channels_removed_total", nil, "Ticket channels removed")
	r.logger.WithFields(logrus.Fields{
		LogFieldTicketID:  ticketID,
		LogFieldChannelID: mapping.ChannelID,
	}).Info("Removed ticket channel and local data")
	return nil
}

// CloseLocal removes a ticket's channel and data without consulting WHMCS.
func (r *Reconciler) CloseLocal(ctx context.Context, ticketID string) error {
	return r.removeTicket(ctx, ticketID)
}

// resolveInternalID finds the numeric WHMCS id needed by AddTicketReply
// and UpdateTicket: first the mapping, then the ticket payload, then a
// GetTickets scan by tid. A found id is written back to the mapping.
func (r *Reconciler) resolveInternalID(ctx context.Context, ticket *whmcs.Ticket, mapping *models.TicketMapping) (int64, error) {
	if mapping != nil && mapping.HasInternalID() {
		return *mapping.InternalID, nil
	}

	var tid string
	switch {
	case ticket != nil:
		tid = ticket.TID.String()
	case mapping != nil:
		tid = mapping.TicketID
	default:
		return 0, errors.NewValidationError("ticket", "", "ticket or mapping required")
	}

	if ticket == nil {
		fetched, err := r.tickets.GetTicket(ctx, tid)
		if err != nil && !errors.IsNotFound(err) {
			return 0, err
		}
		ticket = fetched
	}

	id := int64(0)
	if ticket != nil {
		id = ticket.InternalID()
	}
	if id <= 0 {
		summaries, err := r.tickets.GetTickets(ctx, whmcs.TicketFilter{})
		if err != nil {
			return 0, err
		}
		for _, s := range summaries {
			if s.TID.String() != tid {
				continue
			}
			if s.TicketID > 0 {
				id = s.TicketID.Int64()
			} else {
				id = s.ID.Int64()
			}
			break
		}
	}
	if id <= 0 {
		return 0, errors.NewNotFoundError("internal ticket id", tid)
	}

	if mapping != nil {
		mapping.InternalID = &id
		if err := r.store.UpdateTicketMapping(ctx, mapping); err != nil {
			errors.Entry(r.logger, err).WithField(LogFieldTicketID, tid).Warn("Failed to store resolved internal id")
		}
	}
	return id, nil
}
