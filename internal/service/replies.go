package service

import (
	"context"
	"fmt"

	"ticketbridge/internal/attachments"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/format"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
)

// replyIdentifier returns replyid, falling back to id. WHMCS lists the
// opening message with replyid "0", which is a valid identifier. Empty means
// the reply cannot be tracked in the ledger.
func replyIdentifier(reply *whmcs.Reply) string {
	if id := reply.ReplyID.String(); id != "" {
		return id
	}
	return reply.ID.String()
}

// mirrorReplies posts every reply the ledger does not yet hold as mirrored,
// in source order. One reply failing does not stop the rest.
func (r *Reconciler) mirrorReplies(ctx context.Context, ticket *whmcs.Ticket, mapping *models.TicketMapping) error {
	failed := 0
	for i := range ticket.Replies {
		reply := &ticket.Replies[i]
		log := r.logger.WithField(LogFieldTicketID, mapping.TicketID)

		replyID := replyIdentifier(reply)
		if replyID == "" {
			errors.Entry(log, errors.NewMalformedError("reply", "missing replyid and id")).
				WithField("position", i).Warn("Skipping reply without identifier")
			continue
		}
		log = log.WithField(LogFieldReplyID, replyID)

		existing, err := r.store.FindSyncByReply(ctx, mapping.TicketID, replyID)
		if err != nil {
			errors.Entry(log, err).Error("Failed to read sync ledger")
			failed++
			continue
		}
		if existing != nil && existing.IsSourceToChat() {
			continue
		}

		if err := r.mirrorReply(ctx, mapping, reply, replyID, existing); err != nil {
			errors.Entry(log, err).Error("Failed to mirror reply")
			failed++
		}
	}

	if failed > 0 {
		return errors.NewTransientError("mirror replies", fmt.Errorf("%d replies of ticket %s not mirrored", failed, mapping.TicketID))
	}
	return nil
}

// mirrorReply posts one reply and records it. A relayed record for the
// same reply is replaced by the canonical mirrored one.
func (r *Reconciler) mirrorReply(ctx context.Context, mapping *models.TicketMapping, reply *whmcs.Reply, replyID string, stale *models.SyncRecord) error {
	msg, err := r.postReply(ctx, mapping, reply, replyID)
	if err != nil {
		return err
	}

	record := &models.SyncRecord{
		TicketID:  mapping.TicketID,
		ReplyID:   replyID,
		MessageID: msg.ID,
		Direction: models.SourceToChat{},
	}
	if stale != nil {
		err = r.store.ReplaceSync(ctx, stale.ID, record)
	} else {
		err = r.store.RecordSync(ctx, record)
	}
	if err != nil {
		// Unrecorded messages would be posted again on the next pass.
		if derr := r.chat.DeleteMessage(ctx, mapping.ChannelID, msg.ID); derr != nil {
			errors.Entry(r.logger, derr).WithField(LogFieldMessageID, msg.ID).Warn("Failed to retract unrecorded reply message")
		}
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}

	metrics.IncrementCounter("replies_mirrored_total", nil, "Replies mirrored into Discord")
	r.logger.WithFields(logrus.Fields{
		LogFieldTicketID:  mapping.TicketID,
		LogFieldReplyID:   replyID,
		LogFieldMessageID: msg.ID,
		"replaced":        stale != nil,
	}).Debug("Mirrored reply")
	return nil
}

func (r *Reconciler) postReply(ctx context.Context, mapping *models.TicketMapping, reply *whmcs.Reply, replyID string) (*discord.Message, error) {
	var names []string
	for i := range reply.Attachments {
		if n := reply.Attachments[i].DisplayName(); n != "" {
			names = append(names, n)
		}
	}

	send := discord.MessageSend{Embeds: []discord.Embed{format.ReplyEmbed(reply, names)}}

	if len(reply.Attachments) > 0 && r.attachments != nil {
		tc := attachments.TicketContext{TicketID: mapping.TicketID, ReplyID: replyID}
		if mapping.HasInternalID() {
			tc.InternalID = *mapping.InternalID
		}
		batch := r.attachments.Process(ctx, reply.Attachments, tc)
		defer batch.Cleanup()

		for _, f := range batch.Files {
			send.Files = append(send.Files, discord.File{Name: f.Name, Path: f.Path})
		}
		if unavailable := batch.Unavailable(); len(unavailable) > 0 {
			send.Content = format.UnavailableAttachmentsNotice(unavailable)
		}
		if batch.AllFailed() {
			metrics.IncrementCounter("attachment_fallbacks_total", nil, "Replies posted without any of their attachments")
		}
	}

	return r.chat.SendMessage(ctx, mapping.ChannelID, send)
}
