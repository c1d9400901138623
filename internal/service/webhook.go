package service

import (
	"context"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/models"
	"ticketbridge/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// WebhookService applies WHMCS hook notifications. Every action runs on the
// keyed pool under the ticket id.
type WebhookService struct {
	engine *Engine
	store  Store
	logger *logrus.Logger
}

func NewWebhookService(engine *Engine, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookService{engine: engine, store: engine.store, logger: logger}
}

// OnTicketEvent handles opened, updated, closed and deleted notifications.
func (w *WebhookService) OnTicketEvent(ctx context.Context, action, ticketID string) error {
	ctx, span := tracing.StartSpan(ctx, "webhook.ticket_event",
		attribute.String("ticket.id", ticketID),
		attribute.String("webhook.action", action))
	defer span.End()

	metrics.IncrementCounter("webhook_events_total", map[string]string{"action": action}, "Ticket webhook events received")
	log := w.logger.WithFields(logrus.Fields{
		LogFieldTicketID: ticketID,
		LogFieldAction:   action,
	})
	log.Info("Processing ticket webhook")

	var err error
	switch action {
	case models.TicketActionOpened:
		err = w.engine.SyncTicket(ctx, ticketID)
	case models.TicketActionUpdated:
		err = w.engine.RunExclusive(ctx, ticketID, func(ctx context.Context) error {
			m, err := w.store.GetTicketMapping(ctx, ticketID)
			if err != nil {
				return err
			}
			if m == nil {
				log.Debug("Ignoring update for unmapped ticket")
				return nil
			}
			return w.engine.reconciler.SyncOne(ctx, ticketID)
		})
	case models.TicketActionClosed, models.TicketActionDeleted:
		err = w.engine.RunExclusive(ctx, ticketID, func(ctx context.Context) error {
			return w.engine.reconciler.removeTicket(ctx, ticketID)
		})
	default:
		err = errors.NewValidationError("action", action, "unknown ticket action")
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// OnReplyEvent mirrors a new reply unless the ledger already knows it.
func (w *WebhookService) OnReplyEvent(ctx context.Context, ticketID, replyID string) error {
	ctx, span := tracing.StartSpan(ctx, "webhook.reply_event",
		attribute.String("ticket.id", ticketID),
		attribute.String("reply.id", replyID))
	defer span.End()

	metrics.IncrementCounter("webhook_events_total", map[string]string{"action": "reply"}, "Ticket webhook events received")
	log := w.logger.WithFields(logrus.Fields{
		LogFieldTicketID: ticketID,
		LogFieldReplyID:  replyID,
	})

	known, err := w.store.ReplyKnown(ctx, replyID)
	if err != nil {
		return err
	}
	if known {
		log.Debug("Reply already in sync ledger, skipping")
		return nil
	}

	log.Info("Processing reply webhook")
	if err := w.engine.SyncTicket(ctx, ticketID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}
