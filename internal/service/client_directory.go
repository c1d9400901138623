package service

import (
	"context"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
	"ticketbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ClientDirectory serves client details for ticket summaries from the
// local cache, refreshing from WHMCS when an entry is missing or stale.
type ClientDirectory struct {
	tickets TicketSystem
	store   Store
	maxAge  time.Duration
	logger  *logrus.Logger
}

func NewClientDirectory(tickets TicketSystem, store Store, maxAge time.Duration, logger *logrus.Logger) *ClientDirectory {
	if maxAge <= 0 {
		maxAge = constants.DefaultClientCacheValidHour * time.Hour
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ClientDirectory{tickets: tickets, store: store, maxAge: maxAge, logger: logger}
}

// Lookup returns the client's details or nil. Guest tickets have no client
// id ("" or "0"). Errors are logged and yield nil.
func (d *ClientDirectory) Lookup(ctx context.Context, clientID string) *models.ClientDetails {
	if clientID == "" || clientID == "0" {
		return nil
	}
	log := d.logger.WithField("client_id", privacy.MaskUserID(clientID))

	cached, err := d.store.GetClientDetails(ctx, clientID, d.maxAge)
	if err != nil {
		errors.Entry(log, err).Warn("Failed to read client cache")
	}
	if cached != nil {
		return cached
	}

	client, err := d.tickets.GetClientDetails(ctx, clientID)
	if err != nil {
		errors.Entry(log, err).Warn("Failed to fetch client details")
		return nil
	}

	details := &models.ClientDetails{
		ClientID:    clientID,
		FirstName:   client.FirstName,
		LastName:    client.LastName,
		Email:       client.Email,
		CompanyName: client.CompanyName,
		CachedAt:    time.Now().UTC(),
	}
	if err := d.store.SaveClientDetails(ctx, details); err != nil {
		errors.Entry(log, err).Warn("Failed to cache client details")
	}
	log.WithField("email", privacy.MaskEmail(details.Email)).Debug("Fetched client details")
	return details
}

// Purge drops cache entries older than the validity window.
func (d *ClientDirectory) Purge(ctx context.Context) (int64, error) {
	return d.store.PurgeClientDetails(ctx, d.maxAge)
}
