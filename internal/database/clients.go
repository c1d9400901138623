package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticketbridge/internal/models"
)

// GetClientDetails returns cached client details younger than maxAge, or nil.
func (d *Database) GetClientDetails(ctx context.Context, clientID string, maxAge time.Duration) (*models.ClientDetails, error) {
	var c models.ClientDetails
	var first, last, email, company string
	err := d.db.QueryRowContext(ctx,
		`SELECT client_id, first_name, last_name, email, company_name, cached_at FROM client_details_cache WHERE client_id = ?`,
		clientID,
	).Scan(&c.ClientID, &first, &last, &email, &company, &c.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get client details", "client details", err)
	}
	if maxAge > 0 && time.Since(c.CachedAt) > maxAge {
		return nil, nil
	}

	fields := []struct {
		dst *string
		src string
	}{
		{&c.FirstName, first},
		{&c.LastName, last},
		{&c.Email, email},
		{&c.CompanyName, company},
	}
	for _, f := range fields {
		plain, err := d.encryptor.Decrypt(f.src)
		if err != nil {
			// cache written under another secret: treat as a miss
			d.logger.WithField("client_id", clientID).Debug("Discarding undecryptable client cache entry")
			return nil, nil
		}
		*f.dst = plain
	}
	return &c, nil
}

// SaveClientDetails upserts a client cache entry, sealing personal fields
// when encryption is configured.
func (d *Database) SaveClientDetails(ctx context.Context, c *models.ClientDetails) error {
	if c.CachedAt.IsZero() {
		c.CachedAt = time.Now().UTC()
	}

	sealed := make([]string, 0, 4)
	for _, v := range []string{c.FirstName, c.LastName, c.Email, c.CompanyName} {
		s, err := d.encryptor.Encrypt(v)
		if err != nil {
			return fmt.Errorf("failed to encrypt client details: %w", err)
		}
		sealed = append(sealed, s)
	}

	query := `
		INSERT INTO client_details_cache (client_id, first_name, last_name, email, company_name, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			company_name = excluded.company_name,
			cached_at = excluded.cached_at
	`
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, c.ClientID, sealed[0], sealed[1], sealed[2], sealed[3], c.CachedAt)
		return classify("save client details", "client details", err)
	}, "save client details")
}

// PurgeClientDetails drops cache entries older than maxAge.
func (d *Database) PurgeClientDetails(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := d.db.ExecContext(ctx, `DELETE FROM client_details_cache WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, classify("purge client details", "client details", err)
	}
	return res.RowsAffected()
}
