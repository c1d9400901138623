package database

import (
	"context"
	"database/sql"
	"time"

	"ticketbridge/internal/models"
)

const ticketMappingColumns = `id, ticket_id, internal_id, channel_id, category_id, department_id,
	department_name, priority, status, last_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicketMapping(row rowScanner) (*models.TicketMapping, error) {
	var m models.TicketMapping
	var internalID sql.NullInt64
	if err := row.Scan(
		&m.ID, &m.TicketID, &internalID, &m.ChannelID, &m.CategoryID, &m.DepartmentID,
		&m.DepartmentName, &m.Priority, &m.Status, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if internalID.Valid {
		id := internalID.Int64
		m.InternalID = &id
	}
	return &m, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil || *id <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// SaveTicketMapping inserts a new mapping. A duplicate ticket or channel
// id yields a Conflict error.
func (d *Database) SaveTicketMapping(ctx context.Context, m *models.TicketMapping) error {
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO ticket_mappings (
			ticket_id, internal_id, channel_id, category_id, department_id,
			department_name, priority, status, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query,
			m.TicketID, nullableID(m.InternalID), m.ChannelID, m.CategoryID, m.DepartmentID,
			m.DepartmentName, m.Priority, m.Status, m.LastSyncedAt,
		)
		if err != nil {
			return classify("save ticket mapping", "ticket mapping", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			m.ID = id
		}
		return nil
	}, "save ticket mapping")
}

// UpdateTicketMapping rewrites the mutable fields of an existing mapping.
// A missing internal id never clears one already stored.
func (d *Database) UpdateTicketMapping(ctx context.Context, m *models.TicketMapping) error {
	query := `
		UPDATE ticket_mappings SET
			internal_id = COALESCE(?, internal_id),
			channel_id = ?, category_id = ?, department_id = ?, department_name = ?,
			priority = ?, status = ?, last_synced_at = ?
		WHERE ticket_id = ?
	`
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			nullableID(m.InternalID), m.ChannelID, m.CategoryID, m.DepartmentID, m.DepartmentName,
			m.Priority, m.Status, m.LastSyncedAt, m.TicketID,
		)
		return classify("update ticket mapping", "ticket mapping", err)
	}, "update ticket mapping")
}

// GetTicketMapping returns the mapping for a ticket, or nil if none exists.
func (d *Database) GetTicketMapping(ctx context.Context, ticketID string) (*models.TicketMapping, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+ticketMappingColumns+` FROM ticket_mappings WHERE ticket_id = ?`, ticketID)
	m, err := scanTicketMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get ticket mapping", "ticket mapping", err)
	}
	return m, nil
}

// GetTicketMappingByChannel returns the mapping owning a channel, or nil.
func (d *Database) GetTicketMappingByChannel(ctx context.Context, channelID string) (*models.TicketMapping, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+ticketMappingColumns+` FROM ticket_mappings WHERE channel_id = ?`, channelID)
	m, err := scanTicketMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get ticket mapping by channel", "ticket mapping", err)
	}
	return m, nil
}

// ListTicketMappings returns every mapping ordered by ticket id.
func (d *Database) ListTicketMappings(ctx context.Context) ([]*models.TicketMapping, error) {
	return d.queryTicketMappings(ctx, `SELECT `+ticketMappingColumns+` FROM ticket_mappings ORDER BY ticket_id`)
}

// ListTicketMappingsByDepartment returns the mappings of one department.
func (d *Database) ListTicketMappingsByDepartment(ctx context.Context, departmentID int64) ([]*models.TicketMapping, error) {
	return d.queryTicketMappings(ctx,
		`SELECT `+ticketMappingColumns+` FROM ticket_mappings WHERE department_id = ? ORDER BY ticket_id`, departmentID)
}

func (d *Database) queryTicketMappings(ctx context.Context, query string, args ...interface{}) ([]*models.TicketMapping, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list ticket mappings", "ticket mapping", err)
	}
	defer rows.Close()

	var mappings []*models.TicketMapping
	for rows.Next() {
		m, err := scanTicketMapping(rows)
		if err != nil {
			return nil, classify("scan ticket mapping", "ticket mapping", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list ticket mappings", "ticket mapping", err)
	}
	return mappings, nil
}

// DeleteTicketData removes a ticket's mapping and its ledger rows together.
// Deleting a ticket without data is a no-op.
func (d *Database) DeleteTicketData(ctx context.Context, ticketID string) error {
	return retryableDBOperation(ctx, func() error {
		err := d.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM message_sync_records WHERE ticket_id = ?`, ticketID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM ticket_mappings WHERE ticket_id = ?`, ticketID)
			return err
		})
		return classify("delete ticket data", "ticket mapping", err)
	}, "delete ticket data")
}
