package database

import (
	"context"
	"database/sql"
	"time"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
)

const syncRecordColumns = `id, ticket_id, reply_id, message_id, direction, synced_at`

func scanSyncRecord(row rowScanner) (*models.SyncRecord, error) {
	var r models.SyncRecord
	var replyID sql.NullString
	var direction string
	if err := row.Scan(&r.ID, &r.TicketID, &replyID, &r.MessageID, &direction, &r.SyncedAt); err != nil {
		return nil, err
	}
	dir, err := models.ParseDirection(direction)
	if err != nil {
		return nil, errors.NewMalformedError("sync record", err.Error())
	}
	r.Direction = dir
	r.ReplyID = replyID.String
	return &r, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordSync writes one ledger row. Duplicates of a message id, or of a
// mirrored reply, yield a Conflict error.
func (d *Database) RecordSync(ctx context.Context, r *models.SyncRecord) error {
	if r.Direction == nil {
		return errors.NewValidationError("direction", "", "sync direction is required")
	}
	if r.SyncedAt.IsZero() {
		r.SyncedAt = time.Now().UTC()
	}
	return retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO message_sync_records (ticket_id, reply_id, message_id, direction, synced_at) VALUES (?, ?, ?, ?, ?)`,
			r.TicketID, nullableString(r.ReplyID), r.MessageID, r.Direction.String(), r.SyncedAt,
		)
		if err != nil {
			return classify("record sync", "sync record", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			r.ID = id
		}
		return nil
	}, "record sync")
}

// FindSyncByReply returns the ledger row for a reply, preferring a
// mirrored (whmcs_to_discord) row over a relayed one. Nil if none.
func (d *Database) FindSyncByReply(ctx context.Context, ticketID, replyID string) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM message_sync_records
		WHERE ticket_id = ? AND reply_id = ?
		ORDER BY CASE direction WHEN 'whmcs_to_discord' THEN 0 ELSE 1 END, id
		LIMIT 1`
	r, err := scanSyncRecord(d.db.QueryRowContext(ctx, query, ticketID, replyID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if errors.IsMalformed(err) {
			return nil, err
		}
		return nil, classify("find sync by reply", "sync record", err)
	}
	return r, nil
}

// ReplyKnown reports whether any ledger row references the reply id,
// regardless of ticket. Webhook reply events use it to short-circuit.
func (d *Database) ReplyKnown(ctx context.Context, replyID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_sync_records WHERE reply_id = ?`, replyID).Scan(&n)
	if err != nil {
		return false, classify("check reply", "sync record", err)
	}
	return n > 0, nil
}

// ListSyncRecords returns a ticket's ledger rows in insertion order.
func (d *Database) ListSyncRecords(ctx context.Context, ticketID string) ([]*models.SyncRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+syncRecordColumns+` FROM message_sync_records WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, classify("list sync records", "sync record", err)
	}
	defer rows.Close()

	var records []*models.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ReplaceSync swaps a stale relayed record for the canonical mirrored one
// in a single transaction.
func (d *Database) ReplaceSync(ctx context.Context, staleID int64, r *models.SyncRecord) error {
	if r.SyncedAt.IsZero() {
		r.SyncedAt = time.Now().UTC()
	}
	return retryableDBOperation(ctx, func() error {
		err := d.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM message_sync_records WHERE id = ?`, staleID); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO message_sync_records (ticket_id, reply_id, message_id, direction, synced_at) VALUES (?, ?, ?, ?, ?)`,
				r.TicketID, nullableString(r.ReplyID), r.MessageID, r.Direction.String(), r.SyncedAt,
			)
			if err != nil {
				return err
			}
			if id, err := res.LastInsertId(); err == nil {
				r.ID = id
			}
			return nil
		})
		return classify("replace sync record", "sync record", err)
	}, "replace sync record")
}

// DeleteSyncRecords purges a ticket's ledger, used when its channel is
// recreated and every reply must be mirrored again.
func (d *Database) DeleteSyncRecords(ctx context.Context, ticketID string) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM message_sync_records WHERE ticket_id = ?`, ticketID)
		return classify("delete sync records", "sync record", err)
	}, "delete sync records")
}
