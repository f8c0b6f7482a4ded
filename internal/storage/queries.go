package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Queries holds the hand-written SQL used by the scheduler and the worker.
// Every write is a single-row update guarded by the expected prior status.
type Queries struct {
	db DBTX
}

// New returns Queries bound to db (a pool or a transaction).
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const selectDueEmails = `
SELECT id FROM emails
WHERE status = 'SCHEDULED' AND scheduled_at <= $1
ORDER BY scheduled_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

const markProcessing = `
UPDATE emails
SET status = 'PROCESSING', updated_at = NOW()
WHERE id = ANY($1::uuid[]) AND status = 'SCHEDULED'
RETURNING id`

// ClaimDueEmails locks up to limit SCHEDULED emails due at or before now,
// skipping rows locked by concurrent claimers, and moves them to PROCESSING
// in the same transaction. Ids are returned oldest scheduled_at first.
func (q *Queries) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var claimed []uuid.UUID

	err := WithTx(ctx, q.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectDueEmails, now, limit)
		if err != nil {
			return fmt.Errorf("select due emails: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("scan due emails: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = id.String()
		}
		rows, err = tx.Query(ctx, markProcessing, keys)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		updated, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("scan processing: %w", err)
		}

		done := make(map[uuid.UUID]struct{}, len(updated))
		for _, id := range updated {
			done[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := done[id]; ok {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due emails: %w", err)
	}

	return claimed, nil
}

// RevertToScheduled returns a claimed email to SCHEDULED after its dispatch
// message could not be published. retry_count is left unchanged.
func (q *Queries) RevertToScheduled(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
UPDATE emails SET status = 'SCHEDULED', updated_at = NOW()
WHERE id = $1 AND status = 'PROCESSING'`, id)
	if err != nil {
		return fmt.Errorf("revert email %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

const selectEmail = `
SELECT id, user_id, subject, body_html, from_alias, status, scheduled_at,
       sent_at, retry_count, error_message, created_at, updated_at
FROM emails WHERE id = $1`

// GetEmail loads an email with its recipients and attachments.
func (q *Queries) GetEmail(ctx context.Context, id uuid.UUID) (*Email, error) {
	var e Email
	err := q.db.QueryRow(ctx, selectEmail, id).Scan(
		&e.ID, &e.UserID, &e.Subject, &e.BodyHTML, &e.FromAlias, &e.Status, &e.ScheduledAt,
		&e.SentAt, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email %s: %w", id, err)
	}

	rows, err := q.db.Query(ctx, `
SELECT id, email_id, email, type FROM recipients WHERE email_id = $1 ORDER BY type, email`, id)
	if err != nil {
		return nil, fmt.Errorf("get recipients %s: %w", id, err)
	}
	e.Recipients, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recipient, error) {
		var r Recipient
		err := row.Scan(&r.ID, &r.EmailID, &r.Email, &r.Type)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recipients %s: %w", id, err)
	}

	rows, err = q.db.Query(ctx, `
SELECT id, email_id, filename, mime_type, size, storage_key FROM attachments WHERE email_id = $1 ORDER BY filename`, id)
	if err != nil {
		return nil, fmt.Errorf("get attachments %s: %w", id, err)
	}
	e.Attachments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attachment, error) {
		var a Attachment
		err := row.Scan(&a.ID, &a.EmailID, &a.Filename, &a.MimeType, &a.Size, &a.StorageKey)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan attachments %s: %w", id, err)
	}

	return &e, nil
}

// MarkSent records a successful delivery: status SENT, sent_at set and the
// last error cleared.
func (q *Queries) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
UPDATE emails
SET status = 'SENT', sent_at = $2, error_message = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'PROCESSING'`, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark email %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RecordFailure stores a failed attempt. The row must still be PROCESSING
// with PrevRetryCount recorded attempts, so a duplicate delivery racing on
// the same email cannot count one failure twice.
func (q *Queries) RecordFailure(ctx context.Context, arg RecordFailureParams) error {
	tag, err := q.db.Exec(ctx, `
UPDATE emails
SET status = $2, retry_count = $3, error_message = $4, updated_at = NOW()
WHERE id = $1 AND status = 'PROCESSING' AND retry_count = $5`,
		arg.ID, string(arg.Status), arg.RetryCount, arg.ErrorMessage, arg.PrevRetryCount)
	if err != nil {
		return fmt.Errorf("record failure for email %s: %w", arg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CountEmailsByStatus returns the number of emails in the given status.
func (q *Queries) CountEmailsByStatus(ctx context.Context, status EmailStatus) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM emails WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s emails: %w", status, err)
	}
	return n, nil
}
