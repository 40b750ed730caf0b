package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

var (
	ErrWebhookEventNotFound      = errors.New("webhook event not found")
	ErrWebhookEventAlreadyExists = errors.New("webhook event already exists")
)

type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Create(ctx context.Context, event *entity.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (
			uuid, event_type, dedupe_key, payload_json, status, error,
			received_at, processed_at, deleted_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		event.UUID,
		event.EventType,
		event.DedupeKey,
		event.PayloadJSON,
		event.Status,
		nullableStringValue(event.Error),
		event.ReceivedAt,
		nullableTimeValue(event.ProcessedAt),
		nullableTimeValue(event.DeletedAt),
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrWebhookEventAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}

func (r *WebhookEventRepository) Update(ctx context.Context, event *entity.WebhookEvent) error {
	query := `
		UPDATE webhook_events SET
			status = ?,
			error = ?,
			processed_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		event.Status,
		nullableStringValue(event.Error),
		nullableTimeValue(event.ProcessedAt),
		event.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWebhookEventNotFound
	}

	return nil
}

// FindProcessedByDedupeKey reports whether a notification with the same
// dedupe key has already been applied.
func (r *WebhookEventRepository) FindProcessedByDedupeKey(ctx context.Context, dedupeKey string) (*entity.WebhookEvent, error) {
	query := `
		SELECT id, uuid, event_type, dedupe_key, payload_json, status, error,
			received_at, processed_at, deleted_at
		FROM webhook_events
		WHERE dedupe_key = ? AND status = ? AND deleted_at IS NULL
		ORDER BY id DESC
		LIMIT 1
	`

	event := &entity.WebhookEvent{}
	if err := scanWebhookEvent(r.db.QueryRowContext(ctx, query, dedupeKey, entity.WebhookEventProcessed), event); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return event, nil
}

// ListUnprocessed returns events still in the received state past the grace
// period, for the redelivery job.
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	query := `
		SELECT id, uuid, event_type, dedupe_key, payload_json, status, error,
			received_at, processed_at, deleted_at
		FROM webhook_events
		WHERE status = ?
		  AND received_at <= ?
		  AND deleted_at IS NULL
		ORDER BY received_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.WebhookEventReceived, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.WebhookEvent, 0)
	for rows.Next() {
		item := &entity.WebhookEvent{}
		if err := scanWebhookEvent(rows, item); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// ListProcessedBefore returns processed events whose processing finished
// before the cutoff and that are still visible, for the retention job.
func (r *WebhookEventRepository) ListProcessedBefore(ctx context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	query := `
		SELECT id, uuid, event_type, dedupe_key, payload_json, status, error,
			received_at, processed_at, deleted_at
		FROM webhook_events
		WHERE status = ?
		  AND processed_at <= ?
		  AND deleted_at IS NULL
		ORDER BY processed_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.WebhookEventProcessed, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.WebhookEvent, 0)
	for rows.Next() {
		item := &entity.WebhookEvent{}
		if err := scanWebhookEvent(rows, item); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// SoftDelete hides the row from every read path while keeping it for audit
// retention. Rows are never physically deleted.
func (r *WebhookEventRepository) SoftDelete(ctx context.Context, id uint64, now time.Time) error {
	query := `UPDATE webhook_events SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWebhookEventNotFound
	}

	return nil
}

func scanWebhookEvent(scan rowScanner, event *entity.WebhookEvent) error {
	var errText sql.NullString
	var processedAt sql.NullTime
	var deletedAt sql.NullTime

	err := scan.Scan(
		&event.ID,
		&event.UUID,
		&event.EventType,
		&event.DedupeKey,
		&event.PayloadJSON,
		&event.Status,
		&errText,
		&event.ReceivedAt,
		&processedAt,
		&deletedAt,
	)
	if err != nil {
		return err
	}

	event.Error = stringPtrFromNull(errText)
	event.ProcessedAt = timePtrFromNull(processedAt)
	event.DeletedAt = timePtrFromNull(deletedAt)

	return nil
}
