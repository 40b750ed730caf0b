package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

var (
	ErrReceiptAlreadyExists = errors.New("receipt already exists")
	ErrReceiptConflict      = errors.New("receipt was modified concurrently")
)

type ReceiptRepository struct {
	db DBTX
}

func NewReceiptRepository(db DBTX) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) Create(ctx context.Context, receipt *entity.Receipt) error {
	query := `
		INSERT INTO receipts (
			customer_id, expire_date, purchase_date, amount, currency,
			status, reference, original_reference, platform, product_id,
			gives_access, version, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		receipt.CustomerID,
		receipt.ExpireDate,
		receipt.PurchaseDate,
		receipt.Amount,
		receipt.Currency,
		receipt.Status,
		receipt.Reference,
		receipt.OriginalReference,
		receipt.Platform,
		receipt.ProductID,
		receipt.GivesAccess,
		receipt.Version,
		receipt.CreatedAt,
		receipt.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrReceiptAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	receipt.ID = uint64(id)
	return nil
}

// Update writes the receipt only when the stored version still matches
// fromVersion. Zero affected rows means a concurrent writer got there first.
func (r *ReceiptRepository) Update(ctx context.Context, receipt *entity.Receipt, fromVersion int64) error {
	query := `
		UPDATE receipts SET
			expire_date = ?,
			purchase_date = ?,
			amount = ?,
			currency = ?,
			status = ?,
			reference = ?,
			original_reference = ?,
			platform = ?,
			product_id = ?,
			gives_access = ?,
			version = ?,
			updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		receipt.ExpireDate,
		receipt.PurchaseDate,
		receipt.Amount,
		receipt.Currency,
		receipt.Status,
		receipt.Reference,
		receipt.OriginalReference,
		receipt.Platform,
		receipt.ProductID,
		receipt.GivesAccess,
		receipt.Version,
		receipt.UpdatedAt,
		receipt.ID,
		fromVersion,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrReceiptConflict
	}

	return nil
}

func (r *ReceiptRepository) FindByCustomerID(ctx context.Context, customerID int64) (*entity.Receipt, error) {
	query := `
		SELECT id, customer_id, expire_date, purchase_date, amount, currency,
			status, reference, original_reference, platform, product_id,
			gives_access, version, created_at, updated_at
		FROM receipts
		WHERE customer_id = ?
		LIMIT 1
	`

	receipt := &entity.Receipt{}
	if err := scanReceipt(r.db.QueryRowContext(ctx, query, customerID), receipt); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return receipt, nil
}

// ListStale returns access-granting receipts not refreshed since before,
// oldest first, for the reconcile job.
func (r *ReceiptRepository) ListStale(ctx context.Context, before time.Time, limit int32) ([]*entity.Receipt, error) {
	query := `
		SELECT id, customer_id, expire_date, purchase_date, amount, currency,
			status, reference, original_reference, platform, product_id,
			gives_access, version, created_at, updated_at
		FROM receipts
		WHERE gives_access = TRUE
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]*entity.Receipt, 0)
	for rows.Next() {
		item := &entity.Receipt{}
		if err := scanReceipt(rows, item); err != nil {
			return nil, err
		}
		receipts = append(receipts, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return receipts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(scan rowScanner, receipt *entity.Receipt) error {
	return scan.Scan(
		&receipt.ID,
		&receipt.CustomerID,
		&receipt.ExpireDate,
		&receipt.PurchaseDate,
		&receipt.Amount,
		&receipt.Currency,
		&receipt.Status,
		&receipt.Reference,
		&receipt.OriginalReference,
		&receipt.Platform,
		&receipt.ProductID,
		&receipt.GivesAccess,
		&receipt.Version,
		&receipt.CreatedAt,
		&receipt.UpdatedAt,
	)
}
