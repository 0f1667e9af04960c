package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"strideBack/internal/models"
)

var ErrNotFound = errors.New("not found")

// Dialect selects SQL flavour for the delivery log.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// DeliveryRepository is the append-only audit log of feed deliveries. It is
// never read to derive entitlement.
type DeliveryRepository struct {
	DB      *sql.DB
	Dialect Dialect

	once sync.Once
	err  error
}

func NewDeliveryRepository(db *sql.DB, dialect Dialect) *DeliveryRepository {
	if dialect != DialectPostgres {
		dialect = DialectMySQL
	}
	return &DeliveryRepository{DB: db, Dialect: dialect}
}

func (r *DeliveryRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		_, r.err = r.DB.ExecContext(ctx, schemaFor(r.Dialect))
	})
	return r.err
}

func schemaFor(d Dialect) string {
	if d == DialectPostgres {
		return `
CREATE TABLE IF NOT EXISTS entitlement_deliveries (
    id BIGSERIAL PRIMARY KEY,
    delivery_id VARCHAR(255) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    product_id VARCHAR(255) NOT NULL DEFAULT '',
    outcome VARCHAR(32) NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (delivery_id, outcome)
);
`
	}
	return `
CREATE TABLE IF NOT EXISTS entitlement_deliveries (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    delivery_id VARCHAR(255) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    product_id VARCHAR(255) NOT NULL DEFAULT '',
    outcome VARCHAR(32) NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_delivery_outcome (delivery_id, outcome),
    KEY idx_transaction (transaction_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
}

// RecordDelivery stores one processed delivery. Recording the same delivery
// with the same outcome twice is a no-op.
func (r *DeliveryRepository) RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if rec.DeliveryID == "" {
		return fmt.Errorf("delivery_id is required")
	}
	_, err := r.DB.ExecContext(ctx, r.insertQuery(),
		rec.DeliveryID, rec.TransactionID, rec.ProductID, rec.Outcome, truncate(rec.Detail, 2000))
	return err
}

func (r *DeliveryRepository) insertQuery() string {
	if r.Dialect == DialectPostgres {
		return rebind(r.Dialect, `
INSERT INTO entitlement_deliveries (delivery_id, transaction_id, product_id, outcome, detail)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (delivery_id, outcome) DO NOTHING
`)
	}
	return `
INSERT INTO entitlement_deliveries (delivery_id, transaction_id, product_id, outcome, detail)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE delivery_id = delivery_id
`
}

// ListRecent returns the newest records first.
func (r *DeliveryRepository) ListRecent(ctx context.Context, limit int) ([]models.DeliveryRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, rebind(r.Dialect, `
SELECT id, delivery_id, transaction_id, product_id, outcome, COALESCE(detail, ''), created_at
FROM entitlement_deliveries
ORDER BY id DESC
LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.DeliveryID, &rec.TransactionID, &rec.ProductID, &rec.Outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByDeliveryID returns the records of one delivery in insertion order.
func (r *DeliveryRepository) GetByDeliveryID(ctx context.Context, deliveryID string) ([]models.DeliveryRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, rebind(r.Dialect, `
SELECT id, delivery_id, transaction_id, product_id, outcome, COALESCE(detail, ''), created_at
FROM entitlement_deliveries
WHERE delivery_id = ?
ORDER BY id`), deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.DeliveryID, &rec.TransactionID, &rec.ProductID, &rec.Outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// rebind turns ? placeholders into $n for Postgres.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
