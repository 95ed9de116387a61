package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/receipt"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/postgres"
)

// Store persists normalised receipts.
type Store interface {
	// FindDuplicate looks up a receipt with the same store (case-insensitive),
	// number and date.
	FindDuplicate(ctx context.Context, store, number string, date time.Time) (int64, bool, error)
	// Save writes the receipt and its line items in one transaction. A line
	// item that fails to insert is skipped. If the receipt turns out to be a
	// duplicate at insert time, nothing is written and Duplicate is set.
	Save(ctx context.Context, r receipt.Receipt) (SaveResult, error)
}

// SaveResult describes what Save wrote.
type SaveResult struct {
	ID           int64
	Duplicate    bool
	ItemsWritten int
	ItemsFailed  int
}

// Schema creates the receipt tables. The partial unique index enforces
// duplicate detection for receipts that carry a number.
const Schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id            BIGSERIAL PRIMARY KEY,
	fecha         DATE NOT NULL,
	tienda        TEXT NOT NULL,
	total_ticket  NUMERIC(12,2) NOT NULL DEFAULT 0,
	numero_ticket TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS tickets_store_number_date_key
	ON tickets (LOWER(tienda), numero_ticket, fecha)
	WHERE numero_ticket IS NOT NULL;

CREATE TABLE IF NOT EXISTS compras (
	id                    BIGSERIAL PRIMARY KEY,
	fecha                 DATE NOT NULL,
	tienda                TEXT NOT NULL,
	producto              TEXT NOT NULL,
	producto_normalizado  TEXT NOT NULL,
	categoria_normalizada TEXT NOT NULL,
	cantidad              NUMERIC(12,3) NOT NULL,
	precio_unitario       NUMERIC(12,2) NOT NULL,
	total_linea           NUMERIC(12,2) NOT NULL
);

ALTER TABLE compras ADD COLUMN IF NOT EXISTS ticket_id BIGINT REFERENCES tickets(id) ON DELETE CASCADE;
CREATE INDEX IF NOT EXISTS compras_ticket_id_idx ON compras (ticket_id);
`

// PostgresStore is the lib/pq backed Store.
type PostgresStore struct {
	db *postgres.Client
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies Schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying receipt schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindDuplicate(ctx context.Context, store, number string, date time.Time) (int64, bool, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id FROM tickets
		WHERE LOWER(tienda) = LOWER($1) AND numero_ticket = $2 AND fecha = $3
		LIMIT 1`,
		store, number, date.Format("2006-01-02"),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up duplicate receipt: %w: %w", apperrors.ErrDatastore, err)
	}
	return id, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, r receipt.Receipt) (SaveResult, error) {
	log := logger.FromContext(ctx).With("component", "persist-store")
	var res SaveResult
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tickets (fecha, tienda, total_ticket, numero_ticket)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			r.DateString(), r.StoreName, r.Total, nullableString(r.ReceiptNumber),
		).Scan(&res.ID)
		if errors.Is(err, sql.ErrNoRows) {
			res.Duplicate = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}

		for i, item := range r.Items {
			if err := insertItem(ctx, tx, res.ID, r, item); err != nil {
				res.ItemsFailed++
				log.Error("inserting line item failed",
					"index", i+1,
					"total", len(r.Items),
					"description", item.Description,
					"error", err,
				)
				continue
			}
			res.ItemsWritten++
			log.Debug("line item inserted", "index", i+1, "description", item.Description,
				"quantity", item.Quantity, "unit_price", item.UnitPrice, "line_total", item.LineTotal)
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("saving receipt: %w: %w", apperrors.ErrDatastore, err)
	}
	if res.Duplicate {
		id, found, err := s.FindDuplicate(ctx, r.StoreName, r.ReceiptNumber, r.Date)
		if err == nil && found {
			res.ID = id
		}
	}
	return res, nil
}

// insertItem runs inside a savepoint so that a failing row leaves the
// transaction usable for the remaining items.
func insertItem(ctx context.Context, tx *sql.Tx, ticketID int64, r receipt.Receipt, item receipt.LineItem) error {
	return postgres.Savepoint(ctx, tx, "line_item", func() error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO compras (
				ticket_id, fecha, tienda, producto, producto_normalizado,
				categoria_normalizada, cantidad, precio_unitario, total_linea
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ticketID, r.DateString(), r.StoreName, item.Description, strings.ToLower(item.Description),
			strings.ToLower(item.Category), item.Quantity, item.UnitPrice, item.LineTotal,
		)
		return err
	})
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
