package payment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ledger is the append-only receipt store. Receipts are never mutated after
// creation.
type Ledger struct {
	db      *sql.DB
	dialect string
}

const createReceiptsTableSQL = `
CREATE TABLE IF NOT EXISTS payment_receipts (
    id VARCHAR(64) PRIMARY KEY,
    direction VARCHAR(16) NOT NULL,
    amount BIGINT NOT NULL,
    currency VARCHAR(16) NOT NULL,
    chain VARCHAR(64),
    counterparty VARCHAR(255),
    timestamp TIMESTAMP NOT NULL,
    tx_hash VARCHAR(128),
    verified BOOLEAN NOT NULL
)`

const createReceiptsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_receipts_direction ON payment_receipts(direction)`

// NewLedger creates the receipt ledger on an existing connection.
func NewLedger(db *sql.DB, dialect string) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}

	l := &Ledger{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createReceiptsTableSQL, createReceiptsIndexSQL} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize receipt schema: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) rebind(query string) string {
	if l.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append writes a receipt. A missing id or timestamp is filled in.
func (l *Ledger) Append(ctx context.Context, r Receipt) (Receipt, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, l.rebind(`
INSERT INTO payment_receipts (id, direction, amount, currency, chain, counterparty, timestamp, tx_hash, verified)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, string(r.Direction), r.Amount, r.Currency, r.Chain,
		r.Counterparty, r.Timestamp, r.TxHash, r.Verified)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to append receipt: %w", err)
	}
	return r, nil
}

// List returns receipts, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Receipt, error) {
	query := `
SELECT id, direction, amount, currency, chain, counterparty, timestamp, tx_hash, verified
FROM payment_receipts ORDER BY timestamp DESC`
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		var direction string
		var chain, counterparty, txHash sql.NullString
		if err := rows.Scan(&r.ID, &direction, &r.Amount, &r.Currency,
			&chain, &counterparty, &r.Timestamp, &txHash, &r.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Direction = ReceiptDirection(direction)
		r.Chain = chain.String
		r.Counterparty = counterparty.String
		r.TxHash = txHash.String
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// Totals returns cumulative amounts sent and received.
func (l *Ledger) Totals(ctx context.Context) (sent, received int64, err error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT direction, COALESCE(SUM(amount), 0) FROM payment_receipts GROUP BY direction`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query receipt totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var direction string
		var total int64
		if err := rows.Scan(&direction, &total); err != nil {
			return 0, 0, fmt.Errorf("failed to scan totals: %w", err)
		}
		switch ReceiptDirection(direction) {
		case ReceiptSent:
			sent = total
		case ReceiptReceived:
			received = total
		}
	}
	return sent, received, rows.Err()
}
