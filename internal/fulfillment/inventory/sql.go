// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Schema creates the inventory and ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory (
	product_id  TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	price       NUMERIC(12,2) NOT NULL DEFAULT 0,
	stock       INTEGER NOT NULL CHECK (stock >= 0),
	version     BIGINT NOT NULL DEFAULT 1,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS inventory_movements (
	order_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	product_id  TEXT NOT NULL REFERENCES inventory (product_id),
	quantity    INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (order_id, kind)
);`

// SQLConfig selects the Postgres driver and connection.
type SQLConfig struct {
	// Driver is "postgres" (lib/pq) or "pgx".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate runs Schema on open.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// SQLStore is a Store on Postgres.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore connects, pings and optionally migrates.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if driver != "postgres" && driver != "pgx" {
		return nil, fmt.Errorf("unsupported inventory driver %q", driver)
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open inventory database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping inventory database: %w", err)
	}
	if cfg.AutoMigrate {
		if _, err := db.ExecContext(ctx, Schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate inventory schema: %w", err)
		}
	}
	return NewSQLStore(db), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Get(ctx context.Context, productID string) (Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id, name, price, stock, version, updated_at FROM inventory WHERE product_id = $1`,
		productID,
	).Scan(&rec.ProductID, &rec.Name, &rec.Price, &rec.Stock, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get inventory %s: %w", productID, err)
	}
	return rec, nil
}

func (s *SQLStore) ApplyMovement(ctx context.Context, expectedVersion int64, m Movement) (rec Record, err error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin movement: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO inventory_movements (order_id, kind, product_id, quantity, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.OrderID, string(m.Kind), m.ProductID, m.Quantity, m.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrMovementExists
		}
		return Record{}, fmt.Errorf("record movement: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE inventory SET stock = stock + $1, version = version + 1, updated_at = $2
		 WHERE product_id = $3 AND version = $4 AND stock + $1 >= 0
		 RETURNING product_id, name, price, stock, version, updated_at`,
		m.Delta(), m.CreatedAt, m.ProductID, expectedVersion,
	).Scan(&rec.ProductID, &rec.Name, &rec.Price, &rec.Stock, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// the guard failed: either the version moved or the stock would go negative
		err = s.classifyMiss(ctx, tx, m, expectedVersion)
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("apply movement: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit movement: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) classifyMiss(ctx context.Context, tx *sql.Tx, m Movement, expectedVersion int64) error {
	var stock int
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT stock, version FROM inventory WHERE product_id = $1`, m.ProductID,
	).Scan(&stock, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("reload inventory %s: %w", m.ProductID, err)
	case version != expectedVersion:
		return ErrVersionConflict
	case stock+m.Delta() < 0:
		return ErrNegativeStock
	default:
		return ErrVersionConflict
	}
}

func (s *SQLStore) FindMovement(ctx context.Context, orderID string, kind MovementKind) (Movement, bool, error) {
	var m Movement
	var k string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, kind, product_id, quantity, created_at FROM inventory_movements WHERE order_id = $1 AND kind = $2`,
		orderID, string(kind),
	).Scan(&m.OrderID, &k, &m.ProductID, &m.Quantity, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Movement{}, false, nil
	}
	if err != nil {
		return Movement{}, false, fmt.Errorf("find movement %s/%s: %w", orderID, kind, err)
	}
	m.Kind = MovementKind(k)
	return m, true, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.Stock < 0 {
		return Record{}, ErrNegativeStock
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inventory (product_id, name, price, stock, version, updated_at) VALUES ($1, $2, $3, $4, 1, $5)
		 ON CONFLICT (product_id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock,
		   version = inventory.version + 1, updated_at = EXCLUDED.updated_at
		 RETURNING version, updated_at`,
		rec.ProductID, rec.Name, rec.Price, rec.Stock, s.now(),
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("put inventory %s: %w", rec.ProductID, err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context, productIDs ...string) ([]Record, error) {
	query := `SELECT product_id, name, price, stock, version, updated_at FROM inventory`
	args := make([]any, 0, len(productIDs))
	if len(productIDs) > 0 {
		holders := make([]string, len(productIDs))
		for i, id := range productIDs {
			holders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		query += ` WHERE product_id IN (` + strings.Join(holders, ", ") + `)`
	}
	query += ` ORDER BY product_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ProductID, &rec.Name, &rec.Price, &rec.Stock, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
