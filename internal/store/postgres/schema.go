package postgres

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		min_stock INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		user_id TEXT NOT NULL REFERENCES app_users(username),
		sale_date TIMESTAMPTZ NOT NULL,
		total_amount_cents BIGINT NOT NULL CHECK (total_amount_cents >= 0),
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		cancel_reason TEXT,
		cancelled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		qty INTEGER NOT NULL CHECK (qty > 0),
		unit_price_cents BIGINT NOT NULL CHECK (unit_price_cents >= 0),
		subtotal_cents BIGINT NOT NULL CHECK (subtotal_cents >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL UNIQUE REFERENCES sales(id),
		number TEXT NOT NULL UNIQUE,
		date TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_counters (
		series TEXT PRIMARY KEY,
		last_number BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items (sale_id)`,
}

// Migrate creates any missing tables and indexes. Statements are additive
// and safe to run on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
