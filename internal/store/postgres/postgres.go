package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

type Store struct {
	db            *sql.DB
	invoiceSeries string
}

func New(ctx context.Context, databaseURL string, invoiceSeries string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if invoiceSeries == "" {
		invoiceSeries = "INV"
	}

	return &Store{db: db, invoiceSeries: invoiceSeries}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, stock, min_stock, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Stock, &p.MinStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if product.Stock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, stock, min_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Stock, product.MinStock, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, stock, min_stock, active
		FROM products
		WHERE id = $1
	`, productID).Scan(&product.ID, &product.Name, &product.Category, &product.PriceCents, &product.Stock, &product.MinStock, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(phone,''), created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Email), nullIfEmpty(customer.Phone), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(phone,''), created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.Email, &customer.Phone, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

// CommitSale finalizes a draft in one serializable transaction: product
// rows are locked in draft order, stock is verified then decremented, the
// sale and its items are inserted with the draft's price snapshots, and the
// invoice number is taken from the counter row. Any failure rolls the whole
// transaction back.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.FinalizedSale, error) {
	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}
	if sale.CustomerID == "" || sale.UserID == "" {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, sale.CustomerID).Scan(&exists); err != nil {
		return nil, classify(err)
	}
	if !exists {
		return nil, fmt.Errorf("customer %s: %w", sale.CustomerID, store.ErrNotFound)
	}
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM app_users WHERE username = $1 AND active = true)`, sale.UserID).Scan(&exists); err != nil {
		return nil, classify(err)
	}
	if !exists {
		return nil, fmt.Errorf("user %s: %w", sale.UserID, store.ErrNotFound)
	}

	// Lock and verify in draft line order so the first shortage wins and
	// concurrent commits for the same products serialize on the row locks.
	total := int64(0)
	for i, item := range sale.Items {
		if item.Qty < 1 || item.UnitPriceCents < 0 {
			return nil, store.ErrInvalidSale
		}

		var stock int
		var active bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT stock, active
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, item.ProductID).Scan(&stock, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("product %s: %w", item.ProductID, store.ErrNotFound)
			}
			return nil, classify(err)
		}
		if !active {
			return nil, fmt.Errorf("product %s unavailable", item.ProductID)
		}
		if stock < item.Qty {
			return nil, &store.InsufficientStockError{
				ProductID: item.ProductID,
				Available: stock,
				Requested: item.Qty,
			}
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, item.Qty, item.ProductID)
		if err != nil {
			return nil, classify(err)
		}

		sale.Items[i].SubtotalCents = int64(item.Qty) * item.UnitPriceCents
		total += sale.Items[i].SubtotalCents
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	now := time.Now().UTC()
	if sale.SaleDate.IsZero() {
		sale.SaleDate = now
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	sale.UpdatedAt = sale.CreatedAt
	sale.Status = domain.SaleStatusCompleted
	sale.TotalAmountCents = total

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, customer_id, user_id, sale_date, total_amount_cents,
			payment_method, status, idempotency_key, cancel_reason, cancelled_at,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,NULL,$9,$10)
	`, sale.ID, sale.CustomerID, sale.UserID, sale.SaleDate, sale.TotalAmountCents,
		sale.PaymentMethod, sale.Status, sale.IdempotencyKey, sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Another commit with the same idempotency key won; roll back
			// this transaction and hand back the finalized original.
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, classify(err)
	}

	for i := range sale.Items {
		sale.Items[i].ID = xid.New("item")
		sale.Items[i].SaleID = sale.ID
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, qty, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.Items[i].ID, sale.ID, sale.Items[i].ProductID, sale.Items[i].Qty, sale.Items[i].UnitPriceCents, sale.Items[i].SubtotalCents)
		if err != nil {
			return nil, classify(err)
		}
	}

	invoice := domain.Invoice{
		ID:     xid.New("invc"),
		SaleID: sale.ID,
		Date:   now,
		Status: domain.InvoiceStatusIssued,
	}
	invoice.Number, err = s.nextInvoiceNumber(ctx, pgTx)
	if err != nil {
		return nil, classify(err)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (id, sale_id, number, date, status)
		VALUES ($1,$2,$3,$4,$5)
	`, invoice.ID, invoice.SaleID, invoice.Number, invoice.Date, invoice.Status)
	if err != nil {
		return nil, classify(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, classify(err)
	}

	return &domain.FinalizedSale{Sale: sale, Invoice: invoice}, nil
}

// nextInvoiceNumber bumps the counter row for the configured series inside
// the caller's transaction, so numbers follow commit order and a rolled
// back sale never burns a number.
func (s *Store) nextInvoiceNumber(ctx context.Context, pgTx *sql.Tx) (string, error) {
	var next int64
	err := pgTx.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (series, last_number)
		VALUES ($1, 1)
		ON CONFLICT (series)
		DO UPDATE SET last_number = invoice_counters.last_number + 1
		RETURNING last_number
	`, s.invoiceSeries).Scan(&next)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", s.invoiceSeries, next), nil
}

func (s *Store) FindSaleByID(ctx context.Context, saleID string) (*domain.FinalizedSale, error) {
	return s.findSale(ctx, "id", saleID, false)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.FinalizedSale, error) {
	return s.findSale(ctx, "idempotency_key", key, true)
}

func (s *Store) findSale(ctx context.Context, column string, value string, duplicate bool) (*domain.FinalizedSale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var cancelReason sql.NullString
	var cancelledAt sql.NullTime

	query := fmt.Sprintf(`
		SELECT id, customer_id, user_id, sale_date, total_amount_cents,
			payment_method, status, idempotency_key, cancel_reason, cancelled_at,
			created_at, updated_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.CustomerID,
		&sale.UserID,
		&sale.SaleDate,
		&sale.TotalAmountCents,
		&sale.PaymentMethod,
		&sale.Status,
		&sale.IdempotencyKey,
		&cancelReason,
		&cancelledAt,
		&sale.CreatedAt,
		&sale.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if cancelReason.Valid {
		sale.CancelReason = cancelReason.String
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	sale.SaleDate = sale.SaleDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, qty, unit_price_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Qty, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		item.SaleID = sale.ID
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Items = items

	finalized := &domain.FinalizedSale{Sale: sale, Duplicate: duplicate}

	var invoice domain.Invoice
	err = s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, number, date, status
		FROM invoices
		WHERE sale_id = $1
	`, sale.ID).Scan(&invoice.ID, &invoice.SaleID, &invoice.Number, &invoice.Date, &invoice.Status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		invoice.Date = invoice.Date.UTC()
		finalized.Invoice = invoice
	}

	return finalized, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, user_id, sale_date, total_amount_cents,
			payment_method, status, idempotency_key, created_at, updated_at
		FROM sales
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.CustomerID, &sale.UserID, &sale.SaleDate, &sale.TotalAmountCents,
			&sale.PaymentMethod, &sale.Status, &sale.IdempotencyKey, &sale.CreatedAt, &sale.UpdatedAt); err != nil {
			return nil, err
		}
		sale.SaleDate = sale.SaleDate.UTC()
		sale.CreatedAt = sale.CreatedAt.UTC()
		sale.UpdatedAt = sale.UpdatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var sale domain.Sale
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, customer_id, user_id, status, total_amount_cents, payment_method
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&sale.ID, &sale.CustomerID, &sale.UserID, &sale.Status, &sale.TotalAmountCents, &sale.PaymentMethod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidSale
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty
		FROM sale_items
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, classify(err)
	}
	items := make([]domain.SaleItem, 0, 8)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ProductID, &item.Qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, item := range items {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, updated_at = now()
			WHERE id = $2
		`, item.Qty, item.ProductID)
		if err != nil {
			return nil, classify(err)
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SaleStatusCancelled, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return nil, classify(err)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2
		WHERE sale_id = $1
	`, saleID, domain.InvoiceStatusCancelled)
	if err != nil {
		return nil, classify(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, classify(err)
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	cancelledAt := at
	sale.CancelledAt = &cancelledAt
	return &sale, nil
}

func (s *Store) MarkInvoicePaid(ctx context.Context, saleID string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		UPDATE invoices
		SET status = $2
		WHERE sale_id = $1 AND status = $3
		RETURNING id, sale_id, number, date, status
	`, saleID, domain.InvoiceStatusPaid, domain.InvoiceStatusIssued).Scan(
		&invoice.ID, &invoice.SaleID, &invoice.Number, &invoice.Date, &invoice.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.Date = invoice.Date.UTC()
	return &invoice, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// classify wraps retryable Postgres failures in store.ErrTransient:
// serialization conflicts (40001), deadlocks (40P01), and connection-class
// errors (08xxx). Everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08") {
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
