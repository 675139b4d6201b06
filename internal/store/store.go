package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ventapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")

	// ErrTransient marks infrastructure failures (serialization conflicts,
	// deadlocks, lost connections) that are safe to retry because the
	// transaction rolled back without side effects.
	ErrTransient = errors.New("transient storage failure")

	// ErrCommitFailed is returned once transient retries are exhausted.
	// The caller's draft is untouched and can be committed again manually.
	ErrCommitFailed = errors.New("commit failed")
)

// InsufficientStockError reports the first line whose requested quantity
// exceeded the locked stock. Matches errors.Is(err, ErrInsufficientStock).
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Repository is the single persistence boundary of the commit engine. It
// subsumes the catalog, party, invoice-numbering, and transaction
// collaborators: CommitSale runs them all inside one atomic transaction.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	// CommitSale atomically verifies and decrements stock for every item,
	// persists the sale and its items, and issues the next invoice number.
	// Repeated lines for the same product draw from the stock remaining
	// after earlier lines, so a sale can never drive stock negative.
	// A replayed idempotency key returns the original finalized sale with
	// Duplicate set; nothing survives a failed commit.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.FinalizedSale, error)
	FindSaleByID(ctx context.Context, saleID string) (*domain.FinalizedSale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.FinalizedSale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)
	MarkInvoicePaid(ctx context.Context, saleID string) (*domain.Invoice, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
