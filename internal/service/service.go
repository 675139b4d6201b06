package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/draft"
	"ventapos/backend/internal/report"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

var (
	// ErrUnauthenticated is returned when no actor is present in the context.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden is returned when the actor's role does not permit the operation.
	ErrForbidden = errors.New("admin role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const (
	commitMaxAttempts  = 3
	commitRetryBackoff = 50 * time.Millisecond
)

type Service struct {
	repo     store.Repository
	reporter *report.Engine
	drafts   *draft.Manager

	// sleep is swapped out in tests so retry backoff does not slow them.
	sleep func(time.Duration)
}

func New(repo store.Repository, reporter *report.Engine) *Service {
	return &Service{
		repo:     repo,
		reporter: reporter,
		drafts:   draft.NewManager(),
		sleep:    time.Sleep,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, ErrForbidden
	}

	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.ID == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.PriceCents < 1 || req.Stock < 0 || req.MinStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:         req.ID,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Stock:      req.Stock,
		MinStock:   req.MinStock,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, created.Stock))
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidSale
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:      req.Name,
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

// DraftSnapshot returns the calling seller's current draft. A session is
// created on first use, so this never fails for an authenticated seller.
func (s *Service) DraftSnapshot(ctx context.Context) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (s *Service) SelectDraftCustomer(ctx context.Context, req domain.SelectCustomerRequest) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return draft.Snapshot{}, draft.ErrCustomerRequired
	}
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return draft.Snapshot{}, err
	}

	if err := session.SelectCustomer(customerID); err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

// AddDraftItem snapshots the product's current price into the cart line.
// Price changes after this point do not affect the draft; the commit uses
// the snapshot, never the live price.
func (s *Service) AddDraftItem(ctx context.Context, req domain.DraftItemRequest) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}
	if req.Qty < 1 {
		return draft.Snapshot{}, draft.ErrInvalidQuantity
	}

	product, err := s.repo.GetProductByID(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return draft.Snapshot{}, err
	}
	if !product.Active {
		return draft.Snapshot{}, store.ErrNotFound
	}

	if err := session.AddItem(product.ID, req.Qty, product.PriceCents); err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (s *Service) UpdateDraftItem(ctx context.Context, req domain.DraftItemRequest) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}

	if err := session.UpdateQuantity(strings.TrimSpace(req.ProductID), req.Qty); err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (s *Service) RemoveDraftItem(ctx context.Context, productID string) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}

	if err := session.RemoveItem(strings.TrimSpace(productID)); err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (s *Service) SetDraftPaymentMethod(ctx context.Context, req domain.PaymentMethodRequest) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}

	if err := session.SetPaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))); err != nil {
		return draft.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (s *Service) ResetDraft(ctx context.Context) (draft.Snapshot, error) {
	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return draft.Snapshot{}, err
	}

	session.Reset()
	s.logAudit(ctx, "draft_reset", "draft", session.Snapshot().DraftID, "")
	return session.Snapshot(), nil
}

// CommitSale finalizes the seller's draft. The draft id doubles as the
// idempotency key, so retrying after a failure replays the same commit
// while a reset or a success issues a fresh key. Transient storage
// failures are retried with doubling backoff before giving up.
func (s *Service) CommitSale(ctx context.Context) (domain.FinalizedSale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.FinalizedSale{}, ErrUnauthenticated
	}

	session, err := s.sessionFromContext(ctx)
	if err != nil {
		return domain.FinalizedSale{}, err
	}

	snapshot := session.Snapshot()
	if len(snapshot.Lines) == 0 {
		return domain.FinalizedSale{}, draft.ErrEmptyCart
	}
	if !snapshot.CanCommit {
		return domain.FinalizedSale{}, draft.ErrDraftIncomplete
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, snapshot.DraftID); err == nil {
		existing.Duplicate = true
		return *existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.FinalizedSale{}, err
	}

	items := make([]domain.SaleItem, 0, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		items = append(items, domain.SaleItem{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	sale := domain.Sale{
		ID:             xid.New("sale"),
		CustomerID:     snapshot.CustomerID,
		UserID:         actor.Username,
		SaleDate:       time.Now().UTC(),
		PaymentMethod:  snapshot.PaymentMethod,
		IdempotencyKey: snapshot.DraftID,
		Items:          items,
	}

	var finalized *domain.FinalizedSale
	backoff := commitRetryBackoff
	for attempt := 1; ; attempt++ {
		finalized, err = s.repo.CommitSale(ctx, sale)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTransient) || attempt >= commitMaxAttempts {
			if errors.Is(err, store.ErrTransient) {
				log.Printf("[service] WARN: sale commit gave up after %d attempts draft=%s: %v", attempt, snapshot.DraftID, err)
				return domain.FinalizedSale{}, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
			}
			return domain.FinalizedSale{}, err
		}
		log.Printf("[service] WARN: transient sale commit failure attempt=%d draft=%s: %v", attempt, snapshot.DraftID, err)
		s.sleep(backoff)
		backoff *= 2
	}

	session.Reset()
	s.logAudit(ctx, "sale_commit", "sale", finalized.Sale.ID,
		fmt.Sprintf("total=%d,payment=%s,invoice=%s,duplicate=%t",
			finalized.Sale.TotalAmountCents, finalized.Sale.PaymentMethod, finalized.Invoice.Number, finalized.Duplicate))
	return *finalized, nil
}

func (s *Service) LookupSaleByID(ctx context.Context, saleID string) (domain.FinalizedSale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.FinalizedSale{}, store.ErrInvalidSale
	}

	finalized, err := s.repo.FindSaleByID(ctx, saleID)
	if err != nil {
		return domain.FinalizedSale{}, err
	}
	return *finalized, nil
}

func (s *Service) LookupSaleByIdempotency(ctx context.Context, key string) (domain.SaleLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.SaleLookupResponse{}, store.ErrInvalidSale
	}

	finalized, err := s.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleLookupResponse{Found: false}, nil
		}
		return domain.SaleLookupResponse{}, err
	}
	return domain.SaleLookupResponse{Found: true, Sale: finalized}, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (domain.CancelSaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.CancelSaleResponse{}, ErrForbidden
	}

	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.CancelSaleResponse{}, store.ErrInvalidSale
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	cancelledAt := time.Now().UTC()
	sale, err := s.repo.CancelSale(ctx, req.SaleID, req.Reason, cancelledAt)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, req.Reason)

	return domain.CancelSaleResponse{
		SaleID:      sale.ID,
		Status:      sale.Status,
		CancelledAt: cancelledAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) MarkInvoicePaid(ctx context.Context, saleID string) (domain.Invoice, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Invoice{}, store.ErrInvalidSale
	}

	invoice, err := s.repo.MarkInvoicePaid(ctx, saleID)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logAudit(ctx, "invoice_paid", "invoice", invoice.ID, invoice.Number)
	return *invoice, nil
}

func (s *Service) LowStockReport(ctx context.Context) (domain.LowStockReport, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.LowStockReport{}, err
	}
	return s.reporter.LowStock(ctx, products), nil
}

func (s *Service) CreateSeller(ctx context.Context, username string, passwordHash string) (domain.SellerUser, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SellerUser{}, ErrForbidden
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || passwordHash == "" {
		return domain.SellerUser{}, store.ErrInvalidSale
	}

	account := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      "seller",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, account); err != nil {
		return domain.SellerUser{}, err
	}

	s.logAudit(ctx, "seller_create", "user", username, "")

	return domain.SellerUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}, nil
}

func (s *Service) ListSellers(ctx context.Context) ([]domain.SellerUser, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, ErrForbidden
	}

	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	sellers := make([]domain.SellerUser, 0, len(accounts))
	for _, account := range accounts {
		sellers = append(sellers, domain.SellerUser{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	return sellers, nil
}

func (s *Service) sessionFromContext(ctx context.Context) (*draft.Session, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return nil, ErrUnauthenticated
	}
	return s.drafts.Session(actor.Username), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	log.Printf("[audit] actor=%s role=%s action=%s entity=%s/%s detail=%s", actor.Username, actor.Role, action, entityType, entityID, detail)
}
