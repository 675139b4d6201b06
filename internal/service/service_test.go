package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/draft"
	"ventapos/backend/internal/report"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/store/memory"
)

func newTestService() *Service {
	return newTestServiceWith(memory.NewSeeded())
}

func newTestServiceWith(repo store.Repository) *Service {
	reporter := report.NewEngine(cache.NoopReportCache{}, 5*time.Second)
	svc := New(repo, reporter)
	svc.sleep = func(time.Duration) {}
	return svc
}

func sellerContext(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: "seller"})
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func buildDraft(t *testing.T, svc *Service, ctx context.Context, items map[string]int) {
	t.Helper()

	if _, err := svc.SelectDraftCustomer(ctx, domain.SelectCustomerRequest{CustomerID: "CUST-001"}); err != nil {
		t.Fatalf("select customer: %v", err)
	}
	for productID, qty := range items {
		if _, err := svc.AddDraftItem(ctx, domain.DraftItemRequest{ProductID: productID, Qty: qty}); err != nil {
			t.Fatalf("add item %s: %v", productID, err)
		}
	}
	if _, err := svc.SetDraftPaymentMethod(ctx, domain.PaymentMethodRequest{PaymentMethod: "cash"}); err != nil {
		t.Fatalf("set payment method: %v", err)
	}
}

func TestCommitSaleHappyPath(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	// P-QUESO-01 seeds with stock 25 at 6800 cents.
	buildDraft(t, svc, ctx, map[string]int{"P-QUESO-01": 2})

	finalized, err := svc.CommitSale(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if finalized.Duplicate {
		t.Fatalf("first commit must not be a duplicate")
	}
	if finalized.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected status %s, got %s", domain.SaleStatusCompleted, finalized.Sale.Status)
	}
	if finalized.Sale.TotalAmountCents != 2*6800 {
		t.Fatalf("expected total %d, got %d", 2*6800, finalized.Sale.TotalAmountCents)
	}
	if finalized.Invoice.Number == "" || finalized.Invoice.Status != domain.InvoiceStatusIssued {
		t.Fatalf("expected issued invoice, got %+v", finalized.Invoice)
	}

	product, err := repo.GetProductByID(ctx, "P-QUESO-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 23 {
		t.Fatalf("expected stock 23 after commit, got %d", product.Stock)
	}

	// A successful commit resets the draft for the next sale.
	snapshot, err := svc.DraftSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Lines) != 0 || snapshot.CustomerID != "" {
		t.Fatalf("expected a clean draft after commit, got %+v", snapshot)
	}
}

func TestCommitSaleIncompleteDraft(t *testing.T) {
	svc := newTestService()
	ctx := sellerContext("seller")

	if _, err := svc.CommitSale(ctx); !errors.Is(err, draft.ErrEmptyCart) {
		t.Fatalf("empty draft: expected ErrEmptyCart, got %v", err)
	}

	if _, err := svc.SelectDraftCustomer(ctx, domain.SelectCustomerRequest{CustomerID: "CUST-001"}); err != nil {
		t.Fatalf("select customer: %v", err)
	}
	if _, err := svc.AddDraftItem(ctx, domain.DraftItemRequest{ProductID: "P-CAFE-01", Qty: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	// Customer and items but no payment method yet.
	if _, err := svc.CommitSale(ctx); !errors.Is(err, draft.ErrDraftIncomplete) {
		t.Fatalf("no payment method: expected ErrDraftIncomplete, got %v", err)
	}
}

func TestCommitSaleInsufficientStockLeavesStockUntouched(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	// P-QUESO-01 has stock 25; requesting 30 on the second line must fail
	// without decrementing the first line's product either.
	buildDraft(t, svc, ctx, map[string]int{"P-ARROZ-01": 2})
	if _, err := svc.UpdateDraftItem(ctx, domain.DraftItemRequest{ProductID: "P-ARROZ-01", Qty: 2}); err != nil {
		t.Fatalf("update item: %v", err)
	}
	if _, err := svc.AddDraftItem(ctx, domain.DraftItemRequest{ProductID: "P-QUESO-01", Qty: 30}); err != nil {
		t.Fatalf("add second item: %v", err)
	}

	_, err := svc.CommitSale(ctx)
	if err == nil {
		t.Fatalf("expected commit to fail")
	}
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductID != "P-QUESO-01" || stockErr.Available != 25 || stockErr.Requested != 30 {
		t.Fatalf("unexpected detail: %+v", stockErr)
	}

	arroz, _ := repo.GetProductByID(ctx, "P-ARROZ-01")
	queso, _ := repo.GetProductByID(ctx, "P-QUESO-01")
	if arroz.Stock != 80 || queso.Stock != 25 {
		t.Fatalf("expected stocks 80/25 untouched, got %d/%d", arroz.Stock, queso.Stock)
	}

	// The draft survives for correction.
	snapshot, _ := svc.DraftSnapshot(ctx)
	if len(snapshot.Lines) != 2 {
		t.Fatalf("expected draft to survive failed commit, got %+v", snapshot)
	}
}

func TestCommitSaleIdempotentReplay(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-AGUA-01": 3})
	snapshot, _ := svc.DraftSnapshot(ctx)
	draftID := snapshot.DraftID

	first, err := svc.CommitSale(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Replaying the key directly against the store returns the original
	// sale and does not decrement stock again.
	replay, err := repo.CommitSale(ctx, domain.Sale{
		CustomerID:     "CUST-001",
		UserID:         "seller",
		PaymentMethod:  "cash",
		IdempotencyKey: draftID,
		Items:          []domain.SaleItem{{ProductID: "P-AGUA-01", Qty: 3, UnitPriceCents: 1100}},
	})
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if !replay.Duplicate {
		t.Fatalf("expected replay to be marked duplicate")
	}
	if replay.Sale.ID != first.Sale.ID || replay.Invoice.Number != first.Invoice.Number {
		t.Fatalf("expected the original sale back, got %+v", replay)
	}

	product, _ := repo.GetProductByID(ctx, "P-AGUA-01")
	if product.Stock != 117 {
		t.Fatalf("expected stock decremented exactly once (117), got %d", product.Stock)
	}
}

// flakyRepo fails CommitSale with a transient error a fixed number of times
// before delegating to the real store.
type flakyRepo struct {
	store.Repository
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyRepo) CommitSale(ctx context.Context, sale domain.Sale) (*domain.FinalizedSale, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: serialization conflict", store.ErrTransient)
	}
	return f.Repository.CommitSale(ctx, sale)
}

func TestCommitSaleRetriesTransientFailures(t *testing.T) {
	repo := &flakyRepo{Repository: memory.NewSeeded(), failures: 2}
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-PAN-01": 1})

	finalized, err := svc.CommitSale(ctx)
	if err != nil {
		t.Fatalf("expected commit to succeed on third attempt: %v", err)
	}
	if finalized.Sale.TotalAmountCents != 3600 {
		t.Fatalf("expected total 3600, got %d", finalized.Sale.TotalAmountCents)
	}
	if repo.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.attempts)
	}
}

func TestCommitSaleGivesUpAfterRetries(t *testing.T) {
	repo := &flakyRepo{Repository: memory.NewSeeded(), failures: 10}
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-PAN-01": 1})

	_, err := svc.CommitSale(ctx)
	if !errors.Is(err, store.ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if repo.attempts != commitMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", commitMaxAttempts, repo.attempts)
	}

	// The draft is preserved so the seller can retry manually; the draft id
	// (and with it the idempotency key) must not change.
	snapshot, _ := svc.DraftSnapshot(ctx)
	if len(snapshot.Lines) != 1 || !snapshot.CanCommit {
		t.Fatalf("expected committable draft to survive, got %+v", snapshot)
	}
}

func TestConcurrentCommitsLastUnit(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)

	// Two sellers race for more stock than exists: P-QUESO-01 has 25 units
	// and each draft wants 15. Exactly one commit can win.
	ctxA := sellerContext("seller")
	ctxB := sellerContext("admin")
	buildDraft(t, svc, ctxA, map[string]int{"P-QUESO-01": 15})
	buildDraft(t, svc, ctxB, map[string]int{"P-QUESO-01": 15})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, ctx := range []context.Context{ctxA, ctxB} {
		wg.Add(1)
		go func(i int, ctx context.Context) {
			defer wg.Done()
			_, results[i] = svc.CommitSale(ctx)
		}(i, ctx)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winning commit, got %d", succeeded)
	}

	product, _ := repo.GetProductByID(context.Background(), "P-QUESO-01")
	if product.Stock != 10 {
		t.Fatalf("expected stock 10 after one commit, got %d", product.Stock)
	}
}

func TestCancelSaleRestocksAndCancelsInvoice(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-DETERG-01": 5})
	finalized, err := svc.CommitSale(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: finalized.Sale.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller cancel, got %v", err)
	}

	resp, err := svc.CancelSale(adminContext(), domain.CancelSaleRequest{
		SaleID: finalized.Sale.ID,
		Reason: "customer returned order",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if resp.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected status %s, got %s", domain.SaleStatusCancelled, resp.Status)
	}

	product, _ := repo.GetProductByID(ctx, "P-DETERG-01")
	if product.Stock != 35 {
		t.Fatalf("expected stock restored to 35, got %d", product.Stock)
	}

	lookup, err := svc.LookupSaleByID(ctx, finalized.Sale.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if lookup.Invoice.Status != domain.InvoiceStatusCancelled {
		t.Fatalf("expected cancelled invoice, got %s", lookup.Invoice.Status)
	}

	// Cancelling twice is rejected.
	if _, err := svc.CancelSale(adminContext(), domain.CancelSaleRequest{SaleID: finalized.Sale.ID}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale on double cancel, got %v", err)
	}
}

func TestMarkInvoicePaid(t *testing.T) {
	svc := newTestService()
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-JABON-01": 2})
	finalized, err := svc.CommitSale(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	invoice, err := svc.MarkInvoicePaid(adminContext(), finalized.Sale.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if invoice.Status != domain.InvoiceStatusPaid {
		t.Fatalf("expected status %s, got %s", domain.InvoiceStatusPaid, invoice.Status)
	}

	// Only issued invoices can be marked paid.
	if _, err := svc.MarkInvoicePaid(adminContext(), finalized.Sale.ID); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale on second payment, got %v", err)
	}
}

func TestLookupSaleByIdempotency(t *testing.T) {
	svc := newTestService()
	ctx := sellerContext("seller")

	buildDraft(t, svc, ctx, map[string]int{"P-LECHE-01": 1})
	snapshot, _ := svc.DraftSnapshot(ctx)
	draftID := snapshot.DraftID

	if _, err := svc.CommitSale(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	found, err := svc.LookupSaleByIdempotency(ctx, draftID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found.Found || found.Sale == nil {
		t.Fatalf("expected sale to be found")
	}

	missing, err := svc.LookupSaleByIdempotency(ctx, "draft_never_committed")
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if missing.Found {
		t.Fatalf("expected missing key to report found=false")
	}
}

func TestAddDraftItemSnapshotsPrice(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	if _, err := svc.SelectDraftCustomer(ctx, domain.SelectCustomerRequest{CustomerID: "CUST-002"}); err != nil {
		t.Fatalf("select customer: %v", err)
	}
	snapshot, err := svc.AddDraftItem(ctx, domain.DraftItemRequest{ProductID: "P-CAFE-01", Qty: 1})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if snapshot.Lines[0].UnitPriceCents != 7500 {
		t.Fatalf("expected snapshot price 7500, got %d", snapshot.Lines[0].UnitPriceCents)
	}

	if _, err := svc.AddDraftItem(ctx, domain.DraftItemRequest{ProductID: "P-MISSING", Qty: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}
}

func TestSelectDraftCustomerValidatesExistence(t *testing.T) {
	svc := newTestService()
	ctx := sellerContext("seller")

	if _, err := svc.SelectDraftCustomer(ctx, domain.SelectCustomerRequest{CustomerID: "CUST-NOPE"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown customer, got %v", err)
	}
}

func TestLowStockReport(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestServiceWith(repo)
	ctx := sellerContext("seller")

	// Drain P-QUESO-01 (stock 25, min 8) down to its threshold.
	buildDraft(t, svc, ctx, map[string]int{"P-QUESO-01": 17})
	if _, err := svc.CommitSale(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	lowStock, err := svc.LowStockReport(adminContext())
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	found := false
	for _, item := range lowStock.Items {
		if item.ProductID == "P-QUESO-01" {
			found = true
			if item.Stock != 8 || item.MinStock != 8 || item.DeficitQty != 0 {
				t.Fatalf("unexpected low stock item: %+v", item)
			}
		}
	}
	if !found {
		t.Fatalf("expected P-QUESO-01 in low stock report, got %+v", lowStock.Items)
	}
}

func TestCreateSellerRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateSeller(sellerContext("seller"), "newseller", "$2a$10$hash"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller, got %v", err)
	}

	seller, err := svc.CreateSeller(adminContext(), "newseller", "$2a$10$hash")
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
	if seller.Role != "seller" || !seller.Active {
		t.Fatalf("unexpected seller: %+v", seller)
	}

	// Duplicate usernames are rejected.
	if _, err := svc.CreateSeller(adminContext(), "newseller", "$2a$10$hash"); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale on duplicate, got %v", err)
	}
}
