package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productOrder    []string
	customersByID   map[string]domain.Customer
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	invoicesBySale  map[string]*domain.Invoice
	invoiceCounter  int64
	invoiceSeries   string
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"seller", sellerPwd, "seller"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "P-ARROZ-01", Name: "Arroz 1kg", Category: "grocery", PriceCents: 2400, Stock: 80, MinStock: 20, Active: true},
		{ID: "P-FRIJOL-01", Name: "Frijol Negro 1kg", Category: "grocery", PriceCents: 3100, Stock: 60, MinStock: 15, Active: true},
		{ID: "P-ACEITE-01", Name: "Aceite Vegetal 1L", Category: "grocery", PriceCents: 5200, Stock: 45, MinStock: 12, Active: true},
		{ID: "P-LECHE-01", Name: "Leche Entera 1L", Category: "dairy", PriceCents: 1900, Stock: 50, MinStock: 18, Active: true},
		{ID: "P-QUESO-01", Name: "Queso Fresco 500g", Category: "dairy", PriceCents: 6800, Stock: 25, MinStock: 8, Active: true},
		{ID: "P-PAN-01", Name: "Pan de Caja", Category: "bakery", PriceCents: 3600, Stock: 30, MinStock: 10, Active: true},
		{ID: "P-CAFE-01", Name: "Café Molido 250g", Category: "beverage", PriceCents: 7500, Stock: 40, MinStock: 10, Active: true},
		{ID: "P-AGUA-01", Name: "Agua Mineral 600ml", Category: "beverage", PriceCents: 1100, Stock: 120, MinStock: 30, Active: true},
		{ID: "P-JABON-01", Name: "Jabón de Tocador", Category: "household", PriceCents: 1800, Stock: 70, MinStock: 20, Active: true},
		{ID: "P-DETERG-01", Name: "Detergente 1kg", Category: "household", PriceCents: 4300, Stock: 35, MinStock: 10, Active: true},
	}

	customers := []domain.Customer{
		{ID: "CUST-001", Name: "María González", Email: "maria@example.com", Phone: "555-0101"},
		{ID: "CUST-002", Name: "Juan Pérez", Email: "juan@example.com", Phone: "555-0102"},
		{ID: "CUST-003", Name: "Cliente Mostrador", Email: "", Phone: ""},
	}

	now := time.Now().UTC()
	productMap := make(map[string]domain.Product, len(products))
	order := make([]string, 0, len(products))
	for _, p := range products {
		productMap[p.ID] = p
		order = append(order, p.ID)
	}
	customerMap := make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		c.CreatedAt = now
		customerMap[c.ID] = c
	}

	return &Store{
		products:        productMap,
		productOrder:    order,
		customersByID:   customerMap,
		salesByID:       map[string]*domain.Sale{},
		salesByIdem:     map[string]*domain.Sale{},
		invoicesBySale:  map[string]*domain.Invoice{},
		invoiceSeries:   "INV",
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		if p, ok := s.products[id]; ok && p.Active {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.Stock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidSale
	}
	product.Active = true
	s.products[product.ID] = product
	s.productOrder = append(s.productOrder, product.ID)

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	return customers, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrInvalidSale
	}
	s.customersByID[customer.ID] = customer

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.FinalizedSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		return s.finalizedLocked(existing, true), nil
	}

	if _, ok := s.customersByID[sale.CustomerID]; !ok {
		return nil, fmt.Errorf("customer %s: %w", sale.CustomerID, store.ErrNotFound)
	}
	if _, ok := s.usersByUsername[sale.UserID]; !ok {
		return nil, fmt.Errorf("user %s: %w", sale.UserID, store.ErrNotFound)
	}

	// Validate every line before touching stock so a late insufficiency
	// leaves earlier products untouched. Reserved quantities accumulate per
	// product so repeated lines for the same product cannot oversell.
	total := int64(0)
	reserved := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 || item.UnitPriceCents < 0 {
			return nil, store.ErrInvalidSale
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("product %s unavailable", item.ProductID)
		}
		available := product.Stock - reserved[item.ProductID]
		if available < item.Qty {
			return nil, &store.InsufficientStockError{
				ProductID: item.ProductID,
				Available: available,
				Requested: item.Qty,
			}
		}
		reserved[item.ProductID] += item.Qty
		total += int64(item.Qty) * item.UnitPriceCents
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

	for i := range sale.Items {
		product := s.products[sale.Items[i].ProductID]
		product.Stock -= sale.Items[i].Qty
		s.products[product.ID] = product

		sale.Items[i].ID = xid.New("item")
		sale.Items[i].SaleID = sale.ID
		sale.Items[i].SubtotalCents = int64(sale.Items[i].Qty) * sale.Items[i].UnitPriceCents
	}

	s.invoiceCounter++
	invoice := &domain.Invoice{
		ID:     xid.New("inv"),
		SaleID: sale.ID,
		Number: fmt.Sprintf("%s-%06d", s.invoiceSeries, s.invoiceCounter),
		Date:   now,
		Status: domain.InvoiceStatusIssued,
	}

	saleCopy := cloneSale(&sale)
	s.salesByID[sale.ID] = saleCopy
	s.salesByIdem[sale.IdempotencyKey] = saleCopy
	s.invoicesBySale[sale.ID] = invoice

	return s.finalizedLocked(saleCopy, false), nil
}

func (s *Store) FindSaleByID(_ context.Context, saleID string) (*domain.FinalizedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.finalizedLocked(sale, false), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.FinalizedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.finalizedLocked(sale, true), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		sales = append(sales, *cloneSale(sale))
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) CancelSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidSale
	}

	for _, item := range sale.Items {
		product, exists := s.products[item.ProductID]
		if !exists {
			continue
		}
		product.Stock += item.Qty
		s.products[product.ID] = product
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	cancelledAt := at
	sale.CancelledAt = &cancelledAt
	sale.UpdatedAt = at

	if invoice, ok := s.invoicesBySale[saleID]; ok {
		invoice.Status = domain.InvoiceStatusCancelled
	}

	return cloneSale(sale), nil
}

func (s *Store) MarkInvoicePaid(_ context.Context, saleID string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoicesBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if invoice.Status != domain.InvoiceStatusIssued {
		return nil, store.ErrInvalidSale
	}
	invoice.Status = domain.InvoiceStatusPaid

	copied := *invoice
	return &copied, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// finalizedLocked builds a detached FinalizedSale; caller must hold the lock.
func (s *Store) finalizedLocked(sale *domain.Sale, duplicate bool) *domain.FinalizedSale {
	finalized := &domain.FinalizedSale{
		Sale:      *cloneSale(sale),
		Duplicate: duplicate,
	}
	if invoice, ok := s.invoicesBySale[sale.ID]; ok {
		finalized.Invoice = *invoice
	}
	return finalized
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	copied := *sale
	copied.Items = make([]domain.SaleItem, len(sale.Items))
	copy(copied.Items, sale.Items)
	if sale.CancelledAt != nil {
		at := *sale.CancelledAt
		copied.CancelledAt = &at
	}
	return &copied
}
