package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
	MinStock   int    `json:"min_stock"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
	MinStock   int    `json:"min_stock"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for seller/admin credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type SellerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Sale struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	UserID           string     `json:"user_id"`
	SaleDate         time.Time  `json:"sale_date"`
	TotalAmountCents int64      `json:"total_amount_cents"`
	PaymentMethod    string     `json:"payment_method"`
	Status           string     `json:"status"`
	IdempotencyKey   string     `json:"idempotency_key"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Items            []SaleItem `json:"items"`
}

type Invoice struct {
	ID     string    `json:"id"`
	SaleID string    `json:"sale_id"`
	Number string    `json:"number"`
	Date   time.Time `json:"date"`
	Status string    `json:"status"`
}

// FinalizedSale is the durable outcome of a successful commit: the sale,
// its 1:1 invoice, and whether this result was replayed from a previous
// commit with the same idempotency key.
type FinalizedSale struct {
	Sale      Sale    `json:"sale"`
	Invoice   Invoice `json:"invoice"`
	Duplicate bool    `json:"duplicate"`
}

type SaleLookupResponse struct {
	Found bool           `json:"found"`
	Sale  *FinalizedSale `json:"sale,omitempty"`
}

type SelectCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type DraftItemRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type PaymentMethodRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type CancelSaleRequest struct {
	SaleID     string `json:"sale_id"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type CancelSaleResponse struct {
	SaleID      string `json:"sale_id"`
	Status      string `json:"status"`
	CancelledAt string `json:"cancelled_at"`
}

type LowStockItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Stock      int    `json:"stock"`
	MinStock   int    `json:"min_stock"`
	DeficitQty int    `json:"deficit_qty"`
}

type LowStockReport struct {
	GeneratedAt string         `json:"generated_at"`
	Items       []LowStockItem `json:"items"`
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentOther    = "other"
)

const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	InvoiceStatusIssued    = "issued"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusCancelled = "cancelled"
)

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentOther:
		return true
	default:
		return false
	}
}
