// Package draft holds the in-progress sale for each seller: the selected
// customer, the cart lines, and the payment method. A draft lives only in
// memory; it is discarded on a successful commit or an explicit reset and
// is never persisted.
package draft

import (
	"errors"
	"sync"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/xid"
)

var (
	ErrInvalidQuantity      = errors.New("quantity must be at least 1")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrNotInCart            = errors.New("product not in cart")
	ErrUnknownPaymentMethod = errors.New("unsupported payment method")
	ErrCustomerRequired     = errors.New("customer is required")
	ErrDraftIncomplete      = errors.New("draft sale is incomplete")
)

// Step is the UI position derived from the draft's fields. It is computed,
// never stored, so it cannot drift out of sync with the data.
type Step string

const (
	StepCustomer     Step = "customer"
	StepProducts     Step = "products"
	StepPayment      Step = "payment"
	StepConfirmation Step = "confirmation"
)

type Line struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// Snapshot is an immutable copy of the draft taken under the session lock.
// The commit engine works exclusively on snapshots so a concurrent cart
// mutation cannot change what is being committed.
type Snapshot struct {
	DraftID       string `json:"draft_id"`
	CustomerID    string `json:"customer_id,omitempty"`
	Lines         []Line `json:"lines"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Step          Step   `json:"step"`
	TotalCents    int64  `json:"total_cents"`
	CanCommit     bool   `json:"can_commit"`
}

// Session is one seller's mutable draft. Access is serialized by a mutex;
// if two clients share a session (two tabs), last writer wins.
type Session struct {
	mu            sync.Mutex
	draftID       string
	customerID    string
	lines         []Line
	paymentMethod string
}

func NewSession() *Session {
	return &Session{draftID: xid.New("draft")}
}

func (s *Session) SelectCustomer(customerID string) error {
	if customerID == "" {
		return ErrCustomerRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerID = customerID
	return nil
}

// AddItem merges into an existing line when the product is already in the
// cart: quantities sum and the unit price is refreshed to the one supplied.
func (s *Session) AddItem(productID string, qty int, unitPriceCents int64) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		if s.lines[i].ProductID == productID {
			s.lines[i].Qty += qty
			s.lines[i].UnitPriceCents = unitPriceCents
			s.lines[i].SubtotalCents = int64(s.lines[i].Qty) * unitPriceCents
			return nil
		}
	}

	s.lines = append(s.lines, Line{
		ProductID:      productID,
		Qty:            qty,
		UnitPriceCents: unitPriceCents,
		SubtotalCents:  int64(qty) * unitPriceCents,
	})
	return nil
}

func (s *Session) UpdateQuantity(productID string, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		if s.lines[i].ProductID == productID {
			s.lines[i].Qty = qty
			s.lines[i].SubtotalCents = int64(qty) * s.lines[i].UnitPriceCents
			return nil
		}
	}
	return ErrNotInCart
}

func (s *Session) RemoveItem(productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		if s.lines[i].ProductID == productID {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return nil
		}
	}
	return ErrNotInCart
}

func (s *Session) SetPaymentMethod(method string) error {
	if !domain.IsSupportedPaymentMethod(method) {
		return ErrUnknownPaymentMethod
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lines) == 0 {
		return ErrEmptyCart
	}
	s.paymentMethod = method
	return nil
}

// Reset clears the draft and issues a fresh draft id, so the next commit
// carries a new idempotency key. Used for "new sale" and after a commit.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftID = xid.New("draft")
	s.customerID = ""
	s.lines = nil
	s.paymentMethod = ""
}

func (s *Session) CanCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canCommitLocked()
}

func (s *Session) canCommitLocked() bool {
	return s.customerID != "" && len(s.lines) > 0 && s.paymentMethod != ""
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]Line, len(s.lines))
	copy(lines, s.lines)

	total := int64(0)
	for _, line := range lines {
		total += line.SubtotalCents
	}

	return Snapshot{
		DraftID:       s.draftID,
		CustomerID:    s.customerID,
		Lines:         lines,
		PaymentMethod: s.paymentMethod,
		Step:          s.stepLocked(),
		TotalCents:    total,
		CanCommit:     s.canCommitLocked(),
	}
}

func (s *Session) stepLocked() Step {
	switch {
	case s.customerID == "":
		return StepCustomer
	case len(s.lines) == 0:
		return StepProducts
	case s.paymentMethod == "":
		return StepPayment
	default:
		return StepConfirmation
	}
}

// Manager hands out one session per seller, created on first use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) Session(seller string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[seller]
	if !ok {
		session = NewSession()
		m.sessions[seller] = session
	}
	return session
}
