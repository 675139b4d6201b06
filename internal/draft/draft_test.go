package draft

import (
	"errors"
	"testing"
)

func TestAddItemMergesExistingLine(t *testing.T) {
	session := NewSession()

	if err := session.AddItem("P-CAFE-01", 2, 7500); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if err := session.AddItem("P-CAFE-01", 3, 7600); err != nil {
		t.Fatalf("add item again: %v", err)
	}

	snapshot := session.Snapshot()
	if len(snapshot.Lines) != 1 {
		t.Fatalf("expected 1 merged line, got %d", len(snapshot.Lines))
	}
	line := snapshot.Lines[0]
	if line.Qty != 5 {
		t.Fatalf("expected merged qty 5, got %d", line.Qty)
	}
	if line.UnitPriceCents != 7600 {
		t.Fatalf("expected refreshed unit price 7600, got %d", line.UnitPriceCents)
	}
	if line.SubtotalCents != 5*7600 {
		t.Fatalf("expected subtotal %d, got %d", 5*7600, line.SubtotalCents)
	}
}

func TestAddItemRejectsInvalidQuantity(t *testing.T) {
	session := NewSession()

	for _, qty := range []int{0, -1, -100} {
		if err := session.AddItem("P-CAFE-01", qty, 7500); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("qty %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
	if len(session.Snapshot().Lines) != 0 {
		t.Fatalf("expected cart to stay empty after rejected adds")
	}
}

func TestUpdateQuantityRecomputesSubtotal(t *testing.T) {
	session := NewSession()
	if err := session.AddItem("P-AGUA-01", 2, 1100); err != nil {
		t.Fatalf("add item: %v", err)
	}

	if err := session.UpdateQuantity("P-AGUA-01", 7); err != nil {
		t.Fatalf("update quantity: %v", err)
	}

	line := session.Snapshot().Lines[0]
	if line.Qty != 7 || line.SubtotalCents != 7*1100 {
		t.Fatalf("expected qty 7 subtotal %d, got qty %d subtotal %d", 7*1100, line.Qty, line.SubtotalCents)
	}

	if err := session.UpdateQuantity("P-AGUA-01", 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for qty 0, got %v", err)
	}
	if err := session.UpdateQuantity("P-NOPE-01", 3); !errors.Is(err, ErrNotInCart) {
		t.Fatalf("expected ErrNotInCart, got %v", err)
	}
}

func TestRemoveItem(t *testing.T) {
	session := NewSession()
	_ = session.AddItem("P-ARROZ-01", 1, 2400)
	_ = session.AddItem("P-LECHE-01", 2, 1900)

	if err := session.RemoveItem("P-ARROZ-01"); err != nil {
		t.Fatalf("remove item: %v", err)
	}
	snapshot := session.Snapshot()
	if len(snapshot.Lines) != 1 || snapshot.Lines[0].ProductID != "P-LECHE-01" {
		t.Fatalf("expected only P-LECHE-01 to remain, got %+v", snapshot.Lines)
	}

	if err := session.RemoveItem("P-ARROZ-01"); !errors.Is(err, ErrNotInCart) {
		t.Fatalf("expected ErrNotInCart on second removal, got %v", err)
	}
}

func TestSetPaymentMethodRequiresItems(t *testing.T) {
	session := NewSession()

	if err := session.SetPaymentMethod("cash"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart for empty cart, got %v", err)
	}

	_ = session.AddItem("P-PAN-01", 1, 3600)
	if err := session.SetPaymentMethod("cheque"); !errors.Is(err, ErrUnknownPaymentMethod) {
		t.Fatalf("expected ErrUnknownPaymentMethod, got %v", err)
	}
	if err := session.SetPaymentMethod("transfer"); err != nil {
		t.Fatalf("set payment method: %v", err)
	}
}

func TestStepDerivation(t *testing.T) {
	session := NewSession()

	if got := session.Snapshot().Step; got != StepCustomer {
		t.Fatalf("empty draft: expected step %s, got %s", StepCustomer, got)
	}

	_ = session.SelectCustomer("CUST-001")
	if got := session.Snapshot().Step; got != StepProducts {
		t.Fatalf("customer only: expected step %s, got %s", StepProducts, got)
	}

	_ = session.AddItem("P-CAFE-01", 1, 7500)
	if got := session.Snapshot().Step; got != StepPayment {
		t.Fatalf("customer+items: expected step %s, got %s", StepPayment, got)
	}

	_ = session.SetPaymentMethod("cash")
	if got := session.Snapshot().Step; got != StepConfirmation {
		t.Fatalf("complete draft: expected step %s, got %s", StepConfirmation, got)
	}

	// Removing the last item walks the step back; payment method is kept.
	_ = session.RemoveItem("P-CAFE-01")
	if got := session.Snapshot().Step; got != StepProducts {
		t.Fatalf("after removing last item: expected step %s, got %s", StepProducts, got)
	}
}

func TestCanCommitMatrix(t *testing.T) {
	cases := []struct {
		name     string
		customer bool
		items    bool
		payment  bool
		want     bool
	}{
		{"empty", false, false, false, false},
		{"customer only", true, false, false, false},
		{"customer and items", true, true, false, false},
		{"items and payment without customer", false, true, true, false},
		{"complete", true, true, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := NewSession()
			if tc.customer {
				_ = session.SelectCustomer("CUST-001")
			}
			if tc.items {
				_ = session.AddItem("P-CAFE-01", 1, 7500)
			}
			if tc.payment && tc.items {
				_ = session.SetPaymentMethod("cash")
			}
			if got := session.CanCommit(); got != tc.want {
				t.Fatalf("expected CanCommit=%t, got %t", tc.want, got)
			}
		})
	}
}

func TestSnapshotTotalsAndIsolation(t *testing.T) {
	session := NewSession()
	_ = session.AddItem("P-ARROZ-01", 2, 2400)
	_ = session.AddItem("P-QUESO-01", 1, 6800)

	snapshot := session.Snapshot()
	if snapshot.TotalCents != 2*2400+6800 {
		t.Fatalf("expected total %d, got %d", 2*2400+6800, snapshot.TotalCents)
	}

	// Mutating the snapshot must not affect the session.
	snapshot.Lines[0].Qty = 99
	if got := session.Snapshot().Lines[0].Qty; got != 2 {
		t.Fatalf("snapshot mutation leaked into session: qty %d", got)
	}
}

func TestResetIssuesFreshDraftID(t *testing.T) {
	session := NewSession()
	before := session.Snapshot().DraftID
	if before == "" {
		t.Fatalf("expected non-empty draft id")
	}

	_ = session.SelectCustomer("CUST-001")
	_ = session.AddItem("P-CAFE-01", 1, 7500)
	_ = session.SetPaymentMethod("cash")
	session.Reset()

	snapshot := session.Snapshot()
	if snapshot.DraftID == before {
		t.Fatalf("expected a new draft id after reset")
	}
	if snapshot.CustomerID != "" || len(snapshot.Lines) != 0 || snapshot.PaymentMethod != "" {
		t.Fatalf("expected a clean draft after reset, got %+v", snapshot)
	}
	if snapshot.Step != StepCustomer {
		t.Fatalf("expected step %s after reset, got %s", StepCustomer, snapshot.Step)
	}
}

func TestManagerReusesSessionPerSeller(t *testing.T) {
	manager := NewManager()

	first := manager.Session("seller")
	_ = first.AddItem("P-CAFE-01", 1, 7500)

	again := manager.Session("seller")
	if len(again.Snapshot().Lines) != 1 {
		t.Fatalf("expected same session for same seller")
	}

	other := manager.Session("admin")
	if len(other.Snapshot().Lines) != 0 {
		t.Fatalf("expected a separate empty session for another seller")
	}
}
