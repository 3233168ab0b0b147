package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestMoney_String(t *testing.T) {
	cases := map[Money]string{0: "0.00", 5: "0.05", 129999: "1299.99", -250: "-2.50"}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Fatalf("Money(%d).String() = %q, want %q", int64(m), got, want)
		}
	}
}

func TestOrder_TransitionLifecycle(t *testing.T) {
	o := &Order{ID: "ORD000001"}
	for _, s := range []Status{StatusPriced, StatusAllocated, StatusCommitted} {
		if err := o.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	// Terminal orders are immutable.
	for _, s := range []Status{StatusPending, StatusRejected, StatusFailed, StatusCommitted} {
		if err := o.Transition(s); err == nil {
			t.Fatalf("committed order accepted transition to %s", s)
		}
	}
	if o.Status != StatusCommitted {
		t.Fatalf("status changed after terminal: %s", o.Status)
	}
}

func TestOrder_TransitionRejectsSkips(t *testing.T) {
	o := &Order{ID: "ORD000002"}
	err := o.Transition(StatusCommitted)
	if !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("want internal inconsistency, got %v", err)
	}
	if err := o.Transition(StatusRejected); err != nil {
		t.Fatalf("pending -> rejected: %v", err)
	}
}

func TestOrderError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("allocate: %w", Insufficient("PHONE001: short by 2"))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("errors.Is should match by kind")
	}
	if errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("must not match a different kind")
	}
	if k, ok := KindOf(err); !ok || k != KindInsufficientStock {
		t.Fatalf("KindOf = %v %v", k, ok)
	}
}
