package catalog

import (
	"errors"
	"math"
	"testing"

	"orderengine/internal/model"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(
		model.Product{ID: "LAPTOP001", Name: "Gaming Laptop", Price: 129999, Category: "Electronics"},
		model.Product{ID: "BOOK001", Name: "Python Programming", Price: 4999, Category: "Books"},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSubtotal(t *testing.T) {
	c := testCatalog(t)
	got, err := c.Subtotal([]model.OrderLine{{ProductID: "LAPTOP001", Qty: 2}, {ProductID: "BOOK001", Qty: 3}})
	if err != nil {
		t.Fatalf("Subtotal: %v", err)
	}
	if want := model.Money(2*129999 + 3*4999); got != want {
		t.Fatalf("Subtotal = %d, want %d", got, want)
	}
}

func TestSubtotal_RejectsOverflow(t *testing.T) {
	c := testCatalog(t)
	cases := map[string][]model.OrderLine{
		"line":  {{ProductID: "BOOK001", Qty: math.MaxInt64/4999 + 1}},
		"total": {{ProductID: "BOOK001", Qty: math.MaxInt64 / 4999}, {ProductID: "LAPTOP001", Qty: 1}},
	}
	for name, lines := range cases {
		if _, err := c.Subtotal(lines); !errors.Is(err, model.ErrInvalidOrder) {
			t.Fatalf("%s: want invalid order, got %v", name, err)
		}
	}
	if _, err := c.Subtotal([]model.OrderLine{{ProductID: "BOOK001", Qty: math.MaxInt64 / 4999}}); err != nil {
		t.Fatalf("largest priceable line: %v", err)
	}
}

func TestValidate_RejectsBadLines(t *testing.T) {
	c := testCatalog(t)
	cases := map[string][]model.OrderLine{
		"empty":     nil,
		"unknown":   {{ProductID: "NOPE", Qty: 1}},
		"zero qty":  {{ProductID: "BOOK001", Qty: 0}},
		"negative":  {{ProductID: "BOOK001", Qty: -3}},
		"mixed bad": {{ProductID: "BOOK001", Qty: 1}, {ProductID: "LAPTOP001", Qty: 0}},
	}
	for name, lines := range cases {
		if err := c.Validate(lines); !errors.Is(err, model.ErrInvalidOrder) {
			t.Fatalf("%s: want invalid order, got %v", name, err)
		}
	}
}

func TestNew_RejectsDuplicates(t *testing.T) {
	_, err := New(model.Product{ID: "A", Price: 1}, model.Product{ID: "A", Price: 2})
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
}
