package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderengine/internal/model"
)

const (
	TypeCommitted = "order.committed"
	TypeRejected  = "order.rejected"
	TypeFailed    = "order.failed"
)

// Event announces an order reaching a terminal state.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	OrderID     string            `json:"orderId"`
	CustomerID  string            `json:"customerId"`
	Subtotal    model.Money       `json:"subtotal"`
	Discount    model.Money       `json:"discount"`
	Total       model.Money       `json:"total"`
	Rate        decimal.Decimal   `json:"rate"`
	Allocations model.Allocations `json:"allocations,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	TS          int64             `json:"ts"`
}

// NowUnix returns current time in epoch milliseconds. Split for testability.
var NowUnix = func() int64 { return time.Now().UTC().UnixMilli() }

// FromOrder builds the event for a terminal order.
func FromOrder(o *model.Order) Event {
	typ := TypeFailed
	switch o.Status {
	case model.StatusCommitted:
		typ = TypeCommitted
	case model.StatusRejected:
		typ = TypeRejected
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Subtotal:    o.Subtotal,
		Discount:    o.Discount,
		Total:       o.Total,
		Rate:        o.Rate,
		Allocations: o.Allocations.Clone(),
		Reason:      o.Reason,
		TS:          NowUnix(),
	}
}

type Publisher interface {
	Publish(ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }

// MultiPublisher fans out events to multiple underlying publishers.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(ps ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: ps}
}

func (m *MultiPublisher) Publish(ev Event) error {
	for _, p := range m.pubs {
		if err := p.Publish(ev); err != nil {
			return err
		}
	}
	return nil
}

// StreamPublisher writes events as JSON lines to w.
type StreamPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStreamPublisher(w io.Writer) *StreamPublisher {
	return &StreamPublisher{enc: json.NewEncoder(w)}
}

func (s *StreamPublisher) Publish(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(&ev); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}
