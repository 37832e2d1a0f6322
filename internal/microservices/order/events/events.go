package events

import (
	"context"
	"errors"
	"time"

	"tableside/internal/microservices/order/domain"
)

type Type string

const (
	TypeCreated       Type = "order.created"
	TypeItemsAdded    Type = "order.items_added"
	TypeStatusChanged Type = "order.status_changed"
	TypeBilled        Type = "order.billed"
	TypeClosed        Type = "order.closed"
)

// RoutingKey is the topic exchange key for t: "order.created" -> "orders.created".
func (t Type) RoutingKey() string {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return "orders" + s[i:]
		}
	}
	return "orders." + s
}

// OrderEvent is published after a committed change to an order. Order carries
// the full snapshot at commit time.
type OrderEvent struct {
	ID             string        `json:"eventId"`
	Type           Type          `json:"type"`
	TenantID       string        `json:"tenantId"`
	OrderID        string        `json:"orderId"`
	TableID        string        `json:"tableId"`
	SessionID      string        `json:"sessionId"`
	Status         domain.Status `json:"status"`
	PreviousStatus domain.Status `json:"previousStatus,omitempty"`
	ChangedBy      string        `json:"changedBy,omitempty"`
	Order          *domain.Order `json:"order,omitempty"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

type Nop struct{}

func (Nop) Publish(context.Context, OrderEvent) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev OrderEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
