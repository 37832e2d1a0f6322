package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"tableside/internal/common/logger"
	"tableside/internal/microservices/order/events"
)

type consumer interface {
	Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan amqp091.Delivery, error)
}

// NotificatorService turns order events into one log line each for staff dashboards.
type NotificatorService struct {
	consumer consumer
	log      *logger.Logger
	queue    string
}

func NewNotificatorService(c consumer, lg *logger.Logger, queue string) *NotificatorService {
	if lg == nil {
		lg = logger.Nop()
	}
	return &NotificatorService{consumer: c, log: lg, queue: queue}
}

func (ns *NotificatorService) Notify(ctx context.Context) error {
	msgs, err := ns.consumer.Consume(ctx, ns.queue, "notificator", 10)
	if err != nil {
		return err
	}
	for d := range msgs {
		if err := ns.handle(d.Body); err != nil {
			ns.log.Warn("malformed_notification", map[string]any{"error": err.Error()})
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
	return nil
}

func (ns *NotificatorService) handle(body []byte) error {
	var ev events.OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return err
	}
	if ev.OrderID == "" || ev.Type == "" {
		return fmt.Errorf("event without orderId or type")
	}
	ns.log.Info("notification_received", map[string]any{
		"event_type": string(ev.Type),
		"order_id":   ev.OrderID,
		"tenant_id":  ev.TenantID,
		"table_id":   ev.TableID,
		"text":       Describe(ev),
	})
	return nil
}

// Describe renders ev as a short sentence for staff.
func Describe(ev events.OrderEvent) string {
	where := fmt.Sprintf("table %s", ev.TableID)
	switch ev.Type {
	case events.TypeCreated:
		return fmt.Sprintf("New order %s at %s with %d item(s)", ev.OrderID, where, itemCount(ev))
	case events.TypeItemsAdded:
		return fmt.Sprintf("Items added to order %s at %s, now %d item(s)", ev.OrderID, where, itemCount(ev))
	case events.TypeStatusChanged:
		by := ""
		if strings.TrimSpace(ev.ChangedBy) != "" {
			by = " by " + ev.ChangedBy
		}
		return fmt.Sprintf("Order %s at %s changed from %s to %s%s", ev.OrderID, where, ev.PreviousStatus, ev.Status, by)
	case events.TypeBilled:
		return fmt.Sprintf("Order %s at %s billed", ev.OrderID, where)
	case events.TypeClosed:
		return fmt.Sprintf("Order %s at %s closed", ev.OrderID, where)
	}
	return fmt.Sprintf("Order %s: %s", ev.OrderID, ev.Type)
}

func itemCount(ev events.OrderEvent) int {
	if ev.Order == nil {
		return 0
	}
	n := 0
	for _, it := range ev.Order.Items {
		n += it.Quantity
	}
	return n
}
