package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"tableside/internal/common/logger"
	"tableside/internal/metrics"
	"tableside/internal/microservices/order/domain"
	"tableside/internal/microservices/order/events"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// StatusSetter is the part of the order service the kitchen drives.
type StatusSetter interface {
	SetStatus(ctx context.Context, tenantID, orderID string, status domain.Status, changedBy string) (*domain.Order, error)
}

type consumer interface {
	Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan amqp091.Delivery, error)
}

type KitchenServiceInterface interface {
	Run(ctx context.Context) error
}

type KitchenService struct {
	orders   StatusSetter
	consumer consumer
	log      *logger.Logger
	metrics  *metrics.Registry

	WorkerName string
	Queue      string
	Prefetch   int
	CookDelay  time.Duration

	// cook waits out the cook delay; replaced in tests
	cook func(ctx context.Context, d time.Duration) error
}

func NewKitchenService(orders StatusSetter, c consumer, lg *logger.Logger, m *metrics.Registry,
	workerName, queue string, prefetch int, cookDelay time.Duration) *KitchenService {
	if prefetch <= 0 {
		prefetch = 1
	}
	if lg == nil {
		lg = logger.Nop()
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &KitchenService{
		orders:     orders,
		consumer:   c,
		log:        lg,
		metrics:    m,
		WorkerName: workerName,
		Queue:      queue,
		Prefetch:   prefetch,
		CookDelay:  cookDelay,
		cook:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ks *KitchenService) Run(ctx context.Context) error {
	if strings.TrimSpace(ks.WorkerName) == "" {
		return fmt.Errorf("worker name is empty: pass --worker-name")
	}
	if strings.TrimSpace(ks.Queue) == "" {
		return fmt.Errorf("queue name is empty")
	}

	msgs, err := ks.consumer.Consume(ctx, ks.Queue, ks.WorkerName, ks.Prefetch)
	if err != nil {
		return err
	}
	ks.log.Info("worker_started", map[string]any{"queue": ks.Queue, "prefetch": ks.Prefetch, "worker": ks.WorkerName})

	for d := range msgs {
		err := ks.processOne(ctx, d.Body)
		switch {
		case err == nil:
			ks.metrics.KitchenProcessed.WithLabelValues("ack").Inc()
			_ = d.Ack(false)
		case errors.Is(err, ErrDLQ):
			ks.metrics.KitchenProcessed.WithLabelValues("dead_letter").Inc()
			_ = d.Nack(false, false)
		default:
			ks.metrics.KitchenProcessed.WithLabelValues("requeue").Inc()
			_ = d.Nack(false, true)
		}
	}

	ks.log.Info("graceful_shutdown", map[string]any{"worker": ks.WorkerName})
	return nil
}

// processOne moves a freshly submitted order through the kitchen:
// placed -> preparing now, preparing -> served after the cook delay.
func (ks *KitchenService) processOne(ctx context.Context, body []byte) error {
	var ev events.OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		ks.log.Warn("malformed_message", map[string]any{"error": err.Error()})
		return ErrDLQ
	}
	if ev.TenantID == "" || ev.OrderID == "" {
		ks.log.Warn("malformed_message", map[string]any{"reason": "missing tenantId or orderId"})
		return ErrDLQ
	}
	if ev.Type != events.TypeCreated && ev.Type != events.TypeItemsAdded {
		return nil
	}

	// 1) -> preparing
	if err := ks.advance(ctx, ev, domain.StatusPreparing); err != nil {
		return ks.outcome(ev, err)
	}
	ks.log.Debug("order_processing_started", map[string]any{"order_id": ev.OrderID, "worker": ks.WorkerName})

	// 2) cooking
	if err := ks.cook(ctx, ks.CookDelay); err != nil {
		return ErrRequeue
	}

	// 3) -> served
	if err := ks.advance(ctx, ev, domain.StatusServed); err != nil {
		return ks.outcome(ev, err)
	}
	ks.log.Debug("order_served", map[string]any{"order_id": ev.OrderID, "worker": ks.WorkerName})
	return nil
}

func (ks *KitchenService) advance(ctx context.Context, ev events.OrderEvent, to domain.Status) error {
	_, err := ks.orders.SetStatus(ctx, ev.TenantID, ev.OrderID, to, ks.WorkerName)
	return err
}

// outcome maps a failed transition to the delivery's fate. An order that has
// moved past this step or closed makes the message obsolete; unknown orders
// never become known, so they are dead-lettered.
func (ks *KitchenService) outcome(ev events.OrderEvent, err error) error {
	switch domain.KindOf(err) {
	case domain.KindInvalidTransition, domain.KindClosed:
		ks.log.Debug("message_superseded", map[string]any{"order_id": ev.OrderID, "reason": err.Error()})
		return nil
	case domain.KindNotFound, domain.KindInvalidRequest:
		ks.log.Warn("message_dead_lettered", map[string]any{"order_id": ev.OrderID, "reason": err.Error()})
		return ErrDLQ
	}
	ks.log.Error("transition_failed", err, map[string]any{"order_id": ev.OrderID})
	return ErrRequeue
}
