package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/common/logger"
	"tableside/internal/metrics"
	"tableside/internal/microservices/order/domain"
	"tableside/internal/microservices/order/events"
)

type transition struct {
	orderID string
	status  domain.Status
	by      string
}

type fakeOrders struct {
	mu    sync.Mutex
	calls []transition
	errs  map[domain.Status]error
}

func (f *fakeOrders) SetStatus(_ context.Context, _, orderID string, status domain.Status, changedBy string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transition{orderID, status, changedBy})
	if err := f.errs[status]; err != nil {
		return nil, err
	}
	return &domain.Order{ID: orderID, Status: status}, nil
}

// fakeAcker records how each delivery was settled.
type fakeAcker struct {
	mu      sync.Mutex
	settled map[uint64]string
}

func (a *fakeAcker) set(tag uint64, v string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = v
	return nil
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error { return a.set(tag, "ack") }
func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return a.set(tag, "requeue")
	}
	return a.set(tag, "dead_letter")
}
func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeConsumer struct {
	msgs chan amqp091.Delivery
}

func (c *fakeConsumer) Consume(context.Context, string, string, int) (<-chan amqp091.Delivery, error) {
	return c.msgs, nil
}

func body(t *testing.T, ev events.OrderEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func newTestKitchen(orders StatusSetter, c consumer, m *metrics.Registry) *KitchenService {
	ks := NewKitchenService(orders, c, logger.Nop(), m, "chef-1", "kitchen_queue", 1, time.Hour)
	ks.cook = func(context.Context, time.Duration) error { return nil }
	return ks
}

func TestProcessOne_CooksNewOrders(t *testing.T) {
	orders := &fakeOrders{}
	ks := newTestKitchen(orders, nil, nil)

	ev := events.OrderEvent{Type: events.TypeCreated, TenantID: "restro10", OrderID: "o-1"}
	require.NoError(t, ks.processOne(context.Background(), body(t, ev)))
	assert.Equal(t, []transition{
		{"o-1", domain.StatusPreparing, "chef-1"},
		{"o-1", domain.StatusServed, "chef-1"},
	}, orders.calls)
}

func TestProcessOne_Outcomes(t *testing.T) {
	good := events.OrderEvent{Type: events.TypeItemsAdded, TenantID: "restro10", OrderID: "o-1"}

	cases := []struct {
		name string
		body []byte
		errs map[domain.Status]error
		want error
	}{
		{name: "malformed", body: []byte("{"), want: ErrDLQ},
		{name: "missing ids", body: body(t, events.OrderEvent{Type: events.TypeCreated}), want: ErrDLQ},
		{name: "other event types are ignored", body: body(t, events.OrderEvent{Type: events.TypeBilled, TenantID: "r", OrderID: "o"}), want: nil},
		{name: "already past preparing", body: body(t, good),
			errs: map[domain.Status]error{domain.StatusPreparing: domain.InvalidTransition(domain.StatusServed, domain.StatusPreparing)}},
		{name: "closed", body: body(t, good),
			errs: map[domain.Status]error{domain.StatusServed: domain.Closed("o-1")}},
		{name: "unknown order", body: body(t, good),
			errs: map[domain.Status]error{domain.StatusPreparing: domain.NotFound("order o-1 not found")}, want: ErrDLQ},
		{name: "store down", body: body(t, good),
			errs: map[domain.Status]error{domain.StatusPreparing: domain.Wrap(domain.KindUnavailable, errors.New("dial tcp"), "db")}, want: ErrRequeue},
		{name: "conflict", body: body(t, good),
			errs: map[domain.Status]error{domain.StatusServed: domain.Errorf(domain.KindConflict, "busy")}, want: ErrRequeue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ks := newTestKitchen(&fakeOrders{errs: tc.errs}, nil, nil)
			err := ks.processOne(context.Background(), tc.body)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestProcessOne_InterruptedCookRequeues(t *testing.T) {
	orders := &fakeOrders{}
	ks := newTestKitchen(orders, nil, nil)
	ks.cook = func(context.Context, time.Duration) error { return context.Canceled }

	ev := events.OrderEvent{Type: events.TypeCreated, TenantID: "restro10", OrderID: "o-1"}
	assert.ErrorIs(t, ks.processOne(context.Background(), body(t, ev)), ErrRequeue)
	assert.Len(t, orders.calls, 1)
}

func TestRun_SettlesDeliveries(t *testing.T) {
	acker := &fakeAcker{settled: map[uint64]string{}}
	c := &fakeConsumer{msgs: make(chan amqp091.Delivery, 3)}
	m := metrics.NewRegistry()
	orders := &fakeOrders{errs: map[domain.Status]error{}}
	ks := newTestKitchen(orders, c, m)

	ok := events.OrderEvent{Type: events.TypeCreated, TenantID: "restro10", OrderID: "o-1"}
	c.msgs <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body(t, ok)}
	c.msgs <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("not json")}
	close(c.msgs)

	require.NoError(t, ks.Run(context.Background()))
	assert.Equal(t, map[uint64]string{1: "ack", 2: "dead_letter"}, acker.settled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KitchenProcessed.WithLabelValues("ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KitchenProcessed.WithLabelValues("dead_letter")))
}

func TestRun_RequiresWorkerName(t *testing.T) {
	ks := NewKitchenService(&fakeOrders{}, &fakeConsumer{}, nil, nil, " ", "kitchen_queue", 0, 0)
	assert.Error(t, ks.Run(context.Background()))
}
