package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/microservices/order/domain"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

type published struct {
	exchange, key string
	body          []byte
	headers       amqp.Table
	persistent    bool
}

type fakeAMQP struct {
	got []published
	err error
}

func (f *fakeAMQP) Publish(_ context.Context, exchange, key string, body []byte, headers amqp.Table, _ string, persistent bool) error {
	f.got = append(f.got, published{exchange, key, body, headers, persistent})
	return f.err
}

func sampleEvent() OrderEvent {
	return OrderEvent{
		ID:       "ev-1",
		Type:     TypeItemsAdded,
		TenantID: "restro10",
		OrderID:  "o-1",
		Status:   domain.StatusPlaced,
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "orders.created", TypeCreated.RoutingKey())
	assert.Equal(t, "orders.status_changed", TypeStatusChanged.RoutingKey())
	assert.Equal(t, "orders.custom", Type("custom").RoutingKey())
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := newKafkaPublisherWith(w)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "o-1", string(msg.Key))
	assert.Equal(t, kafka.Header{Key: "type", Value: []byte("order.items_added")}, msg.Headers[0])

	var decoded OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ev-1", decoded.ID)

	w.err = errors.New("leader not available")
	assert.ErrorIs(t, p.Publish(context.Background(), sampleEvent()), w.err)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestAMQPPublisher(t *testing.T) {
	c := &fakeAMQP{}
	p := NewAMQPPublisher(c, "")

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, c.got, 1)
	got := c.got[0]
	assert.Equal(t, Exchange, got.exchange)
	assert.Equal(t, "orders.items_added", got.key)
	assert.True(t, got.persistent)
	assert.Equal(t, "o-1", got.headers["order_id"])
	assert.Contains(t, string(got.body), `"type":"order.items_added"`)
}

func TestMulti(t *testing.T) {
	ok := &fakeAMQP{}
	broken := &fakeAMQP{err: errors.New("channel closed")}
	m := Multi{NewAMQPPublisher(broken, ""), NewAMQPPublisher(ok, "")}

	err := m.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.err)
	assert.Len(t, ok.got, 1, "a failing publisher does not stop the others")

	assert.NoError(t, Multi{}.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, Nop{}.Publish(context.Background(), sampleEvent()))
}
