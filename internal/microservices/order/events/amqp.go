package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the topic exchange order events are published to.
	Exchange    = "orders_topic"
	contentType = "application/json"
)

type amqpPublisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, contentType string, persistent bool) error
}

type AMQPPublisher struct {
	client   amqpPublisher
	exchange string
}

func NewAMQPPublisher(client amqpPublisher, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = Exchange
	}
	return &AMQPPublisher{client: client, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev OrderEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers := amqp.Table{
		"event_id":  ev.ID,
		"tenant_id": ev.TenantID,
		"order_id":  ev.OrderID,
	}
	if err := p.client.Publish(ctx, p.exchange, ev.Type.RoutingKey(), body, headers, contentType, true); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.exchange, err)
	}
	return nil
}
