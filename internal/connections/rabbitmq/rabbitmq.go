package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string // default "/"
	UseTLS   bool
}

// confirmBuffer holds confirms for publishes whose caller stopped waiting, so
// the connection reader never blocks on a full notify channel.
const confirmBuffer = 64

// publishChannel is the part of *amqp.Channel that Publish uses.
type publishChannel interface {
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Client owns one connection and a confirm-mode channel used for publishing.
// Consumers get their own channels from Consume.
type Client struct {
	conn *amqp.Connection
	ch   publishChannel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while waiting for confirms
}

func (c *Client) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func URL(cfg Config) string {
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	vhost := cfg.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, cfg.User, cfg.Password, cfg.Host, cfg.Port, vhost)
}

func Dial(cfg Config) (*Client, error) {
	url := URL(cfg)

	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(url, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	// publisher confirms
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	return &Client{conn: conn, ch: ch, acks: acks}, nil
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Publish sends one message and waits for the broker's ack or nack of that
// message. Confirms left over from publishes abandoned on ctx are skipped by
// delivery tag.
func (c *Client) Publish(ctx context.Context, exchange, key string,
	body []byte, headers amqp.Table, contentType string, persistent bool) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	tag := c.ch.GetNextPublishSeqNo()
	if err := c.ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: mode,
			ContentType:  contentType,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		},
	); err != nil {
		return err
	}

	for {
		select {
		case conf, ok := <-c.acks:
			if !ok {
				return errors.New("publish channel closed before confirm")
			}
			if conf.DeliveryTag < tag {
				continue // stale
			}
			if conf.Ack {
				return nil
			}
			return errors.New("publish NACK from broker")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Binding routes Exchange messages matching Key into Queue.
type Binding struct {
	Queue string
	Key   string
}

// Topology is the set of exchanges and queues a process expects. Declaring it
// is idempotent. Every queue gets a dead-letter queue named <queue>.dlq.
type Topology struct {
	Exchange string
	Bindings []Binding
}

func (c *Client) DeclareTopology(t Topology) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	dlx := t.Exchange + ".dlx"
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	declared := make(map[string]bool)
	for _, b := range t.Bindings {
		if !declared[b.Queue] {
			dlq := b.Queue + ".dlq"
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
				return fmt.Errorf("queue declare %s: %w", dlq, err)
			}
			if err := ch.QueueBind(dlq, b.Queue, dlx, false, nil); err != nil {
				return fmt.Errorf("queue bind %s: %w", dlq, err)
			}
			args := amqp.Table{
				"x-dead-letter-exchange":    dlx,
				"x-dead-letter-routing-key": b.Queue,
			}
			if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
				return fmt.Errorf("queue declare %s: %w", b.Queue, err)
			}
			declared[b.Queue] = true
		}
		if err := ch.QueueBind(b.Queue, b.Key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s -> %s: %w", b.Key, b.Queue, err)
		}
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and starts
// consuming queue with manual acks. The channel closes when ctx is done.
func (c *Client) Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	go func() {
		<-ctx.Done()
		_ = ch.Cancel(consumer, false)
		_ = ch.Close()
	}()
	return msgs, nil
}
