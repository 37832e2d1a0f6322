package order

import (
	"context"
	"fmt"
	"strconv"

	"tableside/internal/common/httpx"
	"tableside/internal/common/logger"
	"tableside/internal/config"
	"tableside/internal/connections/database"
	"tableside/internal/connections/rabbitmq"
	"tableside/internal/connections/redislock"
	"tableside/internal/metrics"
	"tableside/internal/microservices/order/events"
	"tableside/internal/microservices/order/handlers"
	"tableside/internal/microservices/order/repository"
	"tableside/internal/microservices/order/service"
)

// Runtime is the wired order engine shared by the HTTP server and the kitchen worker.
type Runtime struct {
	Service *service.Service
	Metrics *metrics.Registry
	RMQ     *rabbitmq.Client
	Health  map[string]handlers.Pinger
	closers []func()
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

type rmqPinger struct{ c *rabbitmq.Client }

func (p rmqPinger) Ping(context.Context) error { return p.c.Ping() }

type redisPinger struct{ ping func(ctx context.Context) error }

func (p redisPinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// Bootstrap connects storage, locks and publishers from cfg and builds the
// order service on top of them.
func Bootstrap(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Runtime, error) {
	rt := &Runtime{Metrics: metrics.NewRegistry(), Health: map[string]handlers.Pinger{}}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	// 1. Storage
	var repo *repository.Repository
	if cfg.Database.Driver == "memory" {
		repo = repository.NewInMemory()
		lg.Warn("memory_store", map[string]any{"note": "orders are lost on restart"})
	} else {
		db, err := database.OpenAndMigrate(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		repo = repository.New(db, database.Dialect(cfg.Database), lg.With(map[string]any{"component": "repository"}))
		lg.Info("db_connected", map[string]any{"driver": cfg.Database.Driver})
	}
	rt.Health["database"] = repo.OrderRepo

	// 2. Key locks
	var locker service.Locker = service.NewKeyedLocker()
	if cfg.Engine.LockBackend == "redis" {
		rdb, err := redislock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
		rt.Health["redis"] = redisPinger{ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
		locker = redislock.New(rdb, "tableside:lock:", cfg.Redis.LockTTL)
		lg.Info("redis_connected", map[string]any{"addr": cfg.Redis.Addr})
	}

	// 3. Event publishers
	var pubs events.Multi
	if cfg.RabbitMQ.Enabled {
		client, err := rabbitmq.Dial(rabbitmq.Config{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			UseTLS:   cfg.RabbitMQ.UseTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		if err := client.DeclareTopology(Topology(cfg.RabbitMQ.Exchange)); err != nil {
			return nil, err
		}
		rt.RMQ = client
		rt.Health["rabbitmq"] = rmqPinger{c: client}
		pubs = append(pubs, events.NewAMQPPublisher(client, cfg.RabbitMQ.Exchange))
		lg.Info("rabbitmq_connected", map[string]any{"host": cfg.RabbitMQ.Host, "exchange": cfg.RabbitMQ.Exchange})
	}
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		rt.closers = append(rt.closers, func() { _ = kp.Close() })
		pubs = append(pubs, kp)
		lg.Info("kafka_enabled", map[string]any{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic})
	}
	var publisher events.Publisher = events.Nop{}
	if len(pubs) > 0 {
		publisher = pubs
	}

	// 4. Service
	rt.Service = service.New(repo, service.Options{
		MaxRetries: cfg.Engine.MaxRetries,
		Strict:     cfg.Engine.StrictTransitions,
		Locker:     locker,
		Publisher:  publisher,
		Metrics:    rt.Metrics,
		Logger:     lg.With(map[string]any{"component": "order-service"}),
	})
	ok = true
	return rt, nil
}

// Topology is the exchange layout every process declares: the kitchen queue
// gets new work, the notifications queue gets everything.
func Topology(exchange string) rabbitmq.Topology {
	if exchange == "" {
		exchange = events.Exchange
	}
	return rabbitmq.Topology{
		Exchange: exchange,
		Bindings: []rabbitmq.Binding{
			{Queue: KitchenQueue, Key: events.TypeCreated.RoutingKey()},
			{Queue: KitchenQueue, Key: events.TypeItemsAdded.RoutingKey()},
			{Queue: NotificationsQueue, Key: "orders.#"},
		},
	}
}

const (
	KitchenQueue       = "kitchen_queue"
	NotificationsQueue = "notifications_queue"
)

// Run serves the order HTTP API until ctx is done.
func Run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	rt, err := Bootstrap(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer rt.Close()

	handler := handlers.New(rt.Service, lg)
	router := handlers.NewRouter(handler, handlers.RouterOptions{
		MaxConcurrent:  cfg.Server.MaxConcurrent,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Metrics:        rt.Metrics,
		Logger:         lg.With(map[string]any{"component": "http"}),
		Health:         rt.Health,
	})

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	lg.Info("service_started", map[string]any{"addr": addr, "max_concurrent": cfg.Server.MaxConcurrent})
	return httpx.New(addr, router, cfg.Server.ShutdownTimeout).Run(ctx)
}
