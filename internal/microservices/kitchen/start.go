package kitchen

import (
	"context"
	"errors"

	"tableside/internal/common/logger"
	"tableside/internal/config"
	"tableside/internal/microservices/kitchen/service"
	"tableside/internal/microservices/order"
)

// Run consumes new work from the kitchen queue until ctx is done.
func Run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	if !cfg.RabbitMQ.Enabled {
		return errors.New("kitchen worker needs rabbitmq.enabled: true")
	}
	rt, err := order.Bootstrap(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := service.Service{KitchenService: service.NewKitchenService(
		rt.Service.OrderService,
		rt.RMQ,
		lg.With(map[string]any{"worker": cfg.Kitchen.WorkerName}),
		rt.Metrics,
		cfg.Kitchen.WorkerName,
		order.KitchenQueue,
		cfg.Kitchen.Prefetch,
		cfg.Kitchen.CookDelay,
	)}
	return svc.KitchenService.Run(ctx)
}
