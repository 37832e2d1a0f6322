package notificator

import (
	"context"
	"errors"
	"fmt"

	"tableside/internal/common/logger"
	"tableside/internal/config"
	"tableside/internal/connections/rabbitmq"
	"tableside/internal/microservices/notificator/service"
	"tableside/internal/microservices/order"
)

// Start logs every order event until ctx is done.
func Start(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	if !cfg.RabbitMQ.Enabled {
		return errors.New("notification subscriber needs rabbitmq.enabled: true")
	}
	client, err := rabbitmq.Dial(rabbitmq.Config{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
		UseTLS:   cfg.RabbitMQ.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer client.Close()
	if err := client.DeclareTopology(order.Topology(cfg.RabbitMQ.Exchange)); err != nil {
		return err
	}

	svc := service.Service{NotificatorService: service.NewNotificatorService(client, lg, order.NotificationsQueue)}
	return svc.NotificatorService.Notify(ctx)
}
