package service

import (
	"tableside/internal/microservices/order/repository"
)

type Service struct {
	OrderService OrderServiceInterface
}

func New(db *repository.Repository, opts Options) *Service {
	return &Service{
		OrderService: NewOrderService(db.OrderRepo, opts),
	}
}
