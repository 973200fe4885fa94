package service

import (
	"time"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

type Options struct {
	EnforceTransitions bool
	CallTimeout        time.Duration
}

type Service struct {
	Registry RegistryServiceInterface
	Orders   OrderServiceInterface
	Router   RouterInterface
}

func New(repo *repository.Repository, verifier auth.Verifier, emitter Emitter, opts Options) *Service {
	registry := NewRegistry(repo.SocketRepo)
	orders := NewOrderService(repo.OrderRepo, opts.EnforceTransitions)
	return &Service{
		Registry: registry,
		Orders:   orders,
		Router:   NewRouter(registry, orders, verifier, emitter, opts.CallTimeout),
	}
}
