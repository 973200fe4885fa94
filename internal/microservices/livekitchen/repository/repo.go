package repository

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateConnection   = errors.New("connection already registered with a different role or entity")
	ErrNotCustomerConnection = errors.New("connection is not a customer connection")
	ErrInsertFailed          = errors.New("order insert failed")
	ErrInvalidKey            = errors.New("id contains a reserved character")
)

type Repository struct {
	SocketRepo SocketRepositoryInterface
	OrderRepo  OrderRepositoryInterface
}

func New(sockets SocketRepositoryInterface, orders OrderRepositoryInterface) *Repository {
	return &Repository{
		SocketRepo: sockets,
		OrderRepo:  orders,
	}
}
