package service

import "context"

// transactor runs a unit of work atomically; *database.Transactor satisfies it.
type transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type noopTransactor struct{}

func (noopTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
