package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-relay/internal/model"
)

type SubscriberRepository interface {
	// UpsertActive creates the subscriber as active, or reactivates it, in a
	// single statement keyed by phone.
	UpsertActive(ctx context.Context, phone string) (model.Subscriber, error)
	// Ensure returns the subscriber for phone, creating it with the given
	// active flag when absent. created reports whether this call inserted it.
	Ensure(ctx context.Context, phone string, active bool) (sub model.Subscriber, created bool, err error)
	FindByPhone(ctx context.Context, phone string) (model.Subscriber, error)
	ListActive(ctx context.Context) ([]model.Subscriber, error)
	ListAll(ctx context.Context) ([]model.Subscriber, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
