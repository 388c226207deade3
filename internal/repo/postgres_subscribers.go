package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
	"github.com/LeventeLantos/sms-relay/internal/model"
)

const subscriberColumns = `id, phone_number, active, created_at, updated_at`

type PostgresSubscriberRepo struct {
	db DBTX
}

func NewPostgresSubscriberRepo(db DBTX) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

func (r *PostgresSubscriberRepo) UpsertActive(ctx context.Context, phone string) (model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO subscribers (id, phone_number, active, created_at, updated_at)
		VALUES ($1, $2, true, now(), now())
		ON CONFLICT (phone_number)
		DO UPDATE SET active = true, updated_at = now()
		RETURNING `+subscriberColumns, uuid.New(), phone)

	sub, err := scanSubscriber(row)
	if err != nil {
		return model.Subscriber{}, storeErr("upsert subscriber", err)
	}
	return sub, nil
}

func (r *PostgresSubscriberRepo) Ensure(ctx context.Context, phone string, active bool) (model.Subscriber, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO subscribers (id, phone_number, active, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (phone_number) DO NOTHING
		RETURNING `+subscriberColumns, uuid.New(), phone, active)

	sub, err := scanSubscriber(row)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Subscriber{}, false, storeErr("ensure subscriber", err)
	}

	// Lost the race or the row already existed.
	sub, err = r.FindByPhone(ctx, phone)
	if err != nil {
		return model.Subscriber{}, false, err
	}
	return sub, false, nil
}

func (r *PostgresSubscriberRepo) FindByPhone(ctx context.Context, phone string) (model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		WHERE phone_number = $1
	`, phone)

	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscriber{}, fmt.Errorf("subscriber %s: %w", phone, apperrors.ErrNotFound)
	}
	if err != nil {
		return model.Subscriber{}, storeErr("find subscriber", err)
	}
	return sub, nil
}

func (r *PostgresSubscriberRepo) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	subs, err := r.list(ctx, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		WHERE active
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, storeErr("list active subscribers", err)
	}
	return subs, nil
}

func (r *PostgresSubscriberRepo) ListAll(ctx context.Context) ([]model.Subscriber, error) {
	subs, err := r.list(ctx, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, storeErr("list subscribers", err)
	}
	return subs, nil
}

func (r *PostgresSubscriberRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscribers
		SET active = $2, updated_at = now()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return storeErr("set subscriber active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("set subscriber active", err)
	}
	if n == 0 {
		return fmt.Errorf("subscriber %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (r *PostgresSubscriberRepo) list(ctx context.Context, query string, args ...any) ([]model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(s scanner) (model.Subscriber, error) {
	var sub model.Subscriber
	err := s.Scan(
		&sub.ID,
		&sub.PhoneNumber,
		&sub.Active,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	return sub, err
}
