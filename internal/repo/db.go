package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repos groups repositories bound to the same connection or transaction.
type Repos struct {
	Subscribers SubscriberRepository
	Messages    MessageRepository
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(Repos) error) error
}

type Store struct {
	db *sql.DB
}

// Open connects to Postgres through the pgx database/sql driver and verifies
// the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Repos() Repos {
	return Repos{
		Subscribers: NewPostgresSubscriberRepo(s.db),
		Messages:    NewPostgresMessageRepo(s.db),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(Repos{
		Subscribers: NewPostgresSubscriberRepo(tx),
		Messages:    NewPostgresMessageRepo(tx),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
}
