package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-relay/internal/model"
)

const messageSelect = `
	SELECT m.id, m.content, m.sender_id, m.receiver_id, m.created_at,
	       s.phone_number, s.active,
	       r.phone_number, r.active
	FROM messages m
	JOIN subscribers s ON s.id = m.sender_id
	JOIN subscribers r ON r.id = m.receiver_id
`

type PostgresMessageRepo struct {
	db DBTX
}

func NewPostgresMessageRepo(db DBTX) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, senderID, receiverID uuid.UUID, content string) (model.Message, error) {
	m := model.Message{
		ID:         uuid.New(),
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, content, sender_id, receiver_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at
	`, m.ID, m.Content, m.SenderID, m.ReceiverID).Scan(&m.CreatedAt)
	if err != nil {
		return model.Message{}, storeErr("insert message", err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) ListAll(ctx context.Context) ([]model.Message, error) {
	msgs, err := r.list(ctx, messageSelect+`
		ORDER BY m.created_at DESC
	`)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) ListConversation(ctx context.Context, a, b uuid.UUID) ([]model.Message, error) {
	msgs, err := r.list(ctx, messageSelect+`
		WHERE (m.sender_id = $1 AND m.receiver_id = $2)
		   OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.created_at DESC
	`, a, b)
	if err != nil {
		return nil, storeErr("list conversation", err)
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var m model.Message
		var sender, receiver model.SubscriberSummary

		if err := rows.Scan(
			&m.ID,
			&m.Content,
			&m.SenderID,
			&m.ReceiverID,
			&m.CreatedAt,
			&sender.PhoneNumber,
			&sender.Active,
			&receiver.PhoneNumber,
			&receiver.Active,
		); err != nil {
			return nil, err
		}

		sender.ID = m.SenderID
		receiver.ID = m.ReceiverID
		m.Sender = &sender
		m.Receiver = &receiver

		out = append(out, m)
	}
	return out, rows.Err()
}
