// Package repotest provides an in-memory implementation of the repo
// interfaces for service and handler tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/repo"
)

type Store struct {
	mu          sync.Mutex
	subscribers map[string]*model.Subscriber
	messages    []model.Message
	clock       time.Time

	// Err, when set, is returned by every operation.
	Err error
}

var _ repo.TxRunner = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		subscribers: make(map[string]*model.Subscriber),
		clock:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *Store) Repos() repo.Repos {
	return repo.Repos{Subscribers: subscribers{s}, Messages: messages{s}}
}

// InTx runs fn against the same in-memory state. Writes are not rolled back
// on error.
func (s *Store) InTx(ctx context.Context, fn func(repo.Repos) error) error {
	if err := s.fail(); err != nil {
		return err
	}
	return fn(s.Repos())
}

// Seed inserts a subscriber directly.
func (s *Store) Seed(phone string, active bool) model.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.insertLocked(phone, active)
}

func (s *Store) Subscriber(phone string) (model.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return model.Subscriber{}, false
	}
	return *sub, true
}

func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) fail() error {
	if s.Err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, s.Err)
	}
	return nil
}

func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Store) insertLocked(phone string, active bool) *model.Subscriber {
	now := s.tick()
	sub := &model.Subscriber{
		ID:          uuid.New(),
		PhoneNumber: phone,
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.subscribers[phone] = sub
	return sub
}

func (s *Store) byIDLocked(id uuid.UUID) *model.Subscriber {
	for _, sub := range s.subscribers {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

type subscribers struct{ s *Store }

func (r subscribers) UpsertActive(ctx context.Context, phone string) (model.Subscriber, error) {
	if err := r.s.fail(); err != nil {
		return model.Subscriber{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sub, ok := r.s.subscribers[phone]; ok {
		sub.Active = true
		sub.UpdatedAt = r.s.tick()
		return *sub, nil
	}
	return *r.s.insertLocked(phone, true), nil
}

func (r subscribers) Ensure(ctx context.Context, phone string, active bool) (model.Subscriber, bool, error) {
	if err := r.s.fail(); err != nil {
		return model.Subscriber{}, false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sub, ok := r.s.subscribers[phone]; ok {
		return *sub, false, nil
	}
	return *r.s.insertLocked(phone, active), true, nil
}

func (r subscribers) FindByPhone(ctx context.Context, phone string) (model.Subscriber, error) {
	if err := r.s.fail(); err != nil {
		return model.Subscriber{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub, ok := r.s.subscribers[phone]
	if !ok {
		return model.Subscriber{}, fmt.Errorf("subscriber %s: %w", phone, apperrors.ErrNotFound)
	}
	return *sub, nil
}

func (r subscribers) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	return r.list(func(s *model.Subscriber) bool { return s.Active })
}

func (r subscribers) ListAll(ctx context.Context) ([]model.Subscriber, error) {
	return r.list(func(*model.Subscriber) bool { return true })
}

func (r subscribers) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := r.s.fail(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub := r.s.byIDLocked(id)
	if sub == nil {
		return fmt.Errorf("subscriber %s: %w", id, apperrors.ErrNotFound)
	}
	sub.Active = active
	sub.UpdatedAt = r.s.tick()
	return nil
}

func (r subscribers) list(keep func(*model.Subscriber) bool) ([]model.Subscriber, error) {
	if err := r.s.fail(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []model.Subscriber{}
	for _, sub := range r.s.subscribers {
		if keep(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type messages struct{ s *Store }

func (r messages) Insert(ctx context.Context, senderID, receiverID uuid.UUID, content string) (model.Message, error) {
	if err := r.s.fail(); err != nil {
		return model.Message{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.byIDLocked(senderID) == nil || r.s.byIDLocked(receiverID) == nil {
		return model.Message{}, fmt.Errorf("%w: dangling subscriber reference", apperrors.ErrStoreUnavailable)
	}

	m := model.Message{
		ID:         uuid.New(),
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  r.s.tick(),
	}
	r.s.messages = append(r.s.messages, m)
	return m, nil
}

func (r messages) ListAll(ctx context.Context) ([]model.Message, error) {
	return r.list(func(model.Message) bool { return true })
}

func (r messages) ListConversation(ctx context.Context, a, b uuid.UUID) ([]model.Message, error) {
	return r.list(func(m model.Message) bool {
		return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
	})
}

func (r messages) list(keep func(model.Message) bool) ([]model.Message, error) {
	if err := r.s.fail(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []model.Message{}
	for i := len(r.s.messages) - 1; i >= 0; i-- {
		m := r.s.messages[i]
		if !keep(m) {
			continue
		}
		if sub := r.s.byIDLocked(m.SenderID); sub != nil {
			summary := sub.Summary()
			m.Sender = &summary
		}
		if sub := r.s.byIDLocked(m.ReceiverID); sub != nil {
			summary := sub.Summary()
			m.Receiver = &summary
		}
		out = append(out, m)
	}
	return out, nil
}
