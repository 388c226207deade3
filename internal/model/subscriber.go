package model

import (
	"time"

	"github.com/google/uuid"
)

type Subscriber struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type SubscriberSummary struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Active      bool      `json:"active"`
}

func (s Subscriber) Summary() SubscriberSummary {
	return SubscriberSummary{ID: s.ID, PhoneNumber: s.PhoneNumber, Active: s.Active}
}
