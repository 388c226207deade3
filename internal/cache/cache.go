package cache

import (
	"context"
	"time"
)

// DefaultClaimTTL bounds how long an actioned proposal id is remembered.
const DefaultClaimTTL = 24 * time.Hour

// ClaimStore records ids that have been acted on. Claim returns true only
// for the first caller of a given id within the TTL.
type ClaimStore interface {
	Claim(ctx context.Context, id string) (bool, error)
}
