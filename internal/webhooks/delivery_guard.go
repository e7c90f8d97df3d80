package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/rampledger/pkg/redis"
)

// DeliveryGuard short-circuits exact re-deliveries of the same provider event.
// It only saves work; correctness rests on the ledger's atomic primitives.
type DeliveryGuard struct {
	store redis.DeliveryStore
	ttl   time.Duration
}

// NewDeliveryGuard builds a guard whose delivery keys expire after ttl. A zero ttl keeps keys
// until they are removed.
func NewDeliveryGuard(store redis.DeliveryStore, ttl time.Duration) (*DeliveryGuard, error) {
	if store == nil {
		return nil, errors.New("delivery store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &DeliveryGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true when the event was already claimed by an earlier delivery.
func (g *DeliveryGuard) CheckAndMark(ctx context.Context, event PaymentEvent) (bool, error) {
	if event.ExternalID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.key(event), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set delivery key: %w", err)
	}
	return !set, nil
}

// Release forgets the delivery so the provider's retry is processed.
func (g *DeliveryGuard) Release(ctx context.Context, event PaymentEvent) error {
	if event.ExternalID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.key(event))
}

func (g *DeliveryGuard) key(event PaymentEvent) string {
	return g.store.DeliveryKey(event.DeliveryKey())
}
