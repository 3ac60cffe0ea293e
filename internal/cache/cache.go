package cache

import (
	"context"
	"errors"

	"github.com/fjod/storefront-cart/internal/domain"
)

// CartCache holds cart snapshots keyed by account email.
type CartCache interface {
	Get(ctx context.Context, email string) (*domain.Cart, error)
	Set(ctx context.Context, email string, cart *domain.Cart) error
	// Delete drops the snapshot and advances the email's version.
	Delete(ctx context.Context, email string) error
	// Version is read before loading the cart that SetIfVersion will store.
	Version(ctx context.Context, email string) (int64, error)
	// SetIfVersion stores cart unless Delete ran after version was read, in
	// which case it returns ErrStale.
	SetIfVersion(ctx context.Context, email string, cart *domain.Cart, version int64) error
}

var (
	ErrCacheMiss = errors.New("cache miss")
	ErrStale     = errors.New("cache entry is stale")
)
