package repository

import (
	"context"
	"errors"

	"github.com/fjod/storefront-cart/internal/domain"
)

var (
	ErrCartNotFound     = errors.New("cart not found")
	ErrLineNotFound     = errors.New("line not found in cart")
	ErrConcurrentUpdate = errors.New("cart changed concurrently, retries exhausted")
)

// LineUpdate addresses a line by id. Color and Size, when non-nil, must match
// the stored selectors for the update to apply. An empty Email searches all carts.
type LineUpdate struct {
	Email    string
	LineID   string
	Color    *string
	Size     *string
	Quantity int
}

// LineRef is a stored line together with the email of the cart holding it.
type LineRef struct {
	Email string
	Line  domain.CartLine
}

// CartRepository defines the interface for cart data operations
// Consumers define this interface, not the MongoDB implementation
type CartRepository interface {
	GetCart(ctx context.Context, email string) (*domain.Cart, error)
	// AddLine inserts line, or merges its quantity into the line with the same
	// key. It returns the stored line and whether a merge happened.
	AddLine(ctx context.Context, email string, line domain.CartLine) (domain.CartLine, bool, error)
	UpdateLineQuantity(ctx context.Context, upd LineUpdate) (LineRef, error)
	// RemoveLine deletes the line by id and returns it as it was stored.
	RemoveLine(ctx context.Context, email, lineID string) (LineRef, error)
	DeleteCart(ctx context.Context, email string) error
}
