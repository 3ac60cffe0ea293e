package repository

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
)

// MemoryRepository implements CartRepository with in-memory storage. It backs
// local development runs and tests; a single mutex makes AddLine's
// match-or-insert atomic.
type MemoryRepository struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart // email -> cart
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		carts: make(map[string]*domain.Cart),
	}
}

func (r *MemoryRepository) GetCart(_ context.Context, email string) (*domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.carts[email]
	if !ok {
		return nil, ErrCartNotFound
	}
	return cart.Clone(), nil
}

func (r *MemoryRepository) AddLine(_ context.Context, email string, line domain.CartLine) (domain.CartLine, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cart, ok := r.carts[email]
	if !ok {
		cart = &domain.Cart{Email: email, Lines: []domain.CartLine{}, CreatedAt: now}
		r.carts[email] = cart
	}
	cart.UpdatedAt = now

	stored, merged := cart.Add(line)
	return stored, merged, nil
}

func (r *MemoryRepository) UpdateLineQuantity(_ context.Context, upd LineUpdate) (LineRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, i := r.locate(upd.Email, upd.LineID)
	if cart == nil {
		return LineRef{}, ErrLineNotFound
	}
	line := &cart.Lines[i]
	if upd.Color != nil && domain.Selector(upd.Color) != line.SelectedColor {
		return LineRef{}, ErrLineNotFound
	}
	if upd.Size != nil && domain.Selector(upd.Size) != line.SelectedSize {
		return LineRef{}, ErrLineNotFound
	}

	line.Quantity = upd.Quantity
	cart.UpdatedAt = time.Now()
	return LineRef{Email: cart.Email, Line: *line}, nil
}

func (r *MemoryRepository) RemoveLine(_ context.Context, email, lineID string) (LineRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, i := r.locate(email, lineID)
	if cart == nil {
		return LineRef{}, ErrLineNotFound
	}
	removed := cart.Lines[i]
	cart.Lines = append(cart.Lines[:i], cart.Lines[i+1:]...)
	cart.UpdatedAt = time.Now()
	return LineRef{Email: cart.Email, Line: removed}, nil
}

func (r *MemoryRepository) DeleteCart(_ context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.carts[email]; !ok {
		return ErrCartNotFound
	}
	delete(r.carts, email)
	return nil
}

// locate finds the cart holding lineID. Callers hold the lock.
func (r *MemoryRepository) locate(email, lineID string) (*domain.Cart, int) {
	if email != "" {
		cart, ok := r.carts[email]
		if !ok {
			return nil, -1
		}
		if i := cart.IndexOfID(lineID); i >= 0 {
			return cart, i
		}
		return nil, -1
	}
	for _, cart := range r.carts {
		if i := cart.IndexOfID(lineID); i >= 0 {
			return cart, i
		}
	}
	return nil, -1
}
