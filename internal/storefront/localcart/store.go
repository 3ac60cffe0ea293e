package localcart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/google/uuid"
)

const DefaultKey = "cart:guest"

// Store is the guest cart. Every operation reads the whole line list from
// Storage and writes it back.
type Store struct {
	mu      sync.Mutex
	storage Storage
	key     string
	now     func() time.Time
}

func New(storage Storage, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{storage: storage, key: key, now: time.Now}
}

func (s *Store) ReadAll(ctx context.Context) ([]domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return cart.Lines, nil
}

// Add increases the quantity of the line matching the product and selection,
// or appends a new line. Quantities below 1 count as 1.
func (s *Store) Add(ctx context.Context, product domain.Product, quantity int, color, size string) (domain.CartLine, error) {
	if strings.TrimSpace(product.ID) == "" {
		return domain.CartLine{}, domain.ErrInvalidLine
	}
	if quantity < 1 {
		quantity = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cart, err := s.load(ctx)
	if err != nil {
		return domain.CartLine{}, err
	}

	line := domain.NewLine("local-"+uuid.NewString(), product, color, size, quantity, s.now().UTC())
	line, _ = cart.Add(line)
	if err := s.save(ctx, cart); err != nil {
		return domain.CartLine{}, err
	}
	return line, nil
}

// UpdateQuantity overwrites the quantity of the line matching ref by id or by
// key. A quantity below 1 leaves the cart untouched.
func (s *Store) UpdateQuantity(ctx context.Context, ref domain.CartLine, quantity int) (domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, err := s.load(ctx)
	if err != nil {
		return domain.CartLine{}, err
	}

	i := match(cart, ref)
	if i < 0 {
		return domain.CartLine{}, domain.ErrLineNotFound
	}
	if quantity < 1 {
		return cart.Lines[i], nil
	}

	cart.Lines[i].Quantity = quantity
	if err := s.save(ctx, cart); err != nil {
		return domain.CartLine{}, err
	}
	return cart.Lines[i], nil
}

// Remove deletes the line matching ref. Removing an absent line is a no-op.
func (s *Store) Remove(ctx context.Context, ref domain.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, err := s.load(ctx)
	if err != nil {
		return err
	}

	i := match(cart, ref)
	if i < 0 {
		return nil
	}
	cart.Lines = append(cart.Lines[:i], cart.Lines[i+1:]...)
	return s.save(ctx, cart)
}

// RemoveKeys drops the lines with the given keys and keeps the rest.
func (s *Store) RemoveKeys(ctx context.Context, keys ...domain.LineKey) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, err := s.load(ctx)
	if err != nil {
		return err
	}

	changed := false
	for _, k := range keys {
		if cart.Remove(k) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save(ctx, cart)
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, &domain.Cart{})
}

func match(cart *domain.Cart, ref domain.CartLine) int {
	if i := cart.IndexOfID(ref.ID); i >= 0 {
		return i
	}
	return cart.IndexOf(ref.Key())
}

func (s *Store) load(ctx context.Context) (*domain.Cart, error) {
	data, err := s.storage.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return &domain.Cart{}, nil
	}
	if err != nil {
		return nil, err
	}

	var lines []domain.CartLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("decode local cart: %w", err)
	}
	return &domain.Cart{Lines: lines}, nil
}

func (s *Store) save(ctx context.Context, cart *domain.Cart) error {
	lines := cart.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode local cart: %w", err)
	}
	return s.storage.Save(ctx, s.key, data)
}
