package remotecart

import (
	"context"
	"strings"

	"github.com/fjod/storefront-cart/internal/domain"
)

// Store is the cart of one signed-in account, persisted by the cart service.
// It never merges lines itself: the service applies the same-key rule and
// answers with the canonical line.
type Store struct {
	client *Client
	email  string
}

func (c *Client) Store(email string) *Store {
	return &Store{client: c, email: strings.ToLower(strings.TrimSpace(email))}
}

func (s *Store) Email() string {
	return s.email
}

func (s *Store) ReadAll(ctx context.Context) ([]domain.CartLine, error) {
	return s.client.GetCart(ctx, s.email)
}

func (s *Store) Add(ctx context.Context, product domain.Product, quantity int, color, size string) (domain.CartLine, error) {
	key := domain.ResolveKey(product.ID, color, size)
	return s.client.AddLine(ctx, AddLineRequest{
		Email:         s.email,
		ProductID:     key.ProductID,
		Title:         product.Title,
		Price:         product.Price,
		Currency:      product.Currency,
		ImageURL:      product.ImageURL,
		Quantity:      quantity,
		SelectedColor: domain.OptionalSelector(key.Color),
		SelectedSize:  domain.OptionalSelector(key.Size),
	})
}

// AddLine re-adds an existing line, used when merging a guest cart.
func (s *Store) AddLine(ctx context.Context, line domain.CartLine) (domain.CartLine, error) {
	return s.Add(ctx, domain.Product{
		ID:       line.ProductID,
		Title:    line.Title,
		Price:    line.UnitPrice,
		Currency: line.Currency,
		ImageURL: line.ImageURL,
	}, line.Quantity, line.SelectedColor, line.SelectedSize)
}

func (s *Store) UpdateQuantity(ctx context.Context, ref domain.CartLine, quantity int) (domain.CartLine, error) {
	if ref.ID == "" {
		return domain.CartLine{}, domain.ErrLineNotFound
	}
	return s.client.UpdateQuantity(ctx, UpdateQuantityRequest{
		ID:            ref.ID,
		Quantity:      quantity,
		SelectedColor: domain.OptionalSelector(ref.SelectedColor),
		SelectedSize:  domain.OptionalSelector(ref.SelectedSize),
	})
}

func (s *Store) Remove(ctx context.Context, ref domain.CartLine) error {
	if ref.ID == "" {
		return domain.ErrLineNotFound
	}
	return s.client.RemoveLine(ctx, ref.ID)
}
