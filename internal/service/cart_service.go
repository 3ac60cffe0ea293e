package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/storefront-cart/internal/cache"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MaxQuantity caps a single line's quantity.
const MaxQuantity = 99

var ErrMissingEmail = errors.New("email is required")

type CartService struct {
	repo   repository.CartRepository
	cache  cache.CartCache
	sfg    singleflight.Group // Prevents cache stampede
	logger *zap.Logger
	now    func() time.Time
}

func NewCartService(repo repository.CartRepository, cache cache.CartCache, logger *zap.Logger) *CartService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartService{
		repo:   repo,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// GetCart returns the cart for email, or an empty cart when none is stored.
func (s *CartService) GetCart(ctx context.Context, email string) (*domain.Cart, error) {
	if strings.TrimSpace(email) == "" {
		return nil, ErrMissingEmail
	}

	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(email, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, email)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("cache get failed", zap.String("email", email), zap.Error(err))
		}

		// The version is read before the repository so a mutation landing in
		// between keeps this snapshot out of the cache.
		version, verr := s.cache.Version(ctx, email)

		cart, err = s.repo.GetCart(ctx, email)
		if errors.Is(err, repository.ErrCartNotFound) {
			now := s.now()
			return &domain.Cart{
				Email:     email,
				Lines:     []domain.CartLine{},
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		}
		if err != nil {
			return nil, err
		}

		if verr != nil {
			s.logger.Warn("cache version failed", zap.String("email", email), zap.Error(verr))
		} else {
			s.fillCache(email, cart, version)
		}
		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	// Callers sharing a singleflight result must not share its slice.
	return v.(*domain.Cart).Clone(), nil
}

func (s *CartService) fillCache(email string, cart *domain.Cart, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.cache.SetIfVersion(ctx, email, cart, version)
	switch {
	case errors.Is(err, cache.ErrStale):
		s.logger.Debug("cart changed while loading, not cached", zap.String("email", email))
	case err != nil:
		s.logger.Warn("cache set failed", zap.String("email", email), zap.Error(err))
	}
}

// AddLine stores a new line or merges it into the line with the same
// product and variant selection. A server-side line id is assigned here.
func (s *CartService) AddLine(ctx context.Context, email string, line domain.CartLine) (domain.CartLine, bool, error) {
	if strings.TrimSpace(email) == "" {
		return domain.CartLine{}, false, ErrMissingEmail
	}
	if line.Quantity < 1 || line.Quantity > MaxQuantity {
		return domain.CartLine{}, false, fmt.Errorf("%w: got %d, max %d", domain.ErrInvalidQuantity, line.Quantity, MaxQuantity)
	}
	if strings.TrimSpace(line.ProductID) == "" {
		return domain.CartLine{}, false, domain.ErrInvalidLine
	}

	key := line.Key()
	line.ProductID, line.SelectedColor, line.SelectedSize = key.ProductID, key.Color, key.Size
	line.ID = uuid.NewString()
	line.AddedAt = s.now()

	stored, merged, err := s.repo.AddLine(ctx, email, line)
	if err != nil {
		s.logger.Error("repo add line failed", zap.String("email", email), zap.Stringer("key", key), zap.Error(err))
		return domain.CartLine{}, false, err
	}

	s.invalidateCache(email)
	return stored, merged, nil
}

func (s *CartService) UpdateQuantity(ctx context.Context, upd repository.LineUpdate) (domain.CartLine, error) {
	if upd.Quantity < 1 || upd.Quantity > MaxQuantity {
		return domain.CartLine{}, fmt.Errorf("%w: got %d, max %d", domain.ErrInvalidQuantity, upd.Quantity, MaxQuantity)
	}
	if upd.LineID == "" {
		return domain.CartLine{}, domain.ErrInvalidLine
	}

	ref, err := s.repo.UpdateLineQuantity(ctx, upd)
	if err != nil {
		if !errors.Is(err, repository.ErrLineNotFound) {
			s.logger.Error("repo update line quantity failed", zap.String("line_id", upd.LineID), zap.Error(err))
		}
		return domain.CartLine{}, err
	}

	s.invalidateCache(ref.Email)
	return ref.Line, nil
}

func (s *CartService) RemoveLine(ctx context.Context, email, lineID string) error {
	if lineID == "" {
		return domain.ErrInvalidLine
	}

	ref, err := s.repo.RemoveLine(ctx, email, lineID)
	if err != nil {
		if !errors.Is(err, repository.ErrLineNotFound) {
			s.logger.Error("repo remove line failed", zap.String("line_id", lineID), zap.Error(err))
		}
		return err
	}

	s.invalidateCache(ref.Email)
	return nil
}

func (s *CartService) ClearCart(ctx context.Context, email string) error {
	err := s.repo.DeleteCart(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		s.logger.Error("repo delete cart failed", zap.String("email", email), zap.Error(err))
		return err
	}

	s.invalidateCache(email)
	return err
}

func (s *CartService) invalidateCache(email string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, email); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("email", email), zap.Error(err))
	}
}
