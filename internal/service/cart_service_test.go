package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/storefront-cart/internal/cache"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	m       sync.RWMutex
	cart    *domain.Cart
	err     error
	deletes int
	version int64
}

func (m *mockCache) Get(context.Context, string) (*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.cart == nil {
		return nil, cache.ErrCacheMiss
	}
	return m.cart, nil
}

func (m *mockCache) Set(_ context.Context, _ string, cart *domain.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.cart = cart
	return m.err
}

func (m *mockCache) Delete(context.Context, string) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.cart = nil
	m.deletes++
	m.version++
	return m.err
}

func (m *mockCache) Version(context.Context, string) (int64, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.version, m.err
}

func (m *mockCache) SetIfVersion(_ context.Context, _ string, cart *domain.Cart, version int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if version != m.version {
		return cache.ErrStale
	}
	m.cart = cart
	return nil
}

func (m *mockCache) getCart() *domain.Cart {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.cart
}

func (m *mockCache) deleteCount() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.deletes
}

// countingRepository wraps a repository and counts GetCart calls.
type countingRepository struct {
	repository.CartRepository
	gets  atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingRepository) GetCart(ctx context.Context, email string) (*domain.Cart, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	if c.err != nil {
		return nil, c.err
	}
	return c.CartRepository.GetCart(ctx, email)
}

// blockingRepository holds GetCart after it has read the cart until the test
// releases it.
type blockingRepository struct {
	repository.CartRepository
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRepository) GetCart(ctx context.Context, email string) (*domain.Cart, error) {
	cart, err := b.CartRepository.GetCart(ctx, email)
	b.once.Do(func() {
		close(b.read)
		<-b.release
	})
	return cart, err
}

func line(productID, color, size string, qty int) domain.CartLine {
	return domain.CartLine{
		ProductID:     productID,
		Title:         "Item " + productID,
		UnitPrice:     domain.NewPrice(100),
		Currency:      "USD",
		SelectedColor: color,
		SelectedSize:  size,
		Quantity:      qty,
	}
}

func TestGetCart_Success(t *testing.T) {
	repo := repository.NewMemoryRepository()
	_, _, err := repo.AddLine(context.Background(), "a@example.com", line("p1", "", "", 5))
	require.NoError(t, err)
	mockC := &mockCache{}

	sut := NewCartService(repo, mockC, nil)
	ret, err := sut.GetCart(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Len(t, ret.Lines, 1)
	assert.Equal(t, 5, ret.Lines[0].Quantity)

	assert.NotNil(t, mockC.getCart(), "cart was not set in cache")
}

func TestGetCart_NotFoundReturnsEmptyCart(t *testing.T) {
	sut := NewCartService(repository.NewMemoryRepository(), &mockCache{}, nil)

	ret, err := sut.GetCart(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", ret.Email)
	assert.Empty(t, ret.Lines)
}

func TestGetCart_RepoError(t *testing.T) {
	repo := &countingRepository{CartRepository: repository.NewMemoryRepository(), err: fmt.Errorf("database error")}
	mockC := &mockCache{}

	sut := NewCartService(repo, mockC, nil)
	ret, err := sut.GetCart(context.Background(), "a@example.com")
	require.ErrorContains(t, err, "database error")
	assert.Nil(t, ret)
	assert.Nil(t, mockC.getCart())
}

func TestGetCart_CacheHit(t *testing.T) {
	repo := &countingRepository{CartRepository: repository.NewMemoryRepository()}
	mockC := &mockCache{cart: &domain.Cart{Email: "a@example.com", Lines: []domain.CartLine{line("p9", "", "", 3)}}}

	sut := NewCartService(repo, mockC, nil)
	ret, err := sut.GetCart(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Len(t, ret.Lines, 1)
	assert.Equal(t, "p9", ret.Lines[0].ProductID)
	assert.Equal(t, int32(0), repo.gets.Load())
}

func TestGetCart_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	repo := &countingRepository{CartRepository: repository.NewMemoryRepository(), delay: 50 * time.Millisecond}
	sut := NewCartService(repo, &mockCache{err: fmt.Errorf("redis down")}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sut.GetCart(context.Background(), "a@example.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Less(t, repo.gets.Load(), int32(10))
}

func TestGetCart_StaleReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryRepository()
	_, _, err := mem.AddLine(ctx, "a@example.com", line("p1", "", "", 1))
	require.NoError(t, err)
	repo := &blockingRepository{CartRepository: mem, read: make(chan struct{}), release: make(chan struct{})}
	mockC := &mockCache{}
	sut := NewCartService(repo, mockC, nil)

	done := make(chan *domain.Cart, 1)
	go func() {
		cart, err := sut.GetCart(ctx, "a@example.com")
		assert.NoError(t, err)
		done <- cart
	}()
	<-repo.read

	_, _, err = sut.AddLine(ctx, "a@example.com", line("p2", "", "", 1))
	require.NoError(t, err)
	close(repo.release)

	stale := <-done
	assert.Len(t, stale.Lines, 1)
	assert.Nil(t, mockC.getCart(), "snapshot from before the add must not be cached")

	fresh, err := sut.GetCart(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Len(t, fresh.Lines, 2)
	require.NotNil(t, mockC.getCart())
	assert.Len(t, mockC.getCart().Lines, 2)
}

func TestGetCart_MissingEmail(t *testing.T) {
	sut := NewCartService(repository.NewMemoryRepository(), &mockCache{}, nil)
	_, err := sut.GetCart(context.Background(), " ")
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestAddLine_MergesSameVariantAndInvalidatesCache(t *testing.T) {
	mockC := &mockCache{}
	sut := NewCartService(repository.NewMemoryRepository(), mockC, nil)
	ctx := context.Background()

	first, merged, err := sut.AddLine(ctx, "a@example.com", line("p1", "red", "M", 1))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEmpty(t, first.ID)

	second, merged, err := sut.AddLine(ctx, "a@example.com", line(" p1", "red ", "M", 2))
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, second.Quantity)
	assert.Equal(t, 2, mockC.deleteCount())

	cart, err := sut.GetCart(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
}

func TestAddLine_Validation(t *testing.T) {
	sut := NewCartService(repository.NewMemoryRepository(), &mockCache{}, nil)
	ctx := context.Background()

	_, _, err := sut.AddLine(ctx, "a@example.com", line("p1", "", "", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, _, err = sut.AddLine(ctx, "a@example.com", line("p1", "", "", MaxQuantity+1))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, _, err = sut.AddLine(ctx, "", line("p1", "", "", 1))
	assert.ErrorIs(t, err, ErrMissingEmail)
	_, _, err = sut.AddLine(ctx, "a@example.com", line("", "", "", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidLine)
}

func TestUpdateQuantity(t *testing.T) {
	sut := NewCartService(repository.NewMemoryRepository(), &mockCache{}, nil)
	ctx := context.Background()
	added, _, err := sut.AddLine(ctx, "a@example.com", line("p1", "", "", 1))
	require.NoError(t, err)

	updated, err := sut.UpdateQuantity(ctx, repository.LineUpdate{LineID: added.ID, Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Quantity)

	_, err = sut.UpdateQuantity(ctx, repository.LineUpdate{LineID: added.ID, Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = sut.UpdateQuantity(ctx, repository.LineUpdate{LineID: "missing", Quantity: 2})
	assert.ErrorIs(t, err, repository.ErrLineNotFound)
}

func TestRemoveLineAndClearCart(t *testing.T) {
	sut := NewCartService(repository.NewMemoryRepository(), &mockCache{}, nil)
	ctx := context.Background()
	added, _, err := sut.AddLine(ctx, "a@example.com", line("p1", "", "", 1))
	require.NoError(t, err)
	_, _, err = sut.AddLine(ctx, "a@example.com", line("p2", "", "", 1))
	require.NoError(t, err)

	require.NoError(t, sut.RemoveLine(ctx, "a@example.com", added.ID))
	assert.ErrorIs(t, sut.RemoveLine(ctx, "a@example.com", added.ID), repository.ErrLineNotFound)

	require.NoError(t, sut.ClearCart(ctx, "a@example.com"))
	assert.ErrorIs(t, sut.ClearCart(ctx, "a@example.com"), repository.ErrCartNotFound)

	cart, err := sut.GetCart(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)
}
