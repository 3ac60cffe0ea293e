package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func setupTestDB(t *testing.T) (CartRepository, func()) {
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	ctx := context.Background()

	// Start MongoDB container
	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, MongoOptions{URI: uri, Database: "testdb", MaxPoolSize: 10})
	require.NoError(t, err)

	repo := NewMongoRepository(db)
	err = repo.(IndexCreator).CreateIndexes(ctx, 0)
	require.NoError(t, err)

	cleanup := func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func testLine(id, productID, color, size string, qty int) domain.CartLine {
	p := domain.Product{ID: productID, Title: "Item " + productID, Price: domain.NewPrice(100), Currency: "USD"}
	return domain.NewLine(id, p, color, size, qty, time.Now())
}

func TestMongo_GetCart_NotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	cart, err := repo.GetCart(context.Background(), "nobody@example.com")

	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.Nil(t, cart)
}

func TestMongo_AddLine_NewCart(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	email := "a@example.com"

	stored, merged, err := repo.AddLine(ctx, email, testLine("l1", "p1", "red", "M", 3))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, "l1", stored.ID)

	cart, err := repo.GetCart(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, email, cart.Email)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, "p1", cart.Lines[0].ProductID)
	assert.Equal(t, "red", cart.Lines[0].SelectedColor)
	assert.Equal(t, 3, cart.Lines[0].Quantity)
	assert.Equal(t, "100", cart.Lines[0].UnitPrice.String())
}

func TestMongo_AddLine_SameKeyMerges(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	email := "a@example.com"

	_, _, err := repo.AddLine(ctx, email, testLine("l1", "p1", "red", "M", 2))
	require.NoError(t, err)
	stored, merged, err := repo.AddLine(ctx, email, testLine("l2", "p1", "red", "M", 5))
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, "l1", stored.ID)
	assert.Equal(t, 7, stored.Quantity)

	_, merged, err = repo.AddLine(ctx, email, testLine("l3", "p1", "blue", "M", 1))
	require.NoError(t, err)
	assert.False(t, merged)

	cart, err := repo.GetCart(ctx, email)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 2)
}

func TestMongo_AddLine_ConcurrentSameKey(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	email := "race@example.com"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := repo.AddLine(ctx, email, testLine("l"+string(rune('a'+i)), "p1", "", "", 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cart, err := repo.GetCart(ctx, email)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 8, cart.Lines[0].Quantity)
}

func TestMongo_UpdateLineQuantity(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	email := "a@example.com"

	_, _, err := repo.AddLine(ctx, email, testLine("l1", "p1", "red", "M", 2))
	require.NoError(t, err)

	red, medium := "red", "M"
	ref, err := repo.UpdateLineQuantity(ctx, LineUpdate{LineID: "l1", Color: &red, Size: &medium, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, email, ref.Email)
	assert.Equal(t, 10, ref.Line.Quantity)

	blue := "blue"
	_, err = repo.UpdateLineQuantity(ctx, LineUpdate{LineID: "l1", Color: &blue, Quantity: 4})
	assert.ErrorIs(t, err, ErrLineNotFound)

	_, err = repo.UpdateLineQuantity(ctx, LineUpdate{Email: email, LineID: "missing", Quantity: 4})
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestMongo_RemoveLine(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	email := "a@example.com"

	_, _, err := repo.AddLine(ctx, email, testLine("l1", "p1", "", "", 1))
	require.NoError(t, err)
	_, _, err = repo.AddLine(ctx, email, testLine("l2", "p2", "", "", 1))
	require.NoError(t, err)

	ref, err := repo.RemoveLine(ctx, email, "l1")
	require.NoError(t, err)
	assert.Equal(t, "p1", ref.Line.ProductID)

	_, err = repo.RemoveLine(ctx, email, "l1")
	assert.ErrorIs(t, err, ErrLineNotFound)

	cart, err := repo.GetCart(ctx, email)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, "l2", cart.Lines[0].ID)
}

func TestMongo_DeleteCart(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := repo.AddLine(ctx, "a@example.com", testLine("l1", "p1", "", "", 1))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteCart(ctx, "a@example.com"))
	assert.ErrorIs(t, repo.DeleteCart(ctx, "a@example.com"), ErrCartNotFound)
}
