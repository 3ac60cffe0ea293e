package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxAddAttempts bounds retries when two adds race to create the same cart
// or the same line.
const maxAddAttempts = 3

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) CartRepository {
	return &mongoRepository{
		collection: db.Collection("carts"),
	}
}

func keyFilter(key domain.LineKey) bson.M {
	return bson.M{
		"product_id":     key.ProductID,
		"selected_color": key.Color,
		"selected_size":  key.Size,
	}
}

func (m *mongoRepository) GetCart(ctx context.Context, email string) (*domain.Cart, error) {
	var cart domain.Cart

	err := m.collection.FindOne(ctx, bson.M{"email": email}).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	return &cart, nil
}

// AddLine relies on two single-document atomic updates. The first merges into
// an element with the same key. The second pushes only while no such element
// exists and upserts the cart; the unique email index turns a lost creation
// race into a duplicate key error, after which the merge is retried.
func (m *mongoRepository) AddLine(ctx context.Context, email string, line domain.CartLine) (domain.CartLine, bool, error) {
	key := line.Key()

	for attempt := 0; attempt < maxAddAttempts; attempt++ {
		now := time.Now()

		mergeFilter := bson.M{
			"email": email,
			"lines": bson.M{"$elemMatch": keyFilter(key)},
		}
		mergeUpdate := bson.M{
			"$inc": bson.M{"lines.$.quantity": line.Quantity},
			"$set": bson.M{"updated_at": now},
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var merged domain.Cart
		err := m.collection.FindOneAndUpdate(ctx, mergeFilter, mergeUpdate, opts).Decode(&merged)
		if err == nil {
			if i := merged.IndexOf(key); i >= 0 {
				return merged.Lines[i], true, nil
			}
			return domain.CartLine{}, false, fmt.Errorf("merged line %s missing from cart", key)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return domain.CartLine{}, false, fmt.Errorf("failed to merge line: %w", err)
		}

		pushFilter := bson.M{
			"email": email,
			"lines": bson.M{"$not": bson.M{"$elemMatch": keyFilter(key)}},
		}
		pushUpdate := bson.M{
			"$push":        bson.M{"lines": line},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		}

		_, err = m.collection.UpdateOne(ctx, pushFilter, pushUpdate, options.Update().SetUpsert(true))
		if err == nil {
			return line, false, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return domain.CartLine{}, false, fmt.Errorf("failed to add line: %w", err)
		}
	}

	return domain.CartLine{}, false, ErrConcurrentUpdate
}

func (m *mongoRepository) UpdateLineQuantity(ctx context.Context, upd LineUpdate) (LineRef, error) {
	match := bson.M{"line_id": upd.LineID}
	if upd.Color != nil {
		match["selected_color"] = domain.Selector(upd.Color)
	}
	if upd.Size != nil {
		match["selected_size"] = domain.Selector(upd.Size)
	}

	filter := bson.M{"lines": bson.M{"$elemMatch": match}}
	if upd.Email != "" {
		filter["email"] = upd.Email
	}

	update := bson.M{
		"$set": bson.M{
			"lines.$.quantity": upd.Quantity,
			"updated_at":       time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var cart domain.Cart
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LineRef{}, ErrLineNotFound
		}
		return LineRef{}, fmt.Errorf("failed to update line quantity: %w", err)
	}

	i := cart.IndexOfID(upd.LineID)
	if i < 0 {
		return LineRef{}, ErrLineNotFound
	}
	return LineRef{Email: cart.Email, Line: cart.Lines[i]}, nil
}

func (m *mongoRepository) RemoveLine(ctx context.Context, email, lineID string) (LineRef, error) {
	filter := bson.M{"lines.line_id": lineID}
	if email != "" {
		filter["email"] = email
	}
	update := bson.M{
		"$pull": bson.M{
			"lines": bson.M{"line_id": lineID},
		},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before domain.Cart
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LineRef{}, ErrLineNotFound
		}
		return LineRef{}, fmt.Errorf("failed to remove line: %w", err)
	}

	ref := LineRef{Email: before.Email}
	if i := before.IndexOfID(lineID); i >= 0 {
		ref.Line = before.Lines[i]
	}
	return ref, nil
}

func (m *mongoRepository) DeleteCart(ctx context.Context, email string) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"email": email})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}

	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}

	return nil
}

// CreateIndexes installs the unique email index AddLine depends on. A
// positive ttl also expires carts that have not changed for that long.
func (m *mongoRepository) CreateIndexes(ctx context.Context, ttl time.Duration) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "lines.line_id", Value: 1}},
		},
	}
	if ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
		})
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// IndexCreator is implemented by repositories that need indexes installed at startup.
type IndexCreator interface {
	CreateIndexes(ctx context.Context, ttl time.Duration) error
}
