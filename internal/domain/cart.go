package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrVariantRequired = errors.New("variant selection required")
	ErrInvalidLine     = errors.New("invalid cart line")
	ErrLineNotFound    = errors.New("cart line not found")
)

// LineKey identifies a cart line: one product in one variant selection.
// Unset selectors are stored as "".
type LineKey struct {
	ProductID string
	Color     string
	Size      string
}

// ResolveKey derives the identity of a cart line. Whitespace-only selectors are
// treated as unset, so a product without variants always resolves to
// (productID, "", "").
func ResolveKey(productID, color, size string) LineKey {
	return LineKey{
		ProductID: strings.TrimSpace(productID),
		Color:     strings.TrimSpace(color),
		Size:      strings.TrimSpace(size),
	}
}

// Selector normalizes an optional wire selector; nil means unset.
func Selector(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// OptionalSelector is the inverse of Selector: unset becomes nil.
func OptionalSelector(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (k LineKey) String() string {
	return url.QueryEscape(k.ProductID) + "|" + url.QueryEscape(k.Color) + "|" + url.QueryEscape(k.Size)
}

func (k LineKey) IsZero() bool {
	return k.ProductID == ""
}

// CartLine is one row of a cart. Title, price, currency and image are a
// snapshot taken when the line was added.
type CartLine struct {
	ID            string    `json:"id" bson:"line_id"`
	ProductID     string    `json:"productId" bson:"product_id"`
	Title         string    `json:"title" bson:"title"`
	UnitPrice     Price     `json:"price" bson:"price"`
	Currency      string    `json:"currency" bson:"currency"`
	ImageURL      string    `json:"imageUrl,omitempty" bson:"image_url,omitempty"`
	SelectedColor string    `json:"selectedColor,omitempty" bson:"selected_color"`
	SelectedSize  string    `json:"selectedSize,omitempty" bson:"selected_size"`
	Quantity      int       `json:"quantity" bson:"quantity"`
	AddedAt       time.Time `json:"addedAt" bson:"added_at"`
}

func (l CartLine) Key() LineKey {
	return ResolveKey(l.ProductID, l.SelectedColor, l.SelectedSize)
}

// Product is the catalog data a line snapshots. Colors and Sizes list the
// variant options the product offers; empty means no such dimension.
type Product struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Price    Price    `json:"price"`
	Currency string   `json:"currency"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Colors   []string `json:"colors,omitempty"`
	Sizes    []string `json:"sizes,omitempty"`
}

// ValidateSelection rejects an add that leaves a declared variant dimension unset.
func (p Product) ValidateSelection(color, size string) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidLine
	}
	if len(p.Colors) > 0 && strings.TrimSpace(color) == "" {
		return ErrVariantRequired
	}
	if len(p.Sizes) > 0 && strings.TrimSpace(size) == "" {
		return ErrVariantRequired
	}
	return nil
}

// NewLine snapshots p into a line for the given selection.
func NewLine(id string, p Product, color, size string, quantity int, now time.Time) CartLine {
	key := ResolveKey(p.ID, color, size)
	return CartLine{
		ID:            id,
		ProductID:     key.ProductID,
		Title:         p.Title,
		UnitPrice:     p.Price,
		Currency:      p.Currency,
		ImageURL:      p.ImageURL,
		SelectedColor: key.Color,
		SelectedSize:  key.Size,
		Quantity:      quantity,
		AddedAt:       now,
	}
}

// Cart is an ordered set of lines scoped to one identity. No two lines share
// a LineKey.
type Cart struct {
	ID        string     `json:"id,omitempty" bson:"_id,omitempty"`
	Email     string     `json:"email" bson:"email"`
	Lines     []CartLine `json:"lines" bson:"lines"`
	CreatedAt time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updated_at"`
}

func (c *Cart) IndexOf(key LineKey) int {
	for i := range c.Lines {
		if c.Lines[i].Key() == key {
			return i
		}
	}
	return -1
}

func (c *Cart) IndexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i := range c.Lines {
		if c.Lines[i].ID == id {
			return i
		}
	}
	return -1
}

// Add merges line into the cart: an existing line with the same key has its
// quantity increased, otherwise line is appended. It returns the resulting
// line and whether it was merged.
func (c *Cart) Add(line CartLine) (CartLine, bool) {
	if i := c.IndexOf(line.Key()); i >= 0 {
		c.Lines[i].Quantity += line.Quantity
		return c.Lines[i], true
	}
	c.Lines = append(c.Lines, line)
	return line, false
}

// SetQuantity overwrites the quantity of the line with key. It reports
// whether the line exists.
func (c *Cart) SetQuantity(key LineKey, quantity int) bool {
	i := c.IndexOf(key)
	if i < 0 {
		return false
	}
	c.Lines[i].Quantity = quantity
	return true
}

// Remove deletes the line with key, reporting whether it existed.
func (c *Cart) Remove(key LineKey) bool {
	i := c.IndexOf(key)
	if i < 0 {
		return false
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	return true
}

func (c *Cart) Clone() *Cart {
	out := *c
	out.Lines = CloneLines(c.Lines)
	return &out
}

func CloneLines(lines []CartLine) []CartLine {
	if lines == nil {
		return nil
	}
	out := make([]CartLine, len(lines))
	copy(out, lines)
	return out
}
