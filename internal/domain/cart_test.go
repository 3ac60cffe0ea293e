package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKey_UnsetSelectorsAreEquivalent(t *testing.T) {
	var nilSel *string
	blank := "   "
	empty := ""

	k1 := ResolveKey("p1", "", "")
	k2 := ResolveKey("p1", Selector(nilSel), Selector(&blank))
	k3 := ResolveKey(" p1 ", Selector(&empty), "")

	assert.Equal(t, k1, k2)
	assert.Equal(t, k1, k3)
	assert.Equal(t, k1.String(), k3.String())
}

func TestResolveKey_AnyDifferenceChangesKey(t *testing.T) {
	base := ResolveKey("p1", "red", "M")

	assert.NotEqual(t, base, ResolveKey("p2", "red", "M"))
	assert.NotEqual(t, base, ResolveKey("p1", "blue", "M"))
	assert.NotEqual(t, base, ResolveKey("p1", "red", "L"))
	assert.NotEqual(t, base, ResolveKey("p1", "", "M"))
	assert.NotEqual(t, ResolveKey("p1", "red", ""), ResolveKey("p1", "", "red"))
}

func TestLineKey_StringIsUnambiguous(t *testing.T) {
	a := ResolveKey("p|1", "red", "")
	b := ResolveKey("p", "1|red", "")
	assert.NotEqual(t, a.String(), b.String())
}

func TestCart_AddMergesSameKey(t *testing.T) {
	now := time.Now()
	p := Product{ID: "p1", Title: "Shirt", Price: NewPrice(100), Currency: "USD"}
	c := &Cart{}

	_, merged := c.Add(NewLine("l1", p, "red", "M", 1, now))
	assert.False(t, merged)
	line, merged := c.Add(NewLine("l2", p, "red", "M", 2, now))
	assert.True(t, merged)
	_, merged = c.Add(NewLine("l3", p, "blue", "M", 1, now))
	assert.False(t, merged)

	require.Len(t, c.Lines, 2)
	assert.Equal(t, "l1", line.ID)
	assert.Equal(t, 3, c.Lines[0].Quantity)
	assert.Equal(t, 1, c.Lines[1].Quantity)
}

func TestCart_SetQuantityAndRemove(t *testing.T) {
	p := Product{ID: "p1", Price: NewPrice(10)}
	c := &Cart{}
	c.Add(NewLine("l1", p, "", "", 1, time.Now()))
	key := ResolveKey("p1", "", "")

	assert.True(t, c.SetQuantity(key, 5))
	assert.Equal(t, 5, c.Lines[0].Quantity)
	assert.False(t, c.SetQuantity(ResolveKey("nope", "", ""), 5))

	assert.False(t, c.Remove(ResolveKey("nope", "", "")))
	assert.Len(t, c.Lines, 1)
	assert.True(t, c.Remove(key))
	assert.Empty(t, c.Lines)
}

func TestCart_CloneIsIndependent(t *testing.T) {
	c := &Cart{Lines: []CartLine{{ID: "l1", ProductID: "p1", Quantity: 1}}}
	cp := c.Clone()
	cp.Lines[0].Quantity = 9
	assert.Equal(t, 1, c.Lines[0].Quantity)
}

func TestProduct_ValidateSelection(t *testing.T) {
	plain := Product{ID: "p1"}
	assert.NoError(t, plain.ValidateSelection("", ""))

	shirt := Product{ID: "p2", Colors: []string{"red"}, Sizes: []string{"M"}}
	assert.ErrorIs(t, shirt.ValidateSelection("", "M"), ErrVariantRequired)
	assert.ErrorIs(t, shirt.ValidateSelection("red", " "), ErrVariantRequired)
	assert.NoError(t, shirt.ValidateSelection("red", "M"))

	assert.ErrorIs(t, Product{}.ValidateSelection("", ""), ErrInvalidLine)
}

func TestPrice_DecodesStringAndNumber(t *testing.T) {
	var lines []CartLine
	payload := `[{"id":"a","productId":"p1","price":"100","quantity":2},{"id":"b","productId":"p2","price":150,"quantity":1}]`
	require.NoError(t, json.Unmarshal([]byte(payload), &lines))

	require.Len(t, lines, 2)
	assert.Equal(t, "100", lines[0].UnitPrice.String())
	assert.Equal(t, "150", lines[1].UnitPrice.String())

	out, err := json.Marshal(lines[0].UnitPrice)
	require.NoError(t, err)
	assert.Equal(t, "100", string(out))
}

func TestPrice_RejectsNonNumericString(t *testing.T) {
	var p Price
	err := json.Unmarshal([]byte(`"free"`), &p)
	assert.Error(t, err)
}

func TestCartLine_OptionalSelectorsOmitted(t *testing.T) {
	line := CartLine{ID: "a", ProductID: "p1", UnitPrice: NewPrice(5), Quantity: 1}
	out, err := json.Marshal(line)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "selectedColor")
	assert.NotContains(t, string(out), "selectedSize")
	assert.Nil(t, OptionalSelector("  "))
	assert.Equal(t, "red", *OptionalSelector("red"))
}
