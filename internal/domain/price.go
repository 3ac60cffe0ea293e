package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Price is a unit price as the catalog publishes it. Catalog payloads carry
// prices either as JSON numbers or as numeric strings; both decode here.
type Price struct {
	d decimal.Decimal
}

func NewPrice(v int64) Price {
	return Price{d: decimal.NewFromInt(v)}
}

func PriceFromDecimal(d decimal.Decimal) Price {
	return Price{d: d}
}

func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return Price{d: d}, nil
}

func (p Price) Decimal() decimal.Decimal {
	return p.d
}

func (p Price) String() string {
	return p.d.String()
}

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(p.d.String()), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		p.d = decimal.Zero
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParsePrice(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("parse price %s: %w", data, err)
	}
	p.d = d
	return nil
}

// MarshalBSONValue stores the price as its exact decimal string.
func (p Price) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(p.d.String())
}

func (p *Price) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		parsed, err := ParsePrice(raw.StringValue())
		if err != nil {
			return err
		}
		*p = parsed
	case bsontype.Double:
		p.d = decimal.NewFromFloat(raw.Double())
	case bsontype.Int32:
		p.d = decimal.NewFromInt32(raw.Int32())
	case bsontype.Int64:
		p.d = decimal.NewFromInt(raw.Int64())
	case bsontype.Null, bsontype.Undefined:
		p.d = decimal.Zero
	default:
		return fmt.Errorf("cannot decode price from bson %s", t)
	}
	return nil
}
