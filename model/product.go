package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProductKindConsumable    = "consumable"
	ProductKindNonConsumable = "non_consumable"
	ProductKindSubscription  = "subscription"
	ProductKindNonRenewing   = "non_renewing"
)

// Product is a store product as reported by the payment adapter.
type Product struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Price        decimal.Decimal        `json:"price"`
	DisplayPrice string                 `json:"display_price"`
	CurrencyCode string                 `json:"currency_code"`
	Kind         string                 `json:"kind"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// IsConsumable reports whether a successful purchase of this product should
// be finished automatically once validated.
func (p *Product) IsConsumable() bool {
	return p.Kind == ProductKindConsumable
}

// ToSearchDocument flattens the product for indexing.
func (p *Product) ToSearchDocument() map[string]interface{} {
	return map[string]interface{}{
		"id":            p.ID,
		"title":         p.Title,
		"description":   p.Description,
		"price":         p.Price.InexactFloat64(),
		"display_price": p.DisplayPrice,
		"currency_code": p.CurrencyCode,
		"kind":          p.Kind,
		"created_at":    p.CreatedAt.Unix(),
	}
}
