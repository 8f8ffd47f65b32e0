package domain

import (
	"strconv"
	"time"
)

// Customization is one option applied to a cart item.
type Customization struct {
	Name       string `json:"name"`
	Value      string `json:"value,omitempty"`
	PriceDelta Money  `json:"price_delta,omitempty"`
}

// CartItem is one line of the shared cart. Price is the menu price snapshot
// taken when the item was added.
type CartItem struct {
	ID             string          `json:"item_id"`
	MenuItemID     string          `json:"menu_item_id"`
	Name           string          `json:"name"`
	Price          Money           `json:"price"`
	Quantity       int             `json:"quantity"`
	Customizations []Customization `json:"customizations,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	AddedBy        string          `json:"added_by"`
	AssignedTo     []string        `json:"assigned_to,omitempty"`
	AddedAt        time.Time       `json:"added_at"`
	LastModified   time.Time       `json:"last_modified"`
	ModifiedBy     string          `json:"modified_by"`
}

// UnitPrice is the snapshot price plus customization deltas.
func (i CartItem) UnitPrice() Money {
	price := i.Price
	for _, c := range i.Customizations {
		price += c.PriceDelta
	}
	return price
}

// LineTotal is UnitPrice × Quantity.
func (i CartItem) LineTotal() Money {
	return i.UnitPrice() * Money(i.Quantity)
}

func validateItemLine(price Money, quantity int, customizations []Customization) error {
	if quantity < 1 {
		return validation("quantity", "quantity must be at least 1")
	}
	if quantity > MaxQuantity {
		return validation("quantity", "quantity must be at most "+strconv.Itoa(MaxQuantity))
	}
	if price < 0 {
		return validation("price", "price must not be negative")
	}
	if price > MaxAmount {
		return validation("price", "price must be at most "+MaxAmount.String())
	}
	if len(customizations) > MaxCustomizations {
		return validation("customizations", "too many customizations")
	}
	for _, c := range customizations {
		if c.Name == "" {
			return validation("customizations.name", "customization name is required")
		}
		if c.PriceDelta > MaxAmount || c.PriceDelta < -MaxAmount {
			return validation("customizations.price_delta", "price delta must be within "+MaxAmount.String())
		}
	}
	line := CartItem{Price: price, Quantity: quantity, Customizations: customizations}
	unit := line.UnitPrice()
	if unit < 0 {
		return validation("customizations.price_delta", "customizations reduce the price below zero")
	}
	if unit > MaxAmount/Money(quantity) {
		return validation("quantity", "line total must be at most "+MaxAmount.String())
	}
	return nil
}
