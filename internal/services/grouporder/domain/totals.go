package domain

// ComputeTotals derives the totals for items under pricing. Delivery is free
// for dine-in sessions. Each derived fee is rounded once from the subtotal.
func ComputeTotals(items []CartItem, pricing Pricing, tip Money, dineIn bool) Totals {
	var subtotal Money
	for _, item := range items {
		subtotal += item.LineTotal()
	}
	t := Totals{
		Subtotal:   subtotal,
		Tax:        ApplyRate(subtotal, pricing.TaxRate),
		ServiceFee: ApplyRate(subtotal, pricing.ServiceFee),
		Tip:        tip,
	}
	if !dineIn {
		t.DeliveryFee = pricing.DeliveryFee
	}
	t.Total = t.Subtotal + t.Tax + t.DeliveryFee + t.ServiceFee + t.Tip
	return t
}

// Reconciles reports whether the totals add up.
func (t Totals) Reconciles() bool {
	return t.Total == t.Subtotal+t.Tax+t.DeliveryFee+t.ServiceFee+t.Tip
}
