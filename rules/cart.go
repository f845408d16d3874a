package rules

import "maps"

// Customer identifies who owns the cart.
type Customer struct {
	ID     string   `json:"id" yaml:"id"`
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Address is the shipping destination.
type Address struct {
	Country  string `json:"country" yaml:"country"`
	Zone     string `json:"zone,omitempty" yaml:"zone,omitempty"`
	Postcode string `json:"postcode,omitempty" yaml:"postcode,omitempty"`
}

// Item is one cart line. Price is the unit price in minor currency units.
type Item struct {
	ProductID  string   `json:"productId" yaml:"productId"`
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Quantity   int      `json:"quantity" yaml:"quantity"`
	Price      int64    `json:"price" yaml:"price"`
	Weight     float64  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Width      float64  `json:"width,omitempty" yaml:"width,omitempty"`
	Height     float64  `json:"height,omitempty" yaml:"height,omitempty"`
	Depth      float64  `json:"depth,omitempty" yaml:"depth,omitempty"`
}

// Shipping is the shipping selection rules act upon.
type Shipping struct {
	Carrier string `json:"carrier,omitempty" yaml:"carrier,omitempty"`
	Price   int64  `json:"price" yaml:"price"`
}

// Adjustment is a price change attached to the cart by a rule.
type Adjustment struct {
	Rule   string `json:"rule" yaml:"rule"`
	Label  string `json:"label" yaml:"label"`
	Amount int64  `json:"amount" yaml:"amount"`
}

// Cart is the mutable subject of rule evaluation. The host application
// builds it and preloads every piece of data conditions need.
type Cart struct {
	ID          string         `json:"id" yaml:"id"`
	Store       string         `json:"store,omitempty" yaml:"store,omitempty"`
	Currency    string         `json:"currency,omitempty" yaml:"currency,omitempty"`
	Customer    *Customer      `json:"customer,omitempty" yaml:"customer,omitempty"`
	Address     *Address       `json:"address,omitempty" yaml:"address,omitempty"`
	Items       []Item         `json:"items" yaml:"items"`
	Shipping    Shipping       `json:"shipping" yaml:"shipping"`
	Adjustments []Adjustment   `json:"adjustments,omitempty" yaml:"adjustments,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Subtotal is the sum of unit price times quantity over all items.
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, it := range c.Items {
		total += it.Price * int64(it.Quantity)
	}
	return total
}

// Weight is the sum of item weight times quantity.
func (c *Cart) Weight() float64 {
	var total float64
	for _, it := range c.Items {
		total += it.Weight * float64(it.Quantity)
	}
	return total
}

// Postcode returns the destination postcode, if any.
func (c *Cart) Postcode() (string, bool) {
	if c.Address == nil || c.Address.Postcode == "" {
		return "", false
	}
	return c.Address.Postcode, true
}

// Clone returns a deep copy of the cart. Attribute values are copied
// shallowly.
func (c *Cart) Clone() *Cart {
	out := *c
	if c.Customer != nil {
		cust := *c.Customer
		cust.Groups = append([]string(nil), c.Customer.Groups...)
		out.Customer = &cust
	}
	if c.Address != nil {
		addr := *c.Address
		out.Address = &addr
	}
	if c.Items != nil {
		out.Items = make([]Item, len(c.Items))
		for i, it := range c.Items {
			it.Categories = append([]string(nil), it.Categories...)
			out.Items[i] = it
		}
	}
	out.Adjustments = append([]Adjustment(nil), c.Adjustments...)
	if c.Attributes != nil {
		out.Attributes = maps.Clone(c.Attributes)
	}
	return &out
}

// Facts renders the cart as nested maps for expression conditions.
func (c *Cart) Facts() map[string]any {
	items := make([]any, 0, len(c.Items))
	for _, it := range c.Items {
		cats := make([]any, 0, len(it.Categories))
		for _, cat := range it.Categories {
			cats = append(cats, cat)
		}
		items = append(items, map[string]any{
			"productId":  it.ProductID,
			"categories": cats,
			"quantity":   int64(it.Quantity),
			"price":      it.Price,
			"weight":     it.Weight,
			"width":      it.Width,
			"height":     it.Height,
			"depth":      it.Depth,
		})
	}

	facts := map[string]any{
		"id":       c.ID,
		"store":    c.Store,
		"currency": c.Currency,
		"subtotal": c.Subtotal(),
		"weight":   c.Weight(),
		"items":    items,
		"shipping": map[string]any{
			"carrier": c.Shipping.Carrier,
			"price":   c.Shipping.Price,
		},
	}
	if c.Customer != nil {
		groups := make([]any, 0, len(c.Customer.Groups))
		for _, g := range c.Customer.Groups {
			groups = append(groups, g)
		}
		facts["customer"] = map[string]any{"id": c.Customer.ID, "groups": groups}
	}
	if c.Address != nil {
		facts["address"] = map[string]any{
			"country":  c.Address.Country,
			"zone":     c.Address.Zone,
			"postcode": c.Address.Postcode,
		}
	}
	attrs := make(map[string]any, len(c.Attributes))
	maps.Copy(attrs, c.Attributes)
	facts["attributes"] = attrs
	return facts
}
