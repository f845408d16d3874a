package rules

import "testing"

func cartWithSubtotal(amount int64) *Cart {
	return &Cart{Items: []Item{{ProductID: "p1", Quantity: 1, Price: amount}}}
}

func cartWithPostcode(postcode string) *Cart {
	return &Cart{Address: &Address{Country: "AT", Postcode: postcode}}
}

func TestConditions(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name string
		cond Condition
		cart *Cart
		want bool
	}{
		// amount
		{"amount inside range", Condition{ConditionAmount, Configuration{"minAmount": 50, "maxAmount": 100}}, cartWithSubtotal(75), true},
		{"amount above range", Condition{ConditionAmount, Configuration{"minAmount": 50, "maxAmount": 100}}, cartWithSubtotal(120), false},
		{"amount below range", Condition{ConditionAmount, Configuration{"minAmount": 50, "maxAmount": 100}}, cartWithSubtotal(49), false},
		{"amount lower bound inclusive", Condition{ConditionAmount, Configuration{"minAmount": 50, "maxAmount": 100}}, cartWithSubtotal(50), true},
		{"amount upper bound inclusive", Condition{ConditionAmount, Configuration{"minAmount": 50, "maxAmount": 100}}, cartWithSubtotal(100), true},
		{"amount zero max is open", Condition{ConditionAmount, Configuration{"minAmount": 50}}, cartWithSubtotal(1_000_000), true},
		{"amount from string", Condition{ConditionAmount, Configuration{"minAmount": "50"}}, cartWithSubtotal(60), true},
		{"amount whole float", Condition{ConditionAmount, Configuration{"minAmount": 50.0}}, cartWithSubtotal(50), true},
		{"amount counts quantity", Condition{ConditionAmount, Configuration{"minAmount": 100}},
			&Cart{Items: []Item{{ProductID: "p1", Quantity: 3, Price: 40}}}, true},

		// postcodes
		{"postcode listed", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010", "1020"}}}, cartWithPostcode("1010"), true},
		{"postcode not listed", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010", "1020"}}}, cartWithPostcode("9999"), false},
		{"postcode excluded", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010"}, "exclusion": true}}, cartWithPostcode("1010"), false},
		{"postcode not excluded", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010"}, "exclusion": true}}, cartWithPostcode("9999"), true},
		{"postcodes comma string", Condition{ConditionPostcodes, Configuration{"postcodes": "1010,1020"}}, cartWithPostcode("1020"), true},
		{"postcode wildcard", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"10*"}}}, cartWithPostcode("1090"), true},
		{"postcode range", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010-1090"}}}, cartWithPostcode("1050"), true},
		{"postcode missing address", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010"}}}, &Cart{}, false},
		{"postcode missing with exclusion", Condition{ConditionPostcodes, Configuration{"postcodes": []any{"1010"}, "exclusion": true}}, &Cart{}, false},

		// weight
		{"weight inside", Condition{ConditionWeight, Configuration{"minWeight": 1, "maxWeight": 5}},
			&Cart{Items: []Item{{Quantity: 2, Weight: 1.5}}}, true},
		{"weight too heavy", Condition{ConditionWeight, Configuration{"maxWeight": 5}},
			&Cart{Items: []Item{{Quantity: 4, Weight: 1.5}}}, false},

		// dimension
		{"dimension fits", Condition{ConditionDimension, Configuration{"width": 30, "height": 20, "depth": 10}},
			&Cart{Items: []Item{{Width: 30, Height: 10, Depth: 5}, {Width: 10, Height: 20, Depth: 10}}}, true},
		{"dimension one item too wide", Condition{ConditionDimension, Configuration{"width": 30}},
			&Cart{Items: []Item{{Width: 10}, {Width: 31}}}, false},
		{"dimension empty cart", Condition{ConditionDimension, Configuration{"width": 30}}, &Cart{}, false},

		// catalog
		{"category present", Condition{ConditionCategories, Configuration{"categories": []any{"bulky"}}},
			&Cart{Items: []Item{{Categories: []string{"toys", "bulky"}}}}, true},
		{"category absent", Condition{ConditionCategories, Configuration{"categories": []any{"bulky"}}},
			&Cart{Items: []Item{{Categories: []string{"toys"}}}}, false},
		{"product present", Condition{ConditionProducts, Configuration{"products": []any{"sku-2"}}},
			&Cart{Items: []Item{{ProductID: "sku-1"}, {ProductID: "sku-2"}}}, true},
		{"product absent", Condition{ConditionProducts, Configuration{"products": []any{"sku-3"}}},
			&Cart{Items: []Item{{ProductID: "sku-1"}}}, false},

		// destination
		{"country case insensitive", Condition{ConditionCountries, Configuration{"countries": []any{"at"}}}, cartWithPostcode("1010"), true},
		{"country other", Condition{ConditionCountries, Configuration{"countries": []any{"DE"}}}, cartWithPostcode("1010"), false},
		{"country missing address", Condition{ConditionCountries, Configuration{"countries": []any{"AT"}}}, &Cart{}, false},
		{"zone match", Condition{ConditionZones, Configuration{"zones": []any{"eu"}}}, &Cart{Address: &Address{Zone: "eu"}}, true},
		{"zone missing", Condition{ConditionZones, Configuration{"zones": []any{"eu"}}}, &Cart{Address: &Address{}}, false},

		// customer
		{"customer match", Condition{ConditionCustomers, Configuration{"customers": []any{"c1"}}}, &Cart{Customer: &Customer{ID: "c1"}}, true},
		{"customer guest", Condition{ConditionCustomers, Configuration{"customers": []any{"c1"}}}, &Cart{}, false},
		{"customer group match", Condition{ConditionCustomerGroups, Configuration{"customerGroups": []any{"vip"}}},
			&Cart{Customer: &Customer{ID: "c1", Groups: []string{"retail", "vip"}}}, true},
		{"customer group none", Condition{ConditionCustomerGroups, Configuration{"customerGroups": []any{"vip"}}},
			&Cart{Customer: &Customer{ID: "c1"}}, false},

		// store context
		{"store match", Condition{ConditionStores, Configuration{"stores": []any{"shop-at"}}}, &Cart{Store: "shop-at"}, true},
		{"store other", Condition{ConditionStores, Configuration{"stores": []any{"shop-at"}}}, &Cart{Store: "shop-de"}, false},
		{"currency match", Condition{ConditionCurrencies, Configuration{"currencies": []any{"EUR"}}}, &Cart{Currency: "eur"}, true},
		{"currency missing", Condition{ConditionCurrencies, Configuration{"currencies": []any{"EUR"}}}, &Cart{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.EvaluateCondition(tt.cond, tt.cart)
			if err != nil {
				t.Fatalf("EvaluateCondition() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNestedCondition(t *testing.T) {
	reg := newTestRegistry(t)

	austria := map[string]any{"type": ConditionCountries, "configuration": map[string]any{"countries": []any{"AT"}}}
	over50 := map[string]any{"type": ConditionAmount, "configuration": map[string]any{"minAmount": 50}}

	cart := &Cart{
		Address: &Address{Country: "DE"},
		Items:   []Item{{Quantity: 1, Price: 75}},
	}

	tests := []struct {
		name     string
		operator string
		want     bool
	}{
		{"and", "and", false},
		{"or", "or", true},
		{"default is and", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Configuration{"conditions": []any{austria, over50}}
			if tt.operator != "" {
				cfg["operator"] = tt.operator
			}
			got, err := reg.EvaluateCondition(Condition{Type: ConditionNested, Configuration: cfg}, cart)
			if err != nil {
				t.Fatalf("EvaluateCondition() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("nested %s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	t.Run("unknown child type", func(t *testing.T) {
		cfg := Configuration{"conditions": []any{map[string]any{"type": "moonPhase"}}}
		_, err := reg.EvaluateCondition(Condition{Type: ConditionNested, Configuration: cfg}, cart)
		if err == nil {
			t.Fatal("Expected error for nested unknown type, got nil")
		}
	})

	t.Run("nested in nested", func(t *testing.T) {
		inner := map[string]any{
			"type":          ConditionNested,
			"configuration": map[string]any{"operator": "or", "conditions": []any{austria, over50}},
		}
		cfg := Configuration{"conditions": []any{inner}}
		got, err := reg.EvaluateCondition(Condition{Type: ConditionNested, Configuration: cfg}, cart)
		if err != nil || !got {
			t.Errorf("EvaluateCondition() = %v, %v; want true, nil", got, err)
		}
	})
}

func TestMatchPostcode(t *testing.T) {
	tests := []struct {
		pattern  string
		postcode string
		want     bool
	}{
		{"1010", "1010", true},
		{"1010", "1011", false},
		{"sw1a 1aa", "SW1A1AA", true},
		{"SW1A*", "SW1A 2BB", true},
		{"SW1A*", "SW1B 2BB", false},
		{"10?0", "1090", true},
		{"1000-1999", "1500", true},
		{"1999-1000", "1500", true},
		{"1000-1999", "2000", false},
		{"1000-1999", "ABC", false},
		{"1000-001", "1000-001", true},
		{"", "1010", false},
		{"1010", "", false},
		{"[", "[", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.postcode, func(t *testing.T) {
			if got := matchPostcode(tt.pattern, tt.postcode); got != tt.want {
				t.Errorf("matchPostcode(%q, %q) = %v, want %v", tt.pattern, tt.postcode, got, tt.want)
			}
		})
	}
}
