package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Built-in condition keys.
const (
	ConditionAmount         = "amount"
	ConditionPostcodes      = "postcodes"
	ConditionWeight         = "weight"
	ConditionDimension      = "dimension"
	ConditionCategories     = "categories"
	ConditionProducts       = "products"
	ConditionCountries      = "countries"
	ConditionCustomers      = "customers"
	ConditionCustomerGroups = "customerGroups"
	ConditionZones          = "zones"
	ConditionStores         = "stores"
	ConditionCurrencies     = "currencies"
	ConditionNested         = "nested"
	ConditionExpression     = "expression"
)

type amountConfig struct {
	MinAmount int64 `mapstructure:"minAmount" validate:"gte=0"`
	MaxAmount int64 `mapstructure:"maxAmount" validate:"gte=0"`
}

func (c *amountConfig) Validate() error {
	if c.MinAmount > 0 && c.MaxAmount > 0 && c.MinAmount > c.MaxAmount {
		return fmt.Errorf("minAmount %d is greater than maxAmount %d", c.MinAmount, c.MaxAmount)
	}
	return nil
}

// checkAmount bounds the cart subtotal inclusively. A zero bound is open.
func checkAmount(cfg amountConfig, cart *Cart) bool {
	total := cart.Subtotal()
	if cfg.MinAmount > 0 && total < cfg.MinAmount {
		return false
	}
	if cfg.MaxAmount > 0 && total > cfg.MaxAmount {
		return false
	}
	return true
}

type weightConfig struct {
	MinWeight float64 `mapstructure:"minWeight" validate:"gte=0"`
	MaxWeight float64 `mapstructure:"maxWeight" validate:"gte=0"`
}

func (c *weightConfig) Validate() error {
	if c.MinWeight > 0 && c.MaxWeight > 0 && c.MinWeight > c.MaxWeight {
		return fmt.Errorf("minWeight %g is greater than maxWeight %g", c.MinWeight, c.MaxWeight)
	}
	return nil
}

func checkWeight(cfg weightConfig, cart *Cart) bool {
	w := cart.Weight()
	if cfg.MinWeight > 0 && w < cfg.MinWeight {
		return false
	}
	if cfg.MaxWeight > 0 && w > cfg.MaxWeight {
		return false
	}
	return true
}

type dimensionConfig struct {
	Width  float64 `mapstructure:"width" validate:"gte=0"`
	Height float64 `mapstructure:"height" validate:"gte=0"`
	Depth  float64 `mapstructure:"depth" validate:"gte=0"`
}

// checkDimension requires every item to fit the configured box. A zero
// axis is unbounded; an empty cart has nothing to ship and never matches.
func checkDimension(cfg dimensionConfig, cart *Cart) bool {
	if len(cart.Items) == 0 {
		return false
	}
	for _, it := range cart.Items {
		if cfg.Width > 0 && it.Width > cfg.Width {
			return false
		}
		if cfg.Height > 0 && it.Height > cfg.Height {
			return false
		}
		if cfg.Depth > 0 && it.Depth > cfg.Depth {
			return false
		}
	}
	return true
}

type postcodesConfig struct {
	Postcodes []string `mapstructure:"postcodes" validate:"min=1"`
	Exclusion bool     `mapstructure:"exclusion"`
}

func checkPostcodes(cfg postcodesConfig, cart *Cart) bool {
	postcode, ok := cart.Postcode()
	if !ok {
		return false
	}
	matched := slices.ContainsFunc(cfg.Postcodes, func(pattern string) bool {
		return matchPostcode(pattern, postcode)
	})
	if cfg.Exclusion {
		return !matched
	}
	return matched
}

type categoriesConfig struct {
	Categories []string `mapstructure:"categories" validate:"min=1,dive,required"`
}

type productsConfig struct {
	Products []string `mapstructure:"products" validate:"min=1,dive,required"`
}

type countriesConfig struct {
	Countries []string `mapstructure:"countries" validate:"min=1,dive,required"`
}

type customersConfig struct {
	Customers []string `mapstructure:"customers" validate:"min=1,dive,required"`
}

type customerGroupsConfig struct {
	CustomerGroups []string `mapstructure:"customerGroups" validate:"min=1,dive,required"`
}

type zonesConfig struct {
	Zones []string `mapstructure:"zones" validate:"min=1,dive,required"`
}

type storesConfig struct {
	Stores []string `mapstructure:"stores" validate:"min=1,dive,required"`
}

type currenciesConfig struct {
	Currencies []string `mapstructure:"currencies" validate:"min=1,dive,required"`
}

func checkCategories(cfg categoriesConfig, cart *Cart) bool {
	for _, it := range cart.Items {
		for _, cat := range it.Categories {
			if slices.Contains(cfg.Categories, cat) {
				return true
			}
		}
	}
	return false
}

func checkProducts(cfg productsConfig, cart *Cart) bool {
	return slices.ContainsFunc(cart.Items, func(it Item) bool {
		return slices.Contains(cfg.Products, it.ProductID)
	})
}

func checkCountries(cfg countriesConfig, cart *Cart) bool {
	if cart.Address == nil || cart.Address.Country == "" {
		return false
	}
	return slices.ContainsFunc(cfg.Countries, func(c string) bool {
		return strings.EqualFold(c, cart.Address.Country)
	})
}

func checkCustomers(cfg customersConfig, cart *Cart) bool {
	if cart.Customer == nil || cart.Customer.ID == "" {
		return false
	}
	return slices.Contains(cfg.Customers, cart.Customer.ID)
}

func checkCustomerGroups(cfg customerGroupsConfig, cart *Cart) bool {
	if cart.Customer == nil {
		return false
	}
	return slices.ContainsFunc(cart.Customer.Groups, func(g string) bool {
		return slices.Contains(cfg.CustomerGroups, g)
	})
}

func checkZones(cfg zonesConfig, cart *Cart) bool {
	if cart.Address == nil || cart.Address.Zone == "" {
		return false
	}
	return slices.Contains(cfg.Zones, cart.Address.Zone)
}

func checkStores(cfg storesConfig, cart *Cart) bool {
	return cart.Store != "" && slices.Contains(cfg.Stores, cart.Store)
}

func checkCurrencies(cfg currenciesConfig, cart *Cart) bool {
	return cart.Currency != "" && slices.ContainsFunc(cfg.Currencies, func(c string) bool {
		return strings.EqualFold(c, cart.Currency)
	})
}

type nestedConfig struct {
	Operator   string      `mapstructure:"operator" validate:"omitempty,oneof=and or"`
	Conditions []Condition `mapstructure:"conditions"`
}

// nestedPredicate is the decoded form of a nested condition.
type nestedPredicate struct {
	policy     Policy
	conditions []compiledCondition
}

// nestedSchema decodes the child conditions through reg, which is the
// registry under construction. Decoding only happens after Build.
func nestedSchema(reg *Registry) Schema {
	typed := Typed[nestedConfig]()
	return SchemaFunc(func(cfg Configuration) (any, error) {
		raw, err := typed.Decode(cfg)
		if err != nil {
			return nil, err
		}
		nc := raw.(nestedConfig)
		pred := nestedPredicate{policy: PolicyAll}
		if nc.Operator == "or" {
			pred.policy = PolicyAny
		}
		for i, c := range nc.Conditions {
			cc, err := compileCondition(reg, c)
			if err != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, err)
			}
			pred.conditions = append(pred.conditions, cc)
		}
		return pred, nil
	})
}

func checkNested(cfg any, cart *Cart) (bool, error) {
	pred, ok := cfg.(nestedPredicate)
	if !ok {
		return false, fmt.Errorf("%w: unexpected configuration type %T", ErrConfiguration, cfg)
	}
	return combine(pred.policy, pred.conditions, cart)
}

// RegisterBuiltinConditions adds the shipping condition families to b.
func RegisterBuiltinConditions(b *Builder) error {
	return errors.Join(
		b.RegisterCondition(ConditionAmount, Typed[amountConfig](), Check(checkAmount)),
		b.RegisterCondition(ConditionPostcodes, Typed[postcodesConfig](), Check(checkPostcodes)),
		b.RegisterCondition(ConditionWeight, Typed[weightConfig](), Check(checkWeight)),
		b.RegisterCondition(ConditionDimension, Typed[dimensionConfig](), Check(checkDimension)),
		b.RegisterCondition(ConditionCategories, Typed[categoriesConfig](), Check(checkCategories)),
		b.RegisterCondition(ConditionProducts, Typed[productsConfig](), Check(checkProducts)),
		b.RegisterCondition(ConditionCountries, Typed[countriesConfig](), Check(checkCountries)),
		b.RegisterCondition(ConditionCustomers, Typed[customersConfig](), Check(checkCustomers)),
		b.RegisterCondition(ConditionCustomerGroups, Typed[customerGroupsConfig](), Check(checkCustomerGroups)),
		b.RegisterCondition(ConditionZones, Typed[zonesConfig](), Check(checkZones)),
		b.RegisterCondition(ConditionStores, Typed[storesConfig](), Check(checkStores)),
		b.RegisterCondition(ConditionCurrencies, Typed[currenciesConfig](), Check(checkCurrencies)),
		b.RegisterCondition(ConditionNested, nestedSchema(b.Registry()), checkNested),
		b.RegisterCondition(ConditionExpression, newExpressionSchema(), checkExpression),
	)
}
