package rules

import (
	"errors"
	"math"
)

// Built-in action keys.
const (
	ActionCarrier         = "carrier"
	ActionPrice           = "price"
	ActionAdditionAmount  = "additionAmount"
	ActionAdditionPercent = "additionPercent"
	ActionDiscountAmount  = "discountAmount"
	ActionDiscountPercent = "discountPercent"
	ActionAdjustment      = "adjustment"
	ActionAttribute       = "attribute"
)

type carrierConfig struct {
	Carrier string `mapstructure:"carrier" validate:"required"`
}

type priceConfig struct {
	Price int64 `mapstructure:"price" validate:"gte=0"`
}

type amountActionConfig struct {
	Amount int64 `mapstructure:"amount" validate:"gte=0"`
}

type additionPercentConfig struct {
	Percent float64 `mapstructure:"percent" validate:"gte=0,lte=1000"`
}

type discountPercentConfig struct {
	Percent float64 `mapstructure:"percent" validate:"gte=0,lte=100"`
}

type adjustmentConfig struct {
	Label  string `mapstructure:"label" validate:"required"`
	Amount int64  `mapstructure:"amount"`
}

type attributeConfig struct {
	Key   string `mapstructure:"key" validate:"required"`
	Value any    `mapstructure:"value"`
}

// percentOf rounds half away from zero.
func percentOf(amount int64, percent float64) int64 {
	return int64(math.Round(float64(amount) * percent / 100))
}

func setCarrier(cfg carrierConfig, cart *Cart) error {
	cart.Shipping.Carrier = cfg.Carrier
	return nil
}

func setPrice(cfg priceConfig, cart *Cart) error {
	cart.Shipping.Price = cfg.Price
	return nil
}

func addAmount(cfg amountActionConfig, cart *Cart) error {
	cart.Shipping.Price += cfg.Amount
	return nil
}

func addPercent(cfg additionPercentConfig, cart *Cart) error {
	cart.Shipping.Price += percentOf(cart.Shipping.Price, cfg.Percent)
	return nil
}

func discountAmount(cfg amountActionConfig, cart *Cart) error {
	cart.Shipping.Price = max(cart.Shipping.Price-cfg.Amount, 0)
	return nil
}

func discountPercent(cfg discountPercentConfig, cart *Cart) error {
	cart.Shipping.Price = max(cart.Shipping.Price-percentOf(cart.Shipping.Price, cfg.Percent), 0)
	return nil
}

// addAdjustment leaves Rule empty; the applying rule stamps its ID.
func addAdjustment(cfg adjustmentConfig, cart *Cart) error {
	cart.Adjustments = append(cart.Adjustments, Adjustment{Label: cfg.Label, Amount: cfg.Amount})
	return nil
}

func setAttribute(cfg attributeConfig, cart *Cart) error {
	if cart.Attributes == nil {
		cart.Attributes = make(map[string]any)
	}
	cart.Attributes[cfg.Key] = cfg.Value
	return nil
}

// RegisterBuiltinActions adds the shipping actions to b.
func RegisterBuiltinActions(b *Builder) error {
	return errors.Join(
		b.RegisterAction(ActionCarrier, Typed[carrierConfig](), Execute(setCarrier)),
		b.RegisterAction(ActionPrice, Typed[priceConfig](), Execute(setPrice)),
		b.RegisterAction(ActionAdditionAmount, Typed[amountActionConfig](), Execute(addAmount)),
		b.RegisterAction(ActionAdditionPercent, Typed[additionPercentConfig](), Execute(addPercent)),
		b.RegisterAction(ActionDiscountAmount, Typed[amountActionConfig](), Execute(discountAmount)),
		b.RegisterAction(ActionDiscountPercent, Typed[discountPercentConfig](), Execute(discountPercent)),
		b.RegisterAction(ActionAdjustment, Typed[adjustmentConfig](), Execute(addAdjustment)),
		b.RegisterAction(ActionAttribute, Typed[attributeConfig](), Execute(setAttribute)),
	)
}
