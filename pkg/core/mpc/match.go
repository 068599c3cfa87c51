package mpc

import (
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
)

// Prices are 32.32 fixed-point: the upper 32 bits are the integer part. The
// midpoint of two prices is therefore exact to half a tick.
const PriceShift = 32

// FixedPrice converts an integer price to its fixed-point representation.
func FixedPrice(p uint64) uint64 {
	return p << PriceShift
}

// Outcome is the result of crossing two orders.
type Outcome struct {
	Crossed bool
	// Amount of the base mint swapped; min of the two order amounts.
	Amount uint64
	// Price is the fixed-point execution price, the midpoint of the two
	// limit prices.
	Price uint64
}

// ComputeMatch crosses two orders. Orders cross when they reference the same
// pair, sit on opposite sides of the book, and the sell price does not
// exceed the buy price. Deterministic in its inputs; both parties evaluate
// it over the shared transcript and must agree byte for byte.
func ComputeMatch(o1, o2 order.Order) Outcome {
	if o1.BaseMint != o2.BaseMint || o1.QuoteMint != o2.QuoteMint {
		return Outcome{}
	}
	if o1.Side == o2.Side {
		return Outcome{}
	}

	sell, buy := o1, o2
	if o1.Side == order.Buy {
		sell, buy = o2, o1
	}
	if sell.Price > buy.Price {
		return Outcome{}
	}

	amount := o1.Amount
	if o2.Amount < amount {
		amount = o2.Amount
	}

	return Outcome{
		Crossed: true,
		Amount:  amount,
		Price:   (sell.Price + buy.Price) / 2,
	}
}
