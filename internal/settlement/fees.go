package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/exchange/internal/ledger"
	"github.com/tradeforge/exchange/pkg/models"
)

// FeePolicy computes the fee owed by one side of a match. The default fee is
// taken in kind from the asset the side receives. A side that elected a
// utility fee currency, and whose utility account can cover the discounted
// amount, pays there instead and receives its matched asset in full.
type FeePolicy struct {
	// Discount applied to the face fee when it is paid in utility currency.
	Discount decimal.Decimal
}

// FeeDecision is the outcome of the policy for one side.
type FeeDecision struct {
	Amount      decimal.Decimal
	Currency    string
	FromUtility bool
	// NetReceived is what the side is credited after the fee is applied.
	NetReceived decimal.Decimal
}

// Eligible reports whether the order may pay its fee in utility currency at
// all: the elected currency must differ from both legs of the market.
func (p FeePolicy) Eligible(market *models.Market, order *models.Order) bool {
	return order.UtilityFeeElected(market.BaseUnit, market.QuoteUnit)
}

// Feasible reports whether the utility account balance covers the discounted
// fee on the given received amount. An order that never elected a utility
// currency is never feasible.
func (p FeePolicy) Feasible(ctx context.Context, led *ledger.Service, market *models.Market, order *models.Order, received decimal.Decimal) (bool, error) {
	if !p.Eligible(market, order) {
		return false, nil
	}
	amount := p.utilityAmount(order, received)
	if !amount.IsPositive() {
		return false, nil
	}
	account, err := led.Get(ctx, order.MemberID, *order.FeeCurrency)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("utility fee account lookup: %w", err)
	}
	return account.Balance.GreaterThanOrEqual(amount), nil
}

// Decide resolves the fee for one side given the amount it receives.
// Infeasible utility elections fall back to the in-kind default.
func (p FeePolicy) Decide(ctx context.Context, led *ledger.Service, market *models.Market, order *models.Order, received decimal.Decimal) (FeeDecision, error) {
	possible, err := p.Feasible(ctx, led, market, order, received)
	if err != nil {
		return FeeDecision{}, err
	}
	if possible {
		return FeeDecision{
			Amount:      p.utilityAmount(order, received),
			Currency:    *order.FeeCurrency,
			FromUtility: true,
			NetReceived: received,
		}, nil
	}

	face := received.Mul(order.Fee)
	return FeeDecision{
		Amount:      face,
		Currency:    market.IncomeCurrency(order.Side),
		NetReceived: received.Sub(face),
	}, nil
}

// utilityAmount is the discounted face fee, denominated in the side's
// received asset terms but debited from the utility account.
func (p FeePolicy) utilityAmount(order *models.Order, received decimal.Decimal) decimal.Decimal {
	return p.Discount.Mul(received).Mul(order.Fee)
}
