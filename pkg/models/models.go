package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides, types and states
const (
	OrderSideSell = "sell"
	OrderSideBuy  = "buy"

	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"

	OrderStateOpen   = "open"
	OrderStateDone   = "done"
	OrderStateCancel = "cancel"
)

// Trade trend relative to the market's previous trade
const (
	TrendUp   = "up"
	TrendDown = "down"
)

// Account holds a member's funds in one currency. Balance is spendable,
// Locked is reserved against open orders. Both are non-negative at all times;
// mutation goes through the ledger primitives only.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MemberID  uuid.UUID       `json:"member_id" gorm:"type:uuid;index:idx_accounts_member_currency,unique"`
	Currency  string          `json:"currency" gorm:"index:idx_accounts_member_currency,unique"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,16)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,16)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order is a resting buy/sell intent. Volume and Locked are the remaining
// quantities; Origin* keep the values at placement time for audit. Locked is
// order-level bookkeeping of the reservation still attributed to this order;
// after a price-improvement release it may retain a residual that is
// reconciled outside the settlement path.
type Order struct {
	ID           uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid"`
	MemberID     uuid.UUID           `json:"member_id" gorm:"type:uuid;index"`
	MarketID     string              `json:"market_id" gorm:"index"`
	Side         string              `json:"side"`
	Type         string              `json:"type"`
	Price        decimal.NullDecimal `json:"price" gorm:"type:decimal(32,16)"`
	Volume       decimal.Decimal     `json:"volume" gorm:"type:decimal(32,16)"`
	OriginVolume decimal.Decimal     `json:"origin_volume" gorm:"type:decimal(32,16)"`
	Locked       decimal.Decimal     `json:"locked" gorm:"type:decimal(32,16)"`
	OriginLocked decimal.Decimal     `json:"origin_locked" gorm:"type:decimal(32,16)"`
	Fee          decimal.Decimal     `json:"fee" gorm:"type:decimal(17,16)"`
	FeeCurrency  *string             `json:"fee_currency,omitempty" gorm:"index"`
	TradesCount  int64               `json:"trades_count"`
	State        string              `json:"state" gorm:"index"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Open reports whether the order can still take part in a match.
func (o *Order) Open() bool { return o.State == OrderStateOpen }

// UtilityFeeElected reports whether the order opted into paying its trading
// fee in an alternate currency. The elected currency must differ from both
// legs of the market, otherwise the election is void.
func (o *Order) UtilityFeeElected(baseUnit, quoteUnit string) bool {
	if o.FeeCurrency == nil || *o.FeeCurrency == "" {
		return false
	}
	return *o.FeeCurrency != baseUnit && *o.FeeCurrency != quoteUnit
}

// Trade is the immutable record of one settled match.
type Trade struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MarketID    string          `json:"market_id" gorm:"index"`
	AskID       uuid.UUID       `json:"ask_id" gorm:"type:uuid;index"`
	BidID       uuid.UUID       `json:"bid_id" gorm:"type:uuid;index"`
	AskMemberID uuid.UUID       `json:"ask_member_id" gorm:"type:uuid;index"`
	BidMemberID uuid.UUID       `json:"bid_member_id" gorm:"type:uuid;index"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Volume      decimal.Decimal `json:"volume" gorm:"type:decimal(32,16)"`
	Funds       decimal.Decimal `json:"funds" gorm:"type:decimal(32,16)"`
	Trend       string          `json:"trend"`
	CreatedAt   time.Time       `json:"created_at" gorm:"index"`
}

// Market describes one trading pair and its per-side fee rates.
type Market struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	BaseUnit  string          `json:"base_unit"`
	QuoteUnit string          `json:"quote_unit"`
	AskFee    decimal.Decimal `json:"ask_fee" gorm:"type:decimal(17,16)"`
	BidFee    decimal.Decimal `json:"bid_fee" gorm:"type:decimal(17,16)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IncomeCurrency is the currency a filled order of the given side receives.
func (m *Market) IncomeCurrency(side string) string {
	if side == OrderSideSell {
		return m.QuoteUnit
	}
	return m.BaseUnit
}

// OutcomeCurrency is the currency a filled order of the given side pays out
// of its locked reservation.
func (m *Market) OutcomeCurrency(side string) string {
	if side == OrderSideSell {
		return m.BaseUnit
	}
	return m.QuoteUnit
}

// SideFee returns the configured fee rate for the given order side.
func (m *Market) SideFee(side string) decimal.Decimal {
	if side == OrderSideSell {
		return m.AskFee
	}
	return m.BidFee
}
