package settlement

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchRequest is a candidate match handed over by the order-book matcher:
// two already-paired resting orders plus the execution terms it agreed on.
// Decimals travel as strings on the wire to keep exact precision.
type MatchRequest struct {
	MarketID string          `json:"market_id" validate:"required"`
	AskID    uuid.UUID       `json:"ask_id" validate:"required"`
	BidID    uuid.UUID       `json:"bid_id" validate:"required"`
	Price    decimal.Decimal `json:"price" validate:"required"`
	Volume   decimal.Decimal `json:"volume" validate:"required"`
	Funds    decimal.Decimal `json:"funds" validate:"required"`
}
