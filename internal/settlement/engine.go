// Package settlement turns candidate matches from the order-book matcher into
// atomic fund transfers between member accounts, a persisted trade record and
// a downstream notification.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/google/uuid"

	"github.com/tradeforge/exchange/internal/ledger"
	"github.com/tradeforge/exchange/pkg/metrics"
	"github.com/tradeforge/exchange/pkg/models"
)

// tolerance absorbs decimal dust when comparing volumes and funds.
var tolerance = decimal.New(1, -8)

// Notifier publishes a settled trade for downstream consumers. Delivery is
// at-least-once; duplicates are acceptable to consumers.
type Notifier interface {
	NotifyTrade(ctx context.Context, trade *models.Trade) error
}

// Options tunes engine behavior.
type Options struct {
	// LockWait bounds how long Settle waits for the order-pair locks.
	LockWait time.Duration
	// UtilityFeeDiscount is applied to the face fee when paid in utility
	// currency.
	UtilityFeeDiscount decimal.Decimal
}

// Engine is the trade settlement engine. One Settle call is one all-or-nothing
// unit: the four ledger transfers, both order mutations and the trade record
// commit together or not at all.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Service
	notifier Notifier
	fees     FeePolicy
	locks    *keyedLocks
	lockWait time.Duration
	logger   *zap.Logger
}

// NewEngine creates a settlement engine.
func NewEngine(db *gorm.DB, led *ledger.Service, notifier Notifier, opts Options, logger *zap.Logger) *Engine {
	if opts.LockWait <= 0 {
		opts.LockWait = 500 * time.Millisecond
	}
	if opts.UtilityFeeDiscount.IsZero() {
		opts.UtilityFeeDiscount = decimal.NewFromFloat(0.5)
	}
	return &Engine{
		db:       db,
		ledger:   led,
		notifier: notifier,
		fees:     FeePolicy{Discount: opts.UtilityFeeDiscount},
		locks:    newKeyedLocks(),
		lockWait: opts.LockWait,
		logger:   logger,
	}
}

// sideOutcome captures what one side's strike did to its account, for order
// bookkeeping afterwards.
type sideOutcome struct {
	fee      FeeDecision
	consumed decimal.Decimal
}

// Settle validates and settles one match, returning the created trade.
// Failures roll back every mutation; no partial transfer ever survives.
func (e *Engine) Settle(ctx context.Context, req MatchRequest) (*models.Trade, error) {
	start := time.Now()

	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	release, err := e.locks.AcquirePair(lockCtx, req.AskID, req.BidID)
	cancel()
	if err != nil {
		metrics.SettlementFailures.WithLabelValues("contention").Inc()
		return nil, err
	}
	defer release()

	var trade *models.Trade
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := e.ledger.WithTx(tx)

		ask, err := e.loadOrder(ctx, tx, req.AskID)
		if err != nil {
			return err
		}
		bid, err := e.loadOrder(ctx, tx, req.BidID)
		if err != nil {
			return err
		}

		var market models.Market
		if err := tx.WithContext(ctx).Where("id = ?", req.MarketID).First(&market).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("market %s not found: %w", req.MarketID, ErrInvalidMatch)
			}
			return fmt.Errorf("failed to load market %s: %w", req.MarketID, err)
		}

		if err := validateMatch(req, ask, bid, &market); err != nil {
			return err
		}

		trend, err := e.trend(ctx, tx, market.ID, req.Price)
		if err != nil {
			return err
		}

		askOutcome, err := e.strike(ctx, led, &market, ask, req)
		if err != nil {
			return fmt.Errorf("ask %s: %w", ask.ID, err)
		}
		bidOutcome, err := e.strike(ctx, led, &market, bid, req)
		if err != nil {
			return fmt.Errorf("bid %s: %w", bid.ID, err)
		}

		if err := e.applyFill(ctx, tx, ask, req.Volume, askOutcome.consumed); err != nil {
			return err
		}
		if err := e.applyFill(ctx, tx, bid, req.Volume, bidOutcome.consumed); err != nil {
			return err
		}

		trade = &models.Trade{
			ID:          uuid.New(),
			MarketID:    market.ID,
			AskID:       ask.ID,
			BidID:       bid.ID,
			AskMemberID: ask.MemberID,
			BidMemberID: bid.MemberID,
			Price:       req.Price,
			Volume:      req.Volume,
			Funds:       req.Funds,
			Trend:       trend,
			CreatedAt:   time.Now(),
		}
		if err := tx.WithContext(ctx).Create(trade).Error; err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	metrics.TradesSettled.WithLabelValues(trade.MarketID).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	e.logger.Info("match settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market_id", trade.MarketID),
		zap.String("ask_id", trade.AskID.String()),
		zap.String("bid_id", trade.BidID.String()),
		zap.String("price", trade.Price.String()),
		zap.String("volume", trade.Volume.String()),
		zap.String("trend", trade.Trend))

	e.publish(ctx, trade)
	return trade, nil
}

func (e *Engine) loadOrder(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s not found: %w", id, ErrInvalidMatch)
		}
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return &order, nil
}

// validateMatch checks every structural and pricing precondition. Failing any
// of them means the matcher handed over a stale or miscomputed pair.
func validateMatch(req MatchRequest, ask, bid *models.Order, market *models.Market) error {
	switch {
	case ask.MarketID != market.ID || bid.MarketID != market.ID:
		return fmt.Errorf("orders do not belong to market %s: %w", market.ID, ErrInvalidMatch)
	case ask.Side != models.OrderSideSell:
		return fmt.Errorf("order %s is not a sell order: %w", ask.ID, ErrInvalidMatch)
	case bid.Side != models.OrderSideBuy:
		return fmt.Errorf("order %s is not a buy order: %w", bid.ID, ErrInvalidMatch)
	case !ask.Open():
		return fmt.Errorf("ask %s is in state %s: %w", ask.ID, ask.State, ErrInvalidMatch)
	case !bid.Open():
		return fmt.Errorf("bid %s is in state %s: %w", bid.ID, bid.State, ErrInvalidMatch)
	case !req.Price.IsPositive() || !req.Volume.IsPositive():
		return fmt.Errorf("non-positive price or volume: %w", ErrInvalidMatch)
	}

	if ask.Type == models.OrderTypeLimit && ask.Price.Valid &&
		ask.Price.Decimal.Sub(req.Price).GreaterThan(tolerance) {
		return fmt.Errorf("strike price %s below ask limit %s: %w",
			req.Price, ask.Price.Decimal, ErrInvalidMatch)
	}
	if bid.Type == models.OrderTypeLimit && bid.Price.Valid &&
		req.Price.Sub(bid.Price.Decimal).GreaterThan(tolerance) {
		return fmt.Errorf("strike price %s above bid limit %s: %w",
			req.Price, bid.Price.Decimal, ErrInvalidMatch)
	}

	if req.Volume.Sub(ask.Volume).GreaterThan(tolerance) {
		return fmt.Errorf("volume %s exceeds ask remaining %s: %w",
			req.Volume, ask.Volume, ErrInvalidMatch)
	}
	if req.Volume.Sub(bid.Volume).GreaterThan(tolerance) {
		return fmt.Errorf("volume %s exceeds bid remaining %s: %w",
			req.Volume, bid.Volume, ErrInvalidMatch)
	}

	if req.Price.Mul(req.Volume).Sub(req.Funds).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("funds %s inconsistent with price %s x volume %s: %w",
			req.Funds, req.Price, req.Volume, ErrInvalidMatch)
	}
	return nil
}

// trend compares the strike price to the market's most recent trade. Ties and
// an empty trade history both count as up.
func (e *Engine) trend(ctx context.Context, tx *gorm.DB, marketID string, price decimal.Decimal) (string, error) {
	var last models.Trade
	err := tx.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at DESC").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.TrendUp, nil
		}
		return "", fmt.Errorf("failed to load latest trade for %s: %w", marketID, err)
	}
	if price.GreaterThanOrEqual(last.Price) {
		return models.TrendUp, nil
	}
	return models.TrendDown, nil
}

// strike moves one side's funds for this fill: release the reservation made
// at placement, credit the received asset net of fees and collect a utility
// fee where the side opted in and can pay.
//
// A limit bid filled below its own price reserved more than the fill needs;
// the whole increment leaves the locked pool and the improvement returns to
// balance.
func (e *Engine) strike(ctx context.Context, led *ledger.Service, market *models.Market, order *models.Order, req MatchRequest) (sideOutcome, error) {
	var outgoing, received, reserved decimal.Decimal
	if order.Side == models.OrderSideSell {
		outgoing = req.Volume
		received = req.Funds
		reserved = req.Volume
	} else {
		outgoing = req.Funds
		received = req.Volume
		reserved = req.Funds
		if order.Type == models.OrderTypeLimit && order.Price.Valid &&
			order.Price.Decimal.GreaterThan(req.Price) {
			reserved = order.Price.Decimal.Mul(req.Volume)
		}
	}

	fee, err := e.fees.Decide(ctx, led, market, order, received)
	if err != nil {
		return sideOutcome{}, err
	}

	outCurrency := market.OutcomeCurrency(order.Side)
	if err := led.DebitLocked(ctx, order.MemberID, outCurrency, outgoing); err != nil {
		return sideOutcome{}, err
	}
	if improvement := reserved.Sub(outgoing); improvement.IsPositive() {
		if err := led.Unlock(ctx, order.MemberID, outCurrency, improvement); err != nil {
			return sideOutcome{}, err
		}
	}

	if err := led.CreditBalance(ctx, order.MemberID, market.IncomeCurrency(order.Side), fee.NetReceived); err != nil {
		return sideOutcome{}, err
	}
	if fee.FromUtility {
		// The utility fee sits in spendable balance; stage it through the
		// locked pool so the debit uses the same primitives as everything
		// else.
		if err := led.Lock(ctx, order.MemberID, fee.Currency, fee.Amount); err != nil {
			return sideOutcome{}, err
		}
		if err := led.DebitLocked(ctx, order.MemberID, fee.Currency, fee.Amount); err != nil {
			return sideOutcome{}, err
		}
	}

	e.logger.Debug("side struck",
		zap.String("order_id", order.ID.String()),
		zap.String("side", order.Side),
		zap.String("fee", fee.Amount.String()),
		zap.String("fee_currency", fee.Currency),
		zap.Bool("utility_fee", fee.FromUtility),
		zap.String("net_received", fee.NetReceived.String()))

	return sideOutcome{fee: fee, consumed: outgoing}, nil
}

// applyFill mutates the order row for this fill and applies the completion
// policy. The order-level locked field only tracks what this fill consumed;
// a price-improvement release can leave a residual on a done order that is
// reconciled outside the settlement path.
func (e *Engine) applyFill(ctx context.Context, tx *gorm.DB, order *models.Order, volume, consumed decimal.Decimal) error {
	order.Volume = order.Volume.Sub(volume)
	order.Locked = order.Locked.Sub(consumed)
	order.TradesCount++

	switch {
	case order.Volume.LessThanOrEqual(tolerance):
		order.State = models.OrderStateDone
	case order.Type == models.OrderTypeMarket && order.Locked.LessThanOrEqual(tolerance):
		// Out of reserved funds with volume left: a market order cannot be
		// resumed.
		order.State = models.OrderStateCancel
	}
	order.UpdatedAt = time.Now()

	err := tx.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"volume":       order.Volume,
			"locked":       order.Locked,
			"trades_count": order.TradesCount,
			"state":        order.State,
			"updated_at":   order.UpdatedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	return nil
}

// publish hands the trade to the notifier. The trade is already durable, so a
// publish failure is logged and retried but never unwinds the settlement.
func (e *Engine) publish(ctx context.Context, trade *models.Trade) {
	const attempts = 3
	for i := 1; i <= attempts; i++ {
		if err := e.notifier.NotifyTrade(ctx, trade); err != nil {
			metrics.NotifierErrors.Inc()
			e.logger.Warn("failed to publish trade",
				zap.String("trade_id", trade.ID.String()),
				zap.Int("attempt", i),
				zap.Error(err))
			continue
		}
		return
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMatch):
		return "invalid_match"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientLocked):
		return "insufficient_locked"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "internal"
	}
}
