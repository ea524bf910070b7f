package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tradeforge/exchange/internal/ledger"
	"github.com/tradeforge/exchange/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d(s), Valid: true}
}

type fakeNotifier struct {
	mu     sync.Mutex
	trades []*models.Trade
	err    error
}

func (f *fakeNotifier) NotifyTrade(_ context.Context, trade *models.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeNotifier) published() []*models.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Trade(nil), f.trades...)
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	led      *ledger.Service
	engine   *Engine
	notifier *fakeNotifier
	market   models.Market
	alice    uuid.UUID
	bob      uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.Order{}, &models.Trade{}, &models.Market{}))

	market := models.Market{
		ID:        "btcusd",
		BaseUnit:  "btc",
		QuoteUnit: "usd",
		AskFee:    d("0.02"),
		BidFee:    d("0.02"),
	}
	require.NoError(t, db.Create(&market).Error)

	env := &testEnv{
		t:        t,
		db:       db,
		led:      ledger.NewService(db, zap.NewNop()),
		notifier: &fakeNotifier{},
		market:   market,
		alice:    uuid.New(),
		bob:      uuid.New(),
	}
	env.engine = NewEngine(db, env.led, env.notifier, Options{LockWait: 200 * time.Millisecond}, zap.NewNop())

	for _, member := range []uuid.UUID{env.alice, env.bob} {
		for _, currency := range []string{"btc", "usd", "trst"} {
			balance := d("1000000")
			if currency == "trst" {
				balance = decimal.Zero
			}
			require.NoError(t, db.Create(&models.Account{
				ID:       uuid.New(),
				MemberID: member,
				Currency: currency,
				Balance:  balance,
				Locked:   decimal.Zero,
			}).Error)
		}
	}
	return env
}

// placeAsk creates an open sell limit order for alice with volume reserved in
// the base currency.
func (env *testEnv) placeAsk(price, volume string, opts ...func(*models.Order)) *models.Order {
	env.t.Helper()
	v := d(volume)
	order := &models.Order{
		ID:           uuid.New(),
		MemberID:     env.alice,
		MarketID:     env.market.ID,
		Side:         models.OrderSideSell,
		Type:         models.OrderTypeLimit,
		Price:        nullDec(price),
		Volume:       v,
		OriginVolume: v,
		Locked:       v,
		OriginLocked: v,
		Fee:          d("0.02"),
		State:        models.OrderStateOpen,
		CreatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(order)
	}
	env.create(order)
	return order
}

// placeBid creates an open buy limit order for bob with price x volume
// reserved in the quote currency.
func (env *testEnv) placeBid(price, volume string, opts ...func(*models.Order)) *models.Order {
	env.t.Helper()
	v := d(volume)
	locked := d(price).Mul(v)
	order := &models.Order{
		ID:           uuid.New(),
		MemberID:     env.bob,
		MarketID:     env.market.ID,
		Side:         models.OrderSideBuy,
		Type:         models.OrderTypeLimit,
		Price:        nullDec(price),
		Volume:       v,
		OriginVolume: v,
		Locked:       locked,
		OriginLocked: locked,
		Fee:          d("0.02"),
		State:        models.OrderStateOpen,
		CreatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(order)
	}
	env.create(order)
	return order
}

// asMarketBid turns a bid into a market order with an explicit funds
// reservation instead of a price.
func asMarketBid(locked string) func(*models.Order) {
	return func(o *models.Order) {
		o.Type = models.OrderTypeMarket
		o.Price = decimal.NullDecimal{}
		o.Locked = d(locked)
		o.OriginLocked = d(locked)
	}
}

func withFeeCurrency(currency string) func(*models.Order) {
	return func(o *models.Order) {
		o.FeeCurrency = &currency
	}
}

// create persists the order and moves its reservation from balance to locked
// the way order placement would have.
func (env *testEnv) create(order *models.Order) {
	env.t.Helper()
	require.NoError(env.t, env.db.Create(order).Error)
	currency := env.market.OutcomeCurrency(order.Side)
	require.NoError(env.t, env.led.Lock(context.Background(), order.MemberID, currency, order.OriginLocked))
}

func (env *testEnv) match(ask, bid *models.Order, price, volume string) MatchRequest {
	return MatchRequest{
		MarketID: env.market.ID,
		AskID:    ask.ID,
		BidID:    bid.ID,
		Price:    d(price),
		Volume:   d(volume),
		Funds:    d(price).Mul(d(volume)),
	}
}

func (env *testEnv) order(id uuid.UUID) *models.Order {
	env.t.Helper()
	var order models.Order
	require.NoError(env.t, env.db.Where("id = ?", id).First(&order).Error)
	return &order
}

func (env *testEnv) account(member uuid.UUID, currency string) *models.Account {
	env.t.Helper()
	account, err := env.led.Get(context.Background(), member, currency)
	require.NoError(env.t, err)
	return account
}

func (env *testEnv) setAccount(member uuid.UUID, currency, balance, locked string) {
	env.t.Helper()
	err := env.db.Model(&models.Account{}).
		Where("member_id = ? AND currency = ?", member, currency).
		Updates(map[string]interface{}{"balance": d(balance), "locked": d(locked)}).Error
	require.NoError(env.t, err)
}

func (env *testEnv) tradeCount() int64 {
	env.t.Helper()
	var count int64
	require.NoError(env.t, env.db.Model(&models.Trade{}).Count(&count).Error)
	return count
}

// requireDecimalEqual compares decimals by value rather than representation.
func requireDecimalEqual(t *testing.T, expected, actual decimal.Decimal) {
	t.Helper()
	require.True(t, expected.Equal(actual), "expected %s, got %s", expected.String(), actual.String())
}
