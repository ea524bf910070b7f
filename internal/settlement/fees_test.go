package settlement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeePolicyEligibility(t *testing.T) {
	env := newTestEnv(t)
	policy := FeePolicy{Discount: d("0.5")}

	ask := env.placeAsk("10", "5", withFeeCurrency("trst"))
	bid := env.placeBid("10", "5")

	assert.True(t, policy.Eligible(&env.market, ask))
	assert.False(t, policy.Eligible(&env.market, bid))

	// electing one of the market's own legs voids the election
	base := env.placeAsk("10", "5", withFeeCurrency("btc"))
	quote := env.placeAsk("10", "5", withFeeCurrency("usd"))
	assert.False(t, policy.Eligible(&env.market, base))
	assert.False(t, policy.Eligible(&env.market, quote))
}

func TestFeePolicyFeasibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	policy := FeePolicy{Discount: d("0.5")}

	ask := env.placeAsk("10", "5", withFeeCurrency("trst"))
	bid := env.placeBid("10", "5")
	funds := d("50")

	// empty utility account cannot cover the 0.5 fee
	possible, err := policy.Feasible(ctx, env.led, &env.market, ask, funds)
	require.NoError(t, err)
	assert.False(t, possible)

	env.setAccount(env.alice, "trst", "0.5", "0")
	possible, err = policy.Feasible(ctx, env.led, &env.market, ask, funds)
	require.NoError(t, err)
	assert.True(t, possible)

	// no election means never feasible, whatever the balances
	possible, err = policy.Feasible(ctx, env.led, &env.market, bid, d("5"))
	require.NoError(t, err)
	assert.False(t, possible)
}

func TestFeePolicyDecide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	policy := FeePolicy{Discount: d("0.5")}

	ask := env.placeAsk("10", "5", withFeeCurrency("trst"))
	env.setAccount(env.alice, "trst", "1", "0")

	decision, err := policy.Decide(ctx, env.led, &env.market, ask, d("50"))
	require.NoError(t, err)
	assert.True(t, decision.FromUtility)
	assert.Equal(t, "trst", decision.Currency)
	requireDecimalEqual(t, d("0.5"), decision.Amount)
	requireDecimalEqual(t, d("50"), decision.NetReceived)

	// short utility balance falls back to the in-kind default
	env.setAccount(env.alice, "trst", "0.49", "0")
	decision, err = policy.Decide(ctx, env.led, &env.market, ask, d("50"))
	require.NoError(t, err)
	assert.False(t, decision.FromUtility)
	assert.Equal(t, "usd", decision.Currency)
	requireDecimalEqual(t, d("1"), decision.Amount)
	requireDecimalEqual(t, d("49"), decision.NetReceived)
}

func TestFeePolicyDecideWithoutElection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	policy := FeePolicy{Discount: d("0.5")}

	bid := env.placeBid("10", "5")

	decision, err := policy.Decide(ctx, env.led, &env.market, bid, d("5"))
	require.NoError(t, err)
	assert.False(t, decision.FromUtility)
	assert.Equal(t, "btc", decision.Currency)
	requireDecimalEqual(t, d("0.1"), decision.Amount)
	requireDecimalEqual(t, d("4.9"), decision.NetReceived)
	requireDecimalEqual(t, decimal.Zero, decision.Amount.Sub(d("0.1")))
}
