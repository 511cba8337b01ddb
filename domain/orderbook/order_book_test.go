package orderbook

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func limit(id string, side Side, price, qty string, seq uint64) *Order {
	return &Order{
		ID:       id,
		Symbol:   "BTCUSDT",
		Side:     side,
		Type:     Limit,
		Price:    d(price),
		Quantity: d(qty),
		Status:   StatusNew,
		Seq:      seq,
	}
}

func TestInsertAndBest(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	require.NoError(t, book.Insert(limit("b1", Buy, "100", "1", 1)))
	require.NoError(t, book.Insert(limit("b2", Buy, "101", "2", 2)))
	require.NoError(t, book.Insert(limit("a1", Sell, "105", "1", 3)))
	require.NoError(t, book.Insert(limit("a2", Sell, "103.5", "4", 4)))

	assert.True(t, book.BestBid().Price.Equal(d("101")))
	assert.True(t, book.BestAsk().Price.Equal(d("103.5")))
	assert.False(t, book.Crossed())
	assert.Equal(t, 4, book.Len())
}

func TestInsertRejectsDuplicatesAndMarket(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	require.NoError(t, book.Insert(limit("b1", Buy, "100", "1", 1)))
	assert.ErrorIs(t, book.Insert(limit("b1", Buy, "100", "1", 2)), ErrDuplicateOrder)

	m := limit("m1", Buy, "0", "1", 3)
	m.Type = Market
	assert.ErrorIs(t, book.Insert(m), ErrNotRestable)

	other := limit("x", Buy, "1", "1", 4)
	other.Symbol = "ETHUSDT"
	assert.ErrorIs(t, book.Insert(other), ErrWrongSymbol)
}

func TestRemovePrunesLevelAndIsIdempotent(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	require.NoError(t, book.Insert(limit("b1", Buy, "100", "1", 1)))
	require.NoError(t, book.Insert(limit("b2", Buy, "100", "2", 2)))

	o, ok := book.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", o.ID)
	assert.True(t, book.LevelQuantity(Buy, d("100")).Equal(d("2")))

	_, ok = book.Remove("b1")
	assert.False(t, ok)

	_, ok = book.Remove("b2")
	require.True(t, ok)
	assert.Nil(t, book.BestBid())
	assert.Equal(t, 0, book.Bids.Size())
}

func TestLevelKeepsSequenceOrder(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	// Recovery may insert out of intake order.
	for _, seq := range []uint64{5, 2, 9, 1, 7} {
		require.NoError(t, book.Insert(limit(fmt.Sprintf("o%d", seq), Sell, "10", "1", seq)))
	}

	var got []uint64
	for o := book.BestAsk().Head(); o != nil; o = o.Next() {
		got = append(got, o.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 5, 7, 9}, got)
	assert.True(t, book.BestAsk().TotalQty.Equal(d("5")))
}

func TestFillPartialAndFull(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	a := limit("a1", Sell, "10", "3", 1)
	require.NoError(t, book.Insert(a))

	book.Fill(a, d("1"))
	assert.Equal(t, StatusPartiallyFilled, a.Status)
	assert.True(t, book.LevelQuantity(Sell, d("10")).Equal(d("2")))

	book.Fill(a, d("2"))
	assert.Equal(t, StatusFilled, a.Status)
	assert.Nil(t, book.BestAsk())
	_, ok := book.Get("a1")
	assert.False(t, ok)

	_, ok = book.Remove("a1")
	assert.False(t, ok, "consumed order removal must be a no-op")
}

func TestDepth(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	require.NoError(t, book.Insert(limit("b1", Buy, "99", "1", 1)))
	require.NoError(t, book.Insert(limit("b2", Buy, "100", "1", 2)))
	require.NoError(t, book.Insert(limit("b3", Buy, "100", "2", 3)))
	require.NoError(t, book.Insert(limit("a1", Sell, "101", "1", 4)))
	require.NoError(t, book.Insert(limit("a2", Sell, "102", "5", 5)))

	depth := book.Depth(1)
	require.Len(t, depth.Bids, 1)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Bids[0].Price.Equal(d("100")))
	assert.True(t, depth.Bids[0].Quantity.Equal(d("3")))
	assert.Equal(t, 2, depth.Bids[0].Orders)
	assert.True(t, depth.Asks[0].Price.Equal(d("101")))

	all := book.Depth(0)
	assert.Len(t, all.Bids, 2)
	assert.Len(t, all.Asks, 2)
}

func TestWalkOrder(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	require.NoError(t, book.Insert(limit("b1", Buy, "99", "1", 1)))
	require.NoError(t, book.Insert(limit("b2", Buy, "100", "1", 2)))
	require.NoError(t, book.Insert(limit("a1", Sell, "102", "1", 3)))
	require.NoError(t, book.Insert(limit("a2", Sell, "101", "1", 4)))

	var ids []string
	book.Walk(func(o *Order) { ids = append(ids, o.ID) })
	assert.Equal(t, []string{"b2", "b1", "a2", "a1"}, ids)
}
