package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/botfleet/botfleet-api/internal/types"
)

// lot is unmatched buy inventory awaiting a sell.
type lot struct {
	quantity decimal.Decimal
	price    decimal.Decimal
	boughtAt time.Time
}

// Match pairs sold quantity against the oldest open buy lot. Realized P&L
// only ever comes from matches; open inventory contributes nothing to it.
type Match struct {
	BotID     string
	Symbol    string
	Quantity  decimal.Decimal
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	SoldAt    time.Time
	PnL       decimal.Decimal // (sell - buy) * quantity, before fees
}

// RoundTrip is one sell fill's aggregate outcome: the sum of its matches'
// P&L minus the sell leg's fee. The consecutive-loss check runs on these.
type RoundTrip struct {
	BotID    string
	Symbol   string
	SoldAt   time.Time
	NetPnL   decimal.Decimal
	Quantity decimal.Decimal
}

type bookKey struct {
	botID  string
	symbol string
}

// fifoBook tracks open buy lots per (bot, symbol).
type fifoBook struct {
	lots map[bookKey][]lot
	// last traded price per key, for marking open inventory
	lastPrice map[bookKey]decimal.Decimal
}

func newFifoBook() *fifoBook {
	return &fifoBook{
		lots:      make(map[bookKey][]lot),
		lastPrice: make(map[bookKey]decimal.Decimal),
	}
}

func (b *fifoBook) buy(key bookKey, quantity, price decimal.Decimal, at time.Time) {
	b.lots[key] = append(b.lots[key], lot{quantity: quantity, price: price, boughtAt: at})
	b.lastPrice[key] = price
}

// sell consumes the oldest open lots first, partial consumption allowed.
// Sold quantity exceeding open inventory is ignored rather than matched
// against nothing.
func (b *fifoBook) sell(key bookKey, quantity, price decimal.Decimal, at time.Time) []Match {
	b.lastPrice[key] = price

	var matches []Match
	remaining := quantity
	queue := b.lots[key]

	for len(queue) > 0 && remaining.IsPositive() {
		head := &queue[0]
		matched := decimal.Min(remaining, head.quantity)

		matches = append(matches, Match{
			BotID:     key.botID,
			Symbol:    key.symbol,
			Quantity:  matched,
			BuyPrice:  head.price,
			SellPrice: price,
			SoldAt:    at,
			PnL:       price.Sub(head.price).Mul(matched),
		})

		remaining = remaining.Sub(matched)
		head.quantity = head.quantity.Sub(matched)
		if head.quantity.IsZero() {
			queue = queue[1:]
		}
	}

	b.lots[key] = queue
	return matches
}

// unrealized marks all open inventory at the last traded price per key.
func (b *fifoBook) unrealized() decimal.Decimal {
	total := decimal.Zero
	for key, queue := range b.lots {
		mark, ok := b.lastPrice[key]
		if !ok {
			continue
		}
		for _, l := range queue {
			total = total.Add(mark.Sub(l.price).Mul(l.quantity))
		}
	}
	return total
}

// replayFills runs the fills chronologically through FIFO matching and
// returns the per-match results, the per-sell round trips, and the final
// book holding open inventory.
func replayFills(fills []types.Fill) (matches []Match, roundTrips []RoundTrip, book *fifoBook) {
	book = newFifoBook()

	for _, f := range fills {
		key := bookKey{botID: f.BotID, symbol: f.Symbol}
		switch f.Side {
		case types.SideBuy:
			book.buy(key, f.Quantity, f.Price, f.ExecutedAt)
		case types.SideSell:
			sellMatches := book.sell(key, f.Quantity, f.Price, f.ExecutedAt)
			if len(sellMatches) == 0 {
				continue
			}
			matches = append(matches, sellMatches...)

			trip := RoundTrip{BotID: f.BotID, Symbol: f.Symbol, SoldAt: f.ExecutedAt, NetPnL: f.Fee.Neg()}
			for _, m := range sellMatches {
				trip.NetPnL = trip.NetPnL.Add(m.PnL)
				trip.Quantity = trip.Quantity.Add(m.Quantity)
			}
			roundTrips = append(roundTrips, trip)
		}
	}

	return matches, roundTrips, book
}
