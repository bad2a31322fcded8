// Package pricing decides when market conditions favor entering a cycle and
// computes concrete limit prices that satisfy the exchange's tick size and
// top-of-book constraints. All of its wait loops run through the retry
// scheduler; nothing here blocks without a budget.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/compound"
	"coinbase-cycle-bot-go/internal/indicator"
	"coinbase-cycle-bot-go/internal/retry"
	"go.uber.org/zap"
)

// Entry price offsets relative to the Bollinger envelope, and the spread
// applied when deriving the paired price for the opposite side.
const (
	sellBandDiscount = 0.9995
	buyBandPremium   = 1.0005
	pairedSpread     = 0.005
	bandEdgeFactor   = 0.001
	rsiNeutral       = 50.0
)

// BookSource is the top-of-book view the decider checks candidates against.
type BookSource interface {
	GetBestBidAsk(ctx context.Context, productID string) (bid, ask float64, err error)
}

// Policy bounds the decider's polling loops.
type Policy struct {
	PollInterval  time.Duration
	MaxIterations int
	SearchTimeout time.Duration
}

func (p Policy) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxIterations: p.MaxIterations,
		Delay:         p.PollInterval,
		Timeout:       p.SearchTimeout,
	}
}

// StartingPrices is the outcome of the initial market-entry decision.
// A nil price means that side has no viable entry (typically because its
// inventory is zero).
type StartingPrices struct {
	SellPrice *float64
	BuyPrice  *float64
}

// Decider computes entry and next-cycle prices for one product.
type Decider struct {
	calc           *indicator.Calculator
	book           BookSource
	productID      string
	windowSize     int
	rsiPeriod      int
	quoteIncrement string
	defaultSizeB   float64
	defaultSizeQ   float64
	policy         Policy
	logger         *zap.Logger
}

// NewDecider creates a price decider. defaultSizeB/defaultSizeQ are the
// configured starting sizes the search falls back to when its budget runs
// out without either branch condition holding.
func NewDecider(
	calc *indicator.Calculator,
	book BookSource,
	productID, quoteIncrement string,
	windowSize, rsiPeriod int,
	defaultSizeB, defaultSizeQ float64,
	policy Policy,
	logger *zap.Logger,
) *Decider {
	return &Decider{
		calc:           calc,
		book:           book,
		productID:      productID,
		windowSize:     windowSize,
		rsiPeriod:      rsiPeriod,
		quoteIncrement: quoteIncrement,
		defaultSizeB:   defaultSizeB,
		defaultSizeQ:   defaultSizeQ,
		policy:         policy,
		logger:         logger.Named("pricing"),
	}
}

// transient reports whether an error should be absorbed into the polling
// loop rather than aborting the search. Thin indicator data and empty book
// responses resolve themselves with time.
func transient(err error) bool {
	return errors.Is(err, indicator.ErrInsufficientData) || errors.Is(err, coinbase.ErrEmptyResponse)
}

// StartingPrices polls market data until conditions favor a sell-first or
// buy-first entry, then returns the entry price (and the paired
// opposite-side price when that side has inventory). If the budget runs out
// it resets both sizes to the configured starting defaults and searches once
// more before giving up with retry.ErrTimeout.
func (d *Decider) StartingPrices(ctx context.Context, sizeB, sizeQ float64) (*StartingPrices, error) {
	prices, err := d.searchStartingPrices(ctx, sizeB, sizeQ)
	if errors.Is(err, retry.ErrTimeout) {
		d.logger.Warn("Starting price search budget exhausted, resetting to configured starting sizes",
			zap.Float64("default_size_b", d.defaultSizeB),
			zap.Float64("default_size_q", d.defaultSizeQ),
		)
		return d.searchStartingPrices(ctx, d.defaultSizeB, d.defaultSizeQ)
	}
	return prices, err
}

func (d *Decider) searchStartingPrices(ctx context.Context, sizeB, sizeQ float64) (*StartingPrices, error) {
	return retry.RunBounded(ctx, d.policy.retryPolicy(), func(ctx context.Context) (*StartingPrices, bool, error) {
		price, err := d.calc.CurrentPrice(ctx)
		if err != nil {
			if transient(err) {
				return nil, false, nil
			}
			return nil, false, err
		}

		mean24, err := d.calc.Mean24(ctx)
		if err != nil {
			if transient(err) {
				return nil, false, nil
			}
			return nil, false, err
		}

		upperBB, lowerBB, err := d.calc.Bands(ctx, d.windowSize)
		if err != nil {
			if transient(err) {
				return nil, false, nil
			}
			return nil, false, err
		}

		switch {
		case price > mean24 && sizeB > 0:
			return d.trySellEntry(ctx, upperBB, sizeQ)
		case price < mean24 && sizeQ > 0:
			return d.tryBuyEntry(ctx, lowerBB, sizeB)
		default:
			d.logger.Info("Market conditions not met for either entry, waiting",
				zap.Float64("price", price),
				zap.Float64("mean24", mean24),
			)
			return nil, false, nil
		}
	})
}

// trySellEntry checks a sell candidate just under the upper band against the
// best bid, and derives the paired buy price when quote inventory exists.
func (d *Decider) trySellEntry(ctx context.Context, upperBB, sizeQ float64) (*StartingPrices, bool, error) {
	candidate := d.clampToTick(upperBB * sellBandDiscount)

	bid, _, err := d.book.GetBestBidAsk(ctx, d.productID)
	if err != nil {
		if transient(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if candidate <= bid {
		d.logger.Info("Starting sell price not favorable against best bid, waiting",
			zap.Float64("candidate", candidate),
			zap.Float64("best_bid", bid),
		)
		return nil, false, nil
	}

	prices := &StartingPrices{SellPrice: &candidate}
	if sizeQ > 0 {
		paired := d.clampToTick(candidate * (1 - pairedSpread))
		prices.BuyPrice = &paired
	}

	d.logger.Info("Starting sell price determined",
		zap.Float64("sell_price", candidate),
		zap.Bool("paired_buy", prices.BuyPrice != nil),
	)
	return prices, true, nil
}

// tryBuyEntry is the mirror of trySellEntry: a buy candidate just above the
// lower band, checked against the best ask.
func (d *Decider) tryBuyEntry(ctx context.Context, lowerBB, sizeB float64) (*StartingPrices, bool, error) {
	candidate := d.clampToTick(lowerBB * buyBandPremium)

	_, ask, err := d.book.GetBestBidAsk(ctx, d.productID)
	if err != nil {
		if transient(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if candidate >= ask {
		d.logger.Info("Starting buy price not favorable against best ask, waiting",
			zap.Float64("candidate", candidate),
			zap.Float64("best_ask", ask),
		)
		return nil, false, nil
	}

	prices := &StartingPrices{BuyPrice: &candidate}
	if sizeB > 0 {
		paired := d.clampToTick(candidate * (1 + pairedSpread))
		prices.SellPrice = &paired
	}

	d.logger.Info("Starting buy price determined",
		zap.Float64("buy_price", candidate),
		zap.Bool("paired_sell", prices.SellPrice != nil),
	)
	return prices, true, nil
}

// NextOpenPrice computes the opening price for the next cycle of a running
// set. It classifies the trend against the 24-hour moving average, waits for
// the RSI to cross 50 in the direction consistent with the requested side,
// prices off the profit target and the Bollinger edge, and only accepts a
// candidate that clears the live top of book.
func (d *Decider) NextOpenPrice(ctx context.Context, side coinbase.Side, profit float64) (float64, error) {
	return retry.RunBounded(ctx, d.policy.retryPolicy(), func(ctx context.Context) (float64, bool, error) {
		price, err := d.calc.CurrentPrice(ctx)
		if err != nil {
			if transient(err) {
				return 0, false, nil
			}
			return 0, false, err
		}

		ma24, err := d.calc.LongTermMA24(ctx)
		if err != nil {
			if transient(err) {
				return 0, false, nil
			}
			return 0, false, err
		}
		upwardTrend := price > ma24

		if err := d.waitForRSICrossover(ctx, side); err != nil {
			if errors.Is(err, retry.ErrTimeout) {
				// Let the outer loop spend its own budget re-reading the trend.
				return 0, false, nil
			}
			return 0, false, err
		}

		upperBB, lowerBB, err := d.calc.Bands(ctx, d.windowSize)
		if err != nil {
			if transient(err) {
				return 0, false, nil
			}
			return 0, false, err
		}

		candidate := d.candidateOpenPrice(side, price, profit, upperBB, lowerBB, upwardTrend)

		bid, ask, err := d.book.GetBestBidAsk(ctx, d.productID)
		if err != nil {
			if transient(err) {
				return 0, false, nil
			}
			return 0, false, err
		}

		if side == coinbase.OrderSideSell && candidate <= bid {
			d.logger.Info("Next opening sell price not favorable against best bid, waiting",
				zap.Float64("candidate", candidate),
				zap.Float64("best_bid", bid),
			)
			return 0, false, nil
		}
		if side == coinbase.OrderSideBuy && candidate >= ask {
			d.logger.Info("Next opening buy price not favorable against best ask, waiting",
				zap.Float64("candidate", candidate),
				zap.Float64("best_ask", ask),
			)
			return 0, false, nil
		}

		d.logger.Info("Next opening price determined",
			zap.String("side", string(side)),
			zap.Float64("price", candidate),
			zap.Bool("upward_trend", upwardTrend),
		)
		return candidate, true, nil
	})
}

// candidateOpenPrice applies the trend rule: with the trend, price
// aggressively past the band edge; against it, stay inside the envelope.
func (d *Decider) candidateOpenPrice(side coinbase.Side, price, profit, upperBB, lowerBB float64, upwardTrend bool) float64 {
	var candidate float64
	if side == coinbase.OrderSideSell {
		target := price * (1 + profit)
		if upwardTrend {
			candidate = max(target, (1+bandEdgeFactor)*upperBB)
		} else {
			candidate = min(target, (1-bandEdgeFactor)*upperBB)
		}
	} else {
		target := price * (1 - profit)
		if upwardTrend {
			candidate = max(target, (1+bandEdgeFactor)*lowerBB)
		} else {
			candidate = min(target, (1-bandEdgeFactor)*lowerBB)
		}
	}
	return d.clampToTick(candidate)
}

// waitForRSICrossover blocks until the RSI is on the side of 50 consistent
// with the requested order side: above for sells, below for buys.
func (d *Decider) waitForRSICrossover(ctx context.Context, side coinbase.Side) error {
	_, err := retry.RunBounded(ctx, d.policy.retryPolicy(), func(ctx context.Context) (float64, bool, error) {
		rsi, err := d.calc.CurrentRSI(ctx, d.rsiPeriod)
		if err != nil {
			if transient(err) {
				return 0, false, nil
			}
			return 0, false, err
		}

		crossed := (side == coinbase.OrderSideSell && rsi > rsiNeutral) ||
			(side == coinbase.OrderSideBuy && rsi < rsiNeutral)
		if !crossed {
			d.logger.Info("Waiting for RSI crossover",
				zap.String("side", string(side)),
				zap.Float64("rsi", rsi),
			)
		}
		return rsi, crossed, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for RSI crossover: %w", err)
	}
	return nil
}

// clampToTick floors a price to the quote increment's resolution and keeps
// it at least one increment above zero.
func (d *Decider) clampToTick(price float64) float64 {
	floored := compound.FloorToIncrement(price, d.quoteIncrement)
	if tick, err := strconv.ParseFloat(d.quoteIncrement, 64); err == nil && floored < tick {
		return tick
	}
	return floored
}
