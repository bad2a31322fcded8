package engine

import (
	"context"
	"errors"
	"fmt"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/compound"
	"coinbase-cycle-bot-go/internal/models"
	"coinbase-cycle-bot-go/internal/retry"
	"go.uber.org/zap"
)

// runCycleSet is the worker loop for one cycle set. Each iteration is one
// cycle: opening order, fill, closing order, fill, compound. The loop exits
// only on failure, stop, or context cancellation; it never recurses.
//
// openingSize is denominated in base currency for a sell-first set and in
// quote currency for a buy-first set, matching what the opening order spends.
func (e *Engine) runCycleSet(ctx context.Context, set *models.CycleSet) {
	log := e.logger.With(
		zap.Int("cycle_set", set.SequenceNumber),
		zap.String("direction", string(set.Direction)),
	)

	openSide := coinbase.OrderSideSell
	if set.Direction == models.DirectionBuyFirst {
		openSide = coinbase.OrderSideBuy
	}
	closeSide := openSide.Opposite()
	profit := set.ProfitPercent / 100
	openingSize := set.StartingSize

	for number := 1; ; number++ {
		if e.stopRequested() {
			e.markStopped(set, number, nil)
			return
		}

		openPrice, resetSize, err := e.openingPrice(ctx, set, openSide, number)
		if err != nil {
			e.finish(set, number, nil, "Failed-Determining Opening Price", err, log)
			return
		}
		if resetSize > 0 {
			log.Warn("Opening size reset to configured starting size",
				zap.Float64("from", openingSize),
				zap.Float64("to", resetSize),
			)
			openingSize = resetSize
		}

		cycle := e.journal.StartCycle(set, number, openingSize)

		// Opening leg.
		e.transition(set, number, models.CycleSetActive,
			fmt.Sprintf("Active-Opening %s Order", sideWord(openSide)), "")

		openID, openRequested, err := e.placeOrder(ctx, set, number, openSide, "opening", openingSize, openPrice)
		if err != nil {
			e.finish(set, number, cycle, fmt.Sprintf("Failed-Opening %s Order", sideWord(openSide)), err, log)
			return
		}

		openFill, err := e.waitForFill(ctx, openID)
		if err != nil {
			e.abandonOrder(openID, err)
			e.finish(set, number, cycle, fmt.Sprintf("Failed-Opening %s Order", sideWord(openSide)), err, log)
			return
		}
		e.journal.MarkOrder(openID, openFill.Status)
		e.untrackOrder(openID)

		openSnap := e.ledger.ProcessFill(openSide, openRequested, openFill)

		// Closing leg: take the profit back plus both legs' maker fees.
		closePrice := e.closingPrice(openSide, openPrice, profit, set.MakerFee)
		spent := openSnap.SpentBase
		if openSide == coinbase.OrderSideBuy {
			spent = openSnap.SpentQuote
		}
		baseline := e.ledger.Baseline(closeSide, spent, closePrice, set.MakerFee)
		closingSize := e.ledger.NextSize(openSnap.Received(), baseline)

		e.transition(set, number, models.CycleSetActive,
			fmt.Sprintf("Active-Closing %s Order", sideWord(closeSide)), openID)

		closeID, closeRequested, err := e.placeOrder(ctx, set, number, closeSide, "closing", closingSize, closePrice)
		if err != nil {
			e.finish(set, number, cycle, fmt.Sprintf("Failed-Closing %s Order", sideWord(closeSide)), err, log)
			return
		}

		closeFill, err := e.waitForFill(ctx, closeID)
		if err != nil {
			e.abandonOrder(closeID, err)
			e.finish(set, number, cycle, fmt.Sprintf("Failed-Closing %s Order", sideWord(closeSide)), err, log)
			return
		}
		e.journal.MarkOrder(closeID, closeFill.Status)
		e.untrackOrder(closeID)

		closeSnap := e.ledger.ProcessFill(closeSide, closeRequested, closeFill)

		// Compound the closing proceeds into the next opening size. The cycle's
		// own opening size is the principal carried forward.
		nextSize := e.ledger.NextSize(closeSnap.Received(), openingSize)

		e.mu.Lock()
		set.ResidualBase = compound.RoundToIncrement(
			set.ResidualBase+openSnap.ResidualBase+closeSnap.ResidualBase, e.inc.Base)
		set.ResidualQuote = compound.RoundToIncrement(
			set.ResidualQuote+openSnap.ResidualQuote+closeSnap.ResidualQuote, e.inc.Quote)
		e.journal.CompleteCycle(set, cycle)
		e.mu.Unlock()

		log.Info("Cycle complete",
			zap.Int("cycle", number),
			zap.Float64("open_price", openPrice),
			zap.Float64("close_price", closePrice),
			zap.Float64("opening_size", openingSize),
			zap.Float64("next_opening_size", nextSize),
			zap.Float64("residual_base", set.ResidualBase),
			zap.Float64("residual_quote", set.ResidualQuote),
		)
		openingSize = nextSize
	}
}

// openingPrice determines the limit price for a cycle's opening order. The
// first cycle runs the full starting-price search; later cycles price off the
// previous cycle via NextOpenPrice. When NextOpenPrice exhausts its budget the
// set re-enters the market from scratch at the configured starting size; the
// returned resetSize is non-zero in that case.
func (e *Engine) openingPrice(ctx context.Context, set *models.CycleSet, openSide coinbase.Side, number int) (price, resetSize float64, err error) {
	if number == 1 {
		price, err = e.startingPrice(ctx, openSide, set.StartingSize)
		return price, 0, err
	}

	price, err = e.decider.NextOpenPrice(ctx, openSide, set.ProfitPercent/100)
	if err == nil {
		return price, 0, nil
	}
	if !errors.Is(err, retry.ErrTimeout) {
		return 0, 0, err
	}

	defaultSize := e.cfg.Trading.StartingSizeB
	if openSide == coinbase.OrderSideBuy {
		defaultSize = e.cfg.Trading.StartingSizeQ
	}
	price, err = e.startingPrice(ctx, openSide, defaultSize)
	if err != nil {
		return 0, 0, err
	}
	return price, defaultSize, nil
}

// startingPrice runs the entry search for one side only. The opposite size is
// passed as zero so the search can never complete on the wrong branch.
func (e *Engine) startingPrice(ctx context.Context, openSide coinbase.Side, size float64) (float64, error) {
	sizeB, sizeQ := size, 0.0
	if openSide == coinbase.OrderSideBuy {
		sizeB, sizeQ = 0.0, size
	}

	prices, err := e.decider.StartingPrices(ctx, sizeB, sizeQ)
	if err != nil {
		return 0, err
	}

	price := prices.SellPrice
	if openSide == coinbase.OrderSideBuy {
		price = prices.BuyPrice
	}
	if price == nil {
		return 0, fmt.Errorf("starting price search produced no %s entry", sideWord(openSide))
	}
	return *price, nil
}

// closingPrice is the limit price that takes the configured profit plus both
// legs' maker fees back out of the opening price.
func (e *Engine) closingPrice(openSide coinbase.Side, openPrice, profit, makerFee float64) float64 {
	var price float64
	if openSide == coinbase.OrderSideSell {
		price = openPrice * (1 - profit - 2*makerFee)
	} else {
		price = openPrice * (1 + profit + 2*makerFee)
	}
	return compound.FloorToIncrement(price, e.inc.Quote)
}

// placeOrder places a post-only limit order and journals it. size is base for
// a sell and quote for a buy; the returned requested amount is in the same
// denomination the fill processing expects for that side.
func (e *Engine) placeOrder(ctx context.Context, set *models.CycleSet, number int, side coinbase.Side, leg string, size, price float64) (orderID string, requested float64, err error) {
	var baseSize float64
	if side == coinbase.OrderSideSell {
		baseSize = compound.FloorToIncrement(size, e.inc.Base)
		requested = baseSize
	} else {
		// A buy spends quote: convert to base at the limit price, net of the
		// maker fee, so the order never overdraws the quote budget.
		baseSize = compound.FloorToIncrement(size*(1-set.MakerFee)/price, e.inc.Base)
		requested = size
	}

	orderID, err = e.gateway.PlaceLimitOrder(ctx, set.ProductID, side, baseSize, price, true)
	if err != nil {
		return "", 0, fmt.Errorf("failed to place %s %s order: %w", leg, sideWord(side), err)
	}

	e.trackOrder(orderID)
	e.journal.RecordOrder(set, number, orderID, side, leg, baseSize, price)

	e.logger.Info("Order placed",
		zap.Int("cycle_set", set.SequenceNumber),
		zap.Int("cycle", number),
		zap.String("leg", leg),
		zap.String("side", string(side)),
		zap.String("order_id", orderID),
		zap.Float64("base_size", baseSize),
		zap.Float64("limit_price", price),
	)
	return orderID, requested, nil
}

// waitForFill polls an order until it fills. A cancelled or expired order
// aborts with ErrOrderCancelled; an exhausted budget maps to ErrOrderNotFilled.
func (e *Engine) waitForFill(ctx context.Context, orderID string) (*coinbase.OrderStatus, error) {
	status, err := retry.RunBounded(ctx, e.fillPolicy, func(ctx context.Context) (*coinbase.OrderStatus, bool, error) {
		if e.stopRequested() {
			return nil, false, errStopRequested
		}

		status, err := e.gateway.GetOrderStatus(ctx, orderID)
		if err != nil {
			if errors.Is(err, coinbase.ErrEmptyResponse) {
				return nil, false, nil
			}
			return nil, false, err
		}

		switch status.Status {
		case coinbase.OrderStatusFilled:
			return status, true, nil
		case coinbase.OrderStatusCancelled, coinbase.OrderStatusExpired:
			return nil, false, fmt.Errorf("%w: order %s is %s", ErrOrderCancelled, orderID, status.Status)
		default:
			e.logger.Info("Waiting for order fill",
				zap.String("order_id", orderID),
				zap.String("status", status.Status),
				zap.Float64("filled_size", status.FilledSize),
			)
			return nil, false, nil
		}
	})
	if errors.Is(err, retry.ErrTimeout) {
		return nil, fmt.Errorf("%w: order %s", ErrOrderNotFilled, orderID)
	}
	return status, err
}

// abandonOrder records the final known state of an order the worker is
// walking away from. Unfilled orders stay open on the exchange for manual
// handling; cancelled ones are marked so the journal matches the exchange.
func (e *Engine) abandonOrder(orderID string, cause error) {
	if errors.Is(cause, ErrOrderCancelled) {
		e.journal.MarkOrder(orderID, coinbase.OrderStatusCancelled)
		e.untrackOrder(orderID)
	}
}

// finish ends a worker after an error: context cancellation and stop requests
// read as an orderly stop, anything else marks the set failed. The in-flight
// cycle row, when one exists, gets the matching terminal status. Open orders
// are deliberately left on the exchange either way; Stop cancels the tracked
// ones, a failure leaves everything for the operator.
func (e *Engine) finish(set *models.CycleSet, number int, cycle *models.Cycle, phase string, err error, log *zap.Logger) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStopRequested) {
		e.markStopped(set, number, cycle)
		return
	}

	e.transition(set, number, models.CycleSetFailed, phase, "")
	if cycle != nil {
		e.journal.FailCycle(cycle)
	}
	log.Error("Cycle set failed",
		zap.Int("cycle", number),
		zap.String("phase", phase),
		zap.Error(err),
	)
}

func (e *Engine) markStopped(set *models.CycleSet, number int, cycle *models.Cycle) {
	e.transition(set, number, models.CycleSetStopped, "Stopped", "")
	if cycle != nil {
		e.journal.StopCycle(cycle)
	}
	e.logger.Info("Cycle set stopped",
		zap.Int("cycle_set", set.SequenceNumber),
		zap.Int("cycle", number),
	)
}

// transition updates the set under the engine lock and journals the change.
func (e *Engine) transition(set *models.CycleSet, number int, status, phase, orderID string) {
	detail := fmt.Sprintf("CycleSet %d (%s) Cycle %d: %s", set.SequenceNumber, set.Direction, number, phase)
	e.mu.Lock()
	e.journal.Transition(set, number, status, detail, orderID)
	e.mu.Unlock()
	e.logger.Info("Cycle set transition", zap.String("detail", detail))
}

func sideWord(side coinbase.Side) string {
	if side == coinbase.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}
