// Package engine runs the cycle state machine: one worker goroutine per
// configured direction, each placing an opening order, waiting for its fill,
// placing the matching closing order, and compounding the proceeds into the
// next cycle. All exchange access goes through the OrderGateway and
// PriceDecider interfaces so the machine is testable against mocks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/compound"
	"coinbase-cycle-bot-go/internal/config"
	"coinbase-cycle-bot-go/internal/models"
	"coinbase-cycle-bot-go/internal/pricing"
	"coinbase-cycle-bot-go/internal/retry"
	"go.uber.org/zap"
)

// OrderGateway is the slice of the exchange client the engine needs to place,
// poll and cancel orders.
type OrderGateway interface {
	PlaceLimitOrder(ctx context.Context, productID string, side coinbase.Side, baseSize, limitPrice float64, postOnly bool) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (*coinbase.OrderStatus, error)
	CancelOrders(ctx context.Context, orderIDs []string) ([]coinbase.CancelResult, error)
}

// PriceDecider supplies entry and next-cycle prices.
type PriceDecider interface {
	StartingPrices(ctx context.Context, sizeB, sizeQ float64) (*pricing.StartingPrices, error)
	NextOpenPrice(ctx context.Context, side coinbase.Side, profit float64) (float64, error)
}

// SetStatus is the externally visible state of one cycle set.
type SetStatus struct {
	Sequence        int     `json:"sequence"`
	Direction       string  `json:"direction"`
	Status          string  `json:"status"`
	Detail          string  `json:"detail"`
	CompletedCycles int     `json:"completed_cycles"`
	ResidualBase    float64 `json:"residual_base"`
	ResidualQuote   float64 `json:"residual_quote"`
}

// Engine owns the cycle set workers for one product.
type Engine struct {
	logger     *zap.Logger
	cfg        *config.Config
	gateway    OrderGateway
	decider    PriceDecider
	ledger     *compound.Ledger
	journal    *Journal
	inc        compound.Increments
	fillPolicy retry.Policy

	sequence  atomic.Int64
	stopped   atomic.Bool
	startTime time.Time

	mu         sync.Mutex
	sets       []*models.CycleSet
	openOrders map[string]struct{}
}

// NewEngine creates a cycle engine. The fill policy bounds every order-fill
// polling loop; the increments come from the product's exchange stats. The
// sequence counter resumes from the highest number already journaled so sets
// stay unambiguous across restarts.
func NewEngine(
	cfg *config.Config,
	gateway OrderGateway,
	decider PriceDecider,
	ledger *compound.Ledger,
	journal *Journal,
	inc compound.Increments,
	fillPolicy retry.Policy,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		logger:     logger.Named("engine"),
		cfg:        cfg,
		gateway:    gateway,
		decider:    decider,
		ledger:     ledger,
		journal:    journal,
		inc:        inc,
		fillPolicy: fillPolicy,
		startTime:  time.Now(),
		openOrders: make(map[string]struct{}),
	}

	if seq, err := journal.MaxSequenceNumber(); err != nil {
		e.logger.Error("Failed to seed sequence counter from journal", zap.Error(err))
	} else {
		e.sequence.Store(int64(seq))
	}
	return e
}

// Run starts one worker per configured direction and blocks until every
// worker has exited. A direction runs only when its starting size is positive.
func (e *Engine) Run(ctx context.Context) {
	trading := &e.cfg.Trading

	var wg sync.WaitGroup
	start := func(direction models.Direction, size float64) {
		set := e.newCycleSet(direction, size)
		if set == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runCycleSet(ctx, set)
		}()
	}

	if trading.StartingSizeB > 0 {
		start(models.DirectionSellFirst, trading.StartingSizeB)
	}
	if trading.StartingSizeQ > 0 {
		start(models.DirectionBuyFirst, trading.StartingSizeQ)
	}

	wg.Wait()
	e.logger.Info("All cycle set workers exited")
}

// Stop flips the stop flag so every worker exits at its next step boundary,
// then batch-cancels the orders the engine still knows to be open. Orders
// belonging to already-failed sets are left alone for manual reconciliation.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopped.Store(true)

	e.mu.Lock()
	ids := make([]string, 0, len(e.openOrders))
	for id := range e.openOrders {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	e.logger.Info("Cancelling open orders", zap.Int("count", len(ids)))
	results, err := e.gateway.CancelOrders(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to cancel open orders: %w", err)
	}

	for _, result := range results {
		if !result.Success {
			e.logger.Warn("Order cancel rejected",
				zap.String("order_id", result.OrderID),
				zap.String("reason", result.FailureReason),
			)
			continue
		}
		e.journal.MarkOrder(result.OrderID, coinbase.OrderStatusCancelled)
		e.untrackOrder(result.OrderID)
	}
	return nil
}

// Status returns a snapshot of every cycle set the engine has started.
func (e *Engine) Status() []SetStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]SetStatus, len(e.sets))
	for i, set := range e.sets {
		statuses[i] = SetStatus{
			Sequence:        set.SequenceNumber,
			Direction:       string(set.Direction),
			Status:          set.Status,
			Detail:          set.StatusDetail,
			CompletedCycles: set.CompletedCycles,
			ResidualBase:    set.ResidualBase,
			ResidualQuote:   set.ResidualQuote,
		}
	}
	return statuses
}

// StartTime reports when the engine was created.
func (e *Engine) StartTime() time.Time {
	return e.startTime
}

// ProductID reports the product this engine trades.
func (e *Engine) ProductID() string {
	return e.cfg.Trading.ProductID
}

func (e *Engine) newCycleSet(direction models.Direction, size float64) *models.CycleSet {
	trading := &e.cfg.Trading
	set := &models.CycleSet{
		SequenceNumber:  int(e.sequence.Add(1)),
		Direction:       direction,
		ProductID:       trading.ProductID,
		StartingSize:    size,
		ProfitPercent:   trading.ProfitPercent,
		MakerFee:        trading.MakerFee,
		TakerFee:        trading.TakerFee,
		CompoundPercent: trading.CompoundPercent,
		CompoundingMode: trading.CompoundingMode,
		WindowSize:      trading.WindowSize,
		ChartInterval:   trading.ChartInterval,
		Status:          models.CycleSetPending,
	}

	if err := e.journal.CreateCycleSet(set); err != nil {
		e.logger.Error("Failed to create cycle set",
			zap.String("direction", string(direction)),
			zap.Error(err),
		)
		return nil
	}

	e.mu.Lock()
	e.sets = append(e.sets, set)
	e.mu.Unlock()

	e.logger.Info("Cycle set created",
		zap.Int("sequence", set.SequenceNumber),
		zap.String("direction", string(direction)),
		zap.Float64("starting_size", size),
	)
	return set
}

func (e *Engine) stopRequested() bool {
	return e.stopped.Load()
}

func (e *Engine) trackOrder(orderID string) {
	e.mu.Lock()
	e.openOrders[orderID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrackOrder(orderID string) {
	e.mu.Lock()
	delete(e.openOrders, orderID)
	e.mu.Unlock()
}
