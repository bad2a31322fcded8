package engine

import (
	"context"
	"testing"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/compound"
	"coinbase-cycle-bot-go/internal/config"
	"coinbase-cycle-bot-go/internal/database"
	"coinbase-cycle-bot-go/internal/models"
	"coinbase-cycle-bot-go/internal/pricing"
	"coinbase-cycle-bot-go/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockGateway is a mock implementation of the OrderGateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PlaceLimitOrder(ctx context.Context, productID string, side coinbase.Side, baseSize, limitPrice float64, postOnly bool) (string, error) {
	args := m.Called(ctx, productID, side, baseSize, limitPrice, postOnly)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, orderID string) (*coinbase.OrderStatus, error) {
	args := m.Called(ctx, orderID)
	if status := args.Get(0); status != nil {
		return status.(*coinbase.OrderStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) CancelOrders(ctx context.Context, orderIDs []string) ([]coinbase.CancelResult, error) {
	args := m.Called(ctx, orderIDs)
	if results := args.Get(0); results != nil {
		return results.([]coinbase.CancelResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockDecider is a mock implementation of the PriceDecider interface.
type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) StartingPrices(ctx context.Context, sizeB, sizeQ float64) (*pricing.StartingPrices, error) {
	args := m.Called(ctx, sizeB, sizeQ)
	if prices := args.Get(0); prices != nil {
		return prices.(*pricing.StartingPrices), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecider) NextOpenPrice(ctx context.Context, side coinbase.Side, profit float64) (float64, error) {
	args := m.Called(ctx, side, profit)
	return args.Get(0).(float64), args.Error(1)
}

func floatPtr(f float64) *float64 { return &f }

func testTrading() config.Trading {
	return config.Trading{
		ProductID:       "BTC-USD",
		StartingSizeB:   0.5,
		ProfitPercent:   1,
		MakerFee:        0.004,
		TakerFee:        0.006,
		CompoundingMode: compound.ModeFull,
		WindowSize:      20,
		ChartInterval:   300,
	}
}

// newTestEngine creates an engine over a mock gateway, a mock decider and a
// fresh in-memory database. Fill polling runs at millisecond speed.
func newTestEngine(t *testing.T, trading config.Trading) (*Engine, *MockGateway, *MockDecider, *gorm.DB) {
	t.Helper()

	// Use a new, non-shared in-memory database for each test to ensure
	// isolation. A single pooled connection keeps every goroutine on the same
	// in-memory instance.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, database.AutoMigrate(db))

	gateway := new(MockGateway)
	decider := new(MockDecider)

	inc := compound.Increments{Base: "0.00000001", Quote: "0.01"}
	ledger, err := compound.NewLedger(trading.CompoundingMode, trading.CompoundPercent, inc, zap.NewNop())
	assert.NoError(t, err)

	cfg := &config.Config{Trading: trading}
	journal := NewJournal(db, zap.NewNop())
	fillPolicy := retry.Policy{MaxIterations: 1000, Delay: time.Millisecond, Timeout: 10 * time.Second}

	eng := NewEngine(cfg, gateway, decider, ledger, journal, inc, fillPolicy, zap.NewNop())
	return eng, gateway, decider, db
}

func TestCancelledOpeningOrderFailsTheSet(t *testing.T) {
	eng, gateway, decider, db := newTestEngine(t, testTrading())

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(103.11)}, nil)
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, 0.5, 103.11, true).
		Return("order-1", nil)
	gateway.On("GetOrderStatus", mock.Anything, "order-1").
		Return(&coinbase.OrderStatus{OrderID: "order-1", Status: coinbase.OrderStatusCancelled}, nil)

	eng.Run(context.Background())

	var set models.CycleSet
	assert.NoError(t, db.First(&set).Error)
	assert.Equal(t, models.CycleSetFailed, set.Status)
	assert.Contains(t, set.StatusDetail, "Failed-Opening Sell Order")
	assert.Zero(t, set.CompletedCycles)

	// No closing order may follow a cancelled opening, and a failure never
	// triggers a batch cancel.
	gateway.AssertNumberOfCalls(t, "PlaceLimitOrder", 1)
	gateway.AssertNotCalled(t, "CancelOrders", mock.Anything, mock.Anything)

	// The local record reflects what the exchange reported.
	var record models.OrderRecord
	assert.NoError(t, db.First(&record).Error)
	assert.Equal(t, coinbase.OrderStatusCancelled, record.Status)

	// The in-flight cycle row reaches its terminal status, not just the set.
	var cycle models.Cycle
	assert.NoError(t, db.First(&cycle).Error)
	assert.Equal(t, models.CycleFailed, cycle.Status)
}

func TestFullCycleCompoundsIntoNextOpeningSize(t *testing.T) {
	eng, gateway, decider, db := newTestEngine(t, testTrading())

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(100.0)}, nil)
	// One completed cycle, then an orderly shutdown via context cancellation.
	decider.On("NextOpenPrice", mock.Anything, coinbase.OrderSideSell, 0.01).
		Return(0.0, context.Canceled)

	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, 0.5, 100.0, true).
		Return("open-1", nil)
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideBuy, mock.Anything, mock.Anything, true).
		Return("close-1", nil)
	gateway.On("GetOrderStatus", mock.Anything, "open-1").
		Return(&coinbase.OrderStatus{
			OrderID:             "open-1",
			Status:              coinbase.OrderStatusFilled,
			FilledSize:          0.5,
			FilledValue:         50.0,
			TotalFees:           0.05,
			TotalValueAfterFees: 49.95,
		}, nil)
	gateway.On("GetOrderStatus", mock.Anything, "close-1").
		Return(&coinbase.OrderStatus{
			OrderID:             "close-1",
			Status:              coinbase.OrderStatusFilled,
			FilledSize:          0.506,
			FilledValue:         49.69,
			TotalFees:           0.2,
			TotalValueAfterFees: 49.89,
		}, nil)

	eng.Run(context.Background())

	var set models.CycleSet
	assert.NoError(t, db.First(&set).Error)
	assert.Equal(t, models.CycleSetStopped, set.Status)
	assert.Equal(t, 1, set.CompletedCycles)

	var cycle models.Cycle
	assert.NoError(t, db.First(&cycle).Error)
	assert.Equal(t, 1, cycle.Number)
	assert.Equal(t, models.CycleCompleted, cycle.Status)
	assert.Equal(t, 0.5, cycle.OpeningSize)

	// The closing buy prices the profit and both maker fees back out of the
	// opening price.
	var closing models.OrderRecord
	assert.NoError(t, db.Where("leg = ?", "closing").First(&closing).Error)
	assert.Equal(t, string(coinbase.OrderSideBuy), closing.Side)
	assert.InDelta(t, 98.2, closing.LimitPrice, 0.011)
	assert.Equal(t, coinbase.OrderStatusFilled, closing.Status)

	var events []models.CycleEvent
	assert.NoError(t, db.Order("id").Find(&events).Error)
	assert.GreaterOrEqual(t, len(events), 4)
	assert.Contains(t, events[len(events)-1].ToState, "Stopped")
}

func TestCycleNumbersAreMonotonic(t *testing.T) {
	eng, gateway, decider, db := newTestEngine(t, testTrading())

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(100.0)}, nil)
	decider.On("NextOpenPrice", mock.Anything, coinbase.OrderSideSell, 0.01).
		Return(101.0, nil).Once()
	decider.On("NextOpenPrice", mock.Anything, coinbase.OrderSideSell, 0.01).
		Return(0.0, context.Canceled)

	fill := func(id string, size, value, fees, after float64) *coinbase.OrderStatus {
		return &coinbase.OrderStatus{
			OrderID:             id,
			Status:              coinbase.OrderStatusFilled,
			FilledSize:          size,
			FilledValue:         value,
			TotalFees:           fees,
			TotalValueAfterFees: after,
		}
	}

	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, mock.Anything, mock.Anything, true).
		Return("open-1", nil).Once()
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideBuy, mock.Anything, mock.Anything, true).
		Return("close-1", nil).Once()
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, mock.Anything, mock.Anything, true).
		Return("open-2", nil).Once()
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideBuy, mock.Anything, mock.Anything, true).
		Return("close-2", nil).Once()

	gateway.On("GetOrderStatus", mock.Anything, "open-1").Return(fill("open-1", 0.5, 50.0, 0.05, 49.95), nil)
	gateway.On("GetOrderStatus", mock.Anything, "close-1").Return(fill("close-1", 0.506, 49.69, 0.2, 49.89), nil)
	gateway.On("GetOrderStatus", mock.Anything, "open-2").Return(fill("open-2", 0.506, 51.1, 0.05, 51.05), nil)
	gateway.On("GetOrderStatus", mock.Anything, "close-2").Return(fill("close-2", 0.51, 51.0, 0.2, 50.8), nil)

	eng.Run(context.Background())

	var set models.CycleSet
	assert.NoError(t, db.First(&set).Error)
	assert.Equal(t, 2, set.CompletedCycles)

	var cycles []models.Cycle
	assert.NoError(t, db.Order("id").Find(&cycles).Error)
	assert.Len(t, cycles, 2)
	assert.Equal(t, 1, cycles[0].Number)
	assert.Equal(t, 2, cycles[1].Number)

	// Full compounding: cycle 2 opens with the base received by cycle 1's
	// closing buy.
	assert.Equal(t, 0.506, cycles[1].OpeningSize)
}

func TestStopCancelsOpenOrders(t *testing.T) {
	eng, gateway, decider, db := newTestEngine(t, testTrading())

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(100.0)}, nil)
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, 0.5, 100.0, true).
		Return("open-1", nil)
	// The order never fills.
	gateway.On("GetOrderStatus", mock.Anything, "open-1").
		Return(&coinbase.OrderStatus{OrderID: "open-1", Status: coinbase.OrderStatusOpen}, nil)
	gateway.On("CancelOrders", mock.Anything, []string{"open-1"}).
		Return([]coinbase.CancelResult{{Success: true, OrderID: "open-1"}}, nil)

	done := make(chan struct{})
	go func() {
		eng.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, eng.Stop(context.Background()))
	<-done

	var set models.CycleSet
	assert.NoError(t, db.First(&set).Error)
	assert.Equal(t, models.CycleSetStopped, set.Status)

	var record models.OrderRecord
	assert.NoError(t, db.First(&record).Error)
	assert.Equal(t, coinbase.OrderStatusCancelled, record.Status)
	gateway.AssertCalled(t, "CancelOrders", mock.Anything, []string{"open-1"})

	var cycle models.Cycle
	assert.NoError(t, db.First(&cycle).Error)
	assert.Equal(t, models.CycleStopped, cycle.Status)
}

func TestStartTimeIsSetBeforeRun(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testTrading())

	// The API server reads StartTime while Run may still be starting up, so
	// it must be fixed at construction.
	assert.False(t, eng.StartTime().IsZero())
}

func TestSequenceNumbersResumeFromJournal(t *testing.T) {
	_, gateway, decider, db := newTestEngine(t, testTrading())

	// A previous run left sets behind in the journal database.
	assert.NoError(t, db.Create(&models.CycleSet{
		SequenceNumber: 7,
		Direction:      models.DirectionSellFirst,
		ProductID:      "BTC-USD",
		StartingSize:   0.5,
		Status:         models.CycleSetFailed,
	}).Error)

	// A fresh engine over the same database must continue the numbering.
	inc := compound.Increments{Base: "0.00000001", Quote: "0.01"}
	ledger, err := compound.NewLedger(compound.ModeFull, 0, inc, zap.NewNop())
	assert.NoError(t, err)
	cfg := &config.Config{Trading: testTrading()}
	fillPolicy := retry.Policy{MaxIterations: 1000, Delay: time.Millisecond, Timeout: 10 * time.Second}
	restarted := NewEngine(cfg, gateway, decider, ledger, NewJournal(db, zap.NewNop()), inc, fillPolicy, zap.NewNop())

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(100.0)}, nil)
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", coinbase.OrderSideSell, 0.5, 100.0, true).
		Return("order-1", nil)
	gateway.On("GetOrderStatus", mock.Anything, "order-1").
		Return(&coinbase.OrderStatus{OrderID: "order-1", Status: coinbase.OrderStatusCancelled}, nil)

	restarted.Run(context.Background())

	var sets []models.CycleSet
	assert.NoError(t, db.Order("sequence_number").Find(&sets).Error)
	assert.Len(t, sets, 2)
	assert.Equal(t, 7, sets[0].SequenceNumber)
	assert.Equal(t, 8, sets[1].SequenceNumber)
}

func TestRunSpawnsOneWorkerPerDirection(t *testing.T) {
	trading := testTrading()
	trading.StartingSizeQ = 1000
	eng, gateway, decider, db := newTestEngine(t, trading)

	decider.On("StartingPrices", mock.Anything, 0.5, 0.0).
		Return(&pricing.StartingPrices{SellPrice: floatPtr(100.0)}, nil)
	decider.On("StartingPrices", mock.Anything, 0.0, 1000.0).
		Return(&pricing.StartingPrices{BuyPrice: floatPtr(95.0)}, nil)
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", mock.Anything, mock.Anything, mock.Anything, true).
		Return("order-x", nil).Once()
	gateway.On("PlaceLimitOrder", mock.Anything, "BTC-USD", mock.Anything, mock.Anything, mock.Anything, true).
		Return("order-y", nil).Once()
	// Both workers exit through the cancelled-order failure path.
	gateway.On("GetOrderStatus", mock.Anything, mock.Anything).
		Return(&coinbase.OrderStatus{Status: coinbase.OrderStatusCancelled}, nil)

	eng.Run(context.Background())

	var sets []models.CycleSet
	assert.NoError(t, db.Order("sequence_number").Find(&sets).Error)
	assert.Len(t, sets, 2)
	assert.Equal(t, 1, sets[0].SequenceNumber)
	assert.Equal(t, 2, sets[1].SequenceNumber)

	directions := []models.Direction{sets[0].Direction, sets[1].Direction}
	assert.Contains(t, directions, models.DirectionSellFirst)
	assert.Contains(t, directions, models.DirectionBuyFirst)

	statuses := eng.Status()
	assert.Len(t, statuses, 2)
}
