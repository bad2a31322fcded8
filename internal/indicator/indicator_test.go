package indicator

import (
	"context"
	"testing"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockMarketData is a mock implementation of the MarketData interface.
type MockMarketData struct {
	mock.Mock
}

func (m *MockMarketData) GetHistoricalCandles(ctx context.Context, productID string, granularity, count int) ([]coinbase.Candle, error) {
	args := m.Called(ctx, productID, granularity, count)
	return args.Get(0).([]coinbase.Candle), args.Error(1)
}

func (m *MockMarketData) GetCurrentPrice(ctx context.Context, productID string) (float64, error) {
	args := m.Called(ctx, productID)
	return args.Get(0).(float64), args.Error(1)
}

func TestBollingerBands(t *testing.T) {
	testCases := []struct {
		name          string
		prices        []float64
		window        int
		k             float64
		expectedUpper float64
		expectedLower float64
		expectError   bool
	}{
		{
			name:   "Known series",
			prices: []float64{100, 101, 99, 102, 98},
			window: 5,
			k:      2,
			// mean=100, sample σ≈1.5811
			expectedUpper: 103.1623,
			expectedLower: 96.8377,
		},
		{
			name:          "Constant series has zero variance",
			prices:        []float64{50, 50, 50, 50},
			window:        4,
			k:             2,
			expectedUpper: 50,
			expectedLower: 50,
		},
		{
			name:   "Only the trailing window counts",
			prices: []float64{1000, 1000, 100, 101, 99, 102, 98},
			window: 5,
			k:      2,
			// identical to the known series above
			expectedUpper: 103.1623,
			expectedLower: 96.8377,
		},
		{
			name:        "Too few prices",
			prices:      []float64{100, 101},
			window:      5,
			k:           2,
			expectError: true,
		},
		{
			name:        "Window below two",
			prices:      []float64{100, 101},
			window:      1,
			k:           2,
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			upper, lower, err := BollingerBands(tc.prices, tc.window, tc.k)

			if tc.expectError {
				assert.ErrorIs(t, err, ErrInsufficientData)
			} else {
				assert.NoError(t, err)
				assert.InDelta(t, tc.expectedUpper, upper, 0.001)
				assert.InDelta(t, tc.expectedLower, lower, 0.001)
			}
		})
	}
}

func TestRSI(t *testing.T) {
	t.Run("AllGainsIsHundred", func(t *testing.T) {
		rsi, err := RSI([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 5)
		assert.NoError(t, err)
		assert.Equal(t, 100.0, rsi)
	})

	t.Run("AllLossesIsZero", func(t *testing.T) {
		rsi, err := RSI([]float64{8, 7, 6, 5, 4, 3, 2, 1}, 5)
		assert.NoError(t, err)
		assert.Equal(t, 0.0, rsi)
	})

	t.Run("FlatSeriesIsNeutral", func(t *testing.T) {
		rsi, err := RSI([]float64{5, 5, 5, 5, 5, 5}, 4)
		assert.NoError(t, err)
		assert.Equal(t, 50.0, rsi)
	})

	t.Run("BoundedForMixedSeries", func(t *testing.T) {
		series := []float64{44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00, 46.03, 46.41, 46.22, 45.64}
		rsi, err := RSI(series, 14)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, rsi, 0.0)
		assert.LessOrEqual(t, rsi, 100.0)
		// The series trends upward, so momentum should read above neutral.
		assert.Greater(t, rsi, 50.0)
	})

	t.Run("TooFewPrices", func(t *testing.T) {
		_, err := RSI([]float64{1, 2, 3}, 14)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})
}

func TestCalculatorMean24(t *testing.T) {
	t.Run("UsesHighLowMidpoint", func(t *testing.T) {
		market := new(MockMarketData)
		now := time.Now().Unix()
		market.On("GetHistoricalCandles", mock.Anything, "BTC-USD", 86400, 1).Return([]coinbase.Candle{
			{Start: now - 3600, Low: 100, High: 140, Open: 110, Close: 120},
		}, nil)

		calc := NewCalculator(market, "BTC-USD", 300, 300, zap.NewNop())
		mean, err := calc.Mean24(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 120.0, mean)
	})

	t.Run("StaleCandleIsInsufficient", func(t *testing.T) {
		market := new(MockMarketData)
		stale := time.Now().Add(-48 * time.Hour).Unix()
		market.On("GetHistoricalCandles", mock.Anything, "BTC-USD", 86400, 1).Return([]coinbase.Candle{
			{Start: stale, Low: 100, High: 140},
		}, nil)

		calc := NewCalculator(market, "BTC-USD", 300, 300, zap.NewNop())
		_, err := calc.Mean24(context.Background())

		assert.ErrorIs(t, err, ErrInsufficientData)
	})
}

func TestCalculatorLongTermMA24(t *testing.T) {
	t.Run("MeanOfHourlyCloses", func(t *testing.T) {
		market := new(MockMarketData)
		candles := make([]coinbase.Candle, 24)
		for i := range candles {
			candles[i] = coinbase.Candle{Close: float64(i + 1)} // 1..24, mean 12.5
		}
		market.On("GetHistoricalCandles", mock.Anything, "BTC-USD", 3600, 24).Return(candles, nil)

		calc := NewCalculator(market, "BTC-USD", 300, 300, zap.NewNop())
		ma, err := calc.LongTermMA24(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 12.5, ma)
	})

	t.Run("ShortSeriesIsInsufficient", func(t *testing.T) {
		market := new(MockMarketData)
		market.On("GetHistoricalCandles", mock.Anything, "BTC-USD", 3600, 24).Return(make([]coinbase.Candle, 10), nil)

		calc := NewCalculator(market, "BTC-USD", 300, 300, zap.NewNop())
		_, err := calc.LongTermMA24(context.Background())

		assert.ErrorIs(t, err, ErrInsufficientData)
	})
}
