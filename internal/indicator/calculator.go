package indicator

import (
	"context"
	"fmt"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"go.uber.org/zap"
)

// MarketData is the slice of the exchange client the indicator layer needs.
type MarketData interface {
	GetHistoricalCandles(ctx context.Context, productID string, granularity, count int) ([]coinbase.Candle, error)
	GetCurrentPrice(ctx context.Context, productID string) (float64, error)
}

// Calculator computes the market indicators the price decisions are based
// on. It owns no state beyond its configuration; every call fetches a fresh
// series so concurrent cycle sets always see current data.
type Calculator struct {
	market        MarketData
	productID     string
	chartInterval int
	numIntervals  int
	logger        *zap.Logger
}

// NewCalculator creates an indicator calculator for one product.
func NewCalculator(market MarketData, productID string, chartInterval, numIntervals int, logger *zap.Logger) *Calculator {
	return &Calculator{
		market:        market,
		productID:     productID,
		chartInterval: chartInterval,
		numIntervals:  numIntervals,
		logger:        logger.Named("indicator"),
	}
}

// ClosingPrices fetches the configured chart-interval candles and returns
// the close series, oldest first.
func (c *Calculator) ClosingPrices(ctx context.Context) ([]float64, error) {
	candles, err := c.market.GetHistoricalCandles(ctx, c.productID, c.chartInterval, c.numIntervals)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch closing prices: %w", err)
	}

	prices := make([]float64, len(candles))
	for i, candle := range candles {
		prices[i] = candle.Close
	}
	return prices, nil
}

// Bands fetches a fresh close series and computes the Bollinger envelope
// over the given window with the conventional k=2 multiplier.
func (c *Calculator) Bands(ctx context.Context, window int) (upper, lower float64, err error) {
	prices, err := c.ClosingPrices(ctx)
	if err != nil {
		return 0, 0, err
	}

	upper, lower, err = BollingerBands(prices, window, 2)
	if err != nil {
		return 0, 0, err
	}

	c.logger.Debug("Bollinger bands computed",
		zap.Float64("upper", upper),
		zap.Float64("lower", lower),
		zap.Int("window", window),
	)
	return upper, lower, nil
}

// Mean24 returns (high+low)/2 over the trailing 24 hours, derived from
// 1-day-granularity candles. ErrInsufficientData means no candle fell in
// the window and the caller should retry later.
func (c *Calculator) Mean24(ctx context.Context) (float64, error) {
	now := time.Now().Unix()
	dayAgo := now - 24*60*60

	candles, err := c.market.GetHistoricalCandles(ctx, c.productID, 86400, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch daily candles: %w", err)
	}

	high := 0.0
	low := 0.0
	found := false
	for _, candle := range candles {
		if candle.Start < dayAgo || candle.Start > now {
			continue
		}
		if !found || candle.High > high {
			high = candle.High
		}
		if !found || candle.Low < low {
			low = candle.Low
		}
		found = true
	}
	if !found {
		return 0, fmt.Errorf("%w: no daily candle inside the trailing 24h window", ErrInsufficientData)
	}

	mean24 := (high + low) / 2
	c.logger.Debug("24h mean computed",
		zap.Float64("high", high),
		zap.Float64("low", low),
		zap.Float64("mean24", mean24),
	)
	return mean24, nil
}

// LongTermMA24 returns the mean close of the last 24 hourly candles. It is
// the trend classifier for next-cycle pricing: price above it reads as an
// upward trend.
func (c *Calculator) LongTermMA24(ctx context.Context) (float64, error) {
	candles, err := c.market.GetHistoricalCandles(ctx, c.productID, 3600, 24)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch hourly candles: %w", err)
	}
	if len(candles) < 24 {
		return 0, fmt.Errorf("%w: need 24 hourly candles, have %d", ErrInsufficientData, len(candles))
	}

	var sum float64
	for _, candle := range candles[len(candles)-24:] {
		sum += candle.Close
	}
	return sum / 24, nil
}

// CurrentRSI fetches a fresh close series and computes the RSI for the
// given period.
func (c *Calculator) CurrentRSI(ctx context.Context, period int) (float64, error) {
	prices, err := c.ClosingPrices(ctx)
	if err != nil {
		return 0, err
	}
	return RSI(prices, period)
}

// CurrentPrice returns the latest traded price for the calculator's product.
func (c *Calculator) CurrentPrice(ctx context.Context) (float64, error) {
	return c.market.GetCurrentPrice(ctx, c.productID)
}
