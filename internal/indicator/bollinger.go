package indicator

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when a price series is too short for the
// requested computation. Callers treat it as retryable after a fixed delay;
// it is not counted against the network retry budget.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// BollingerBands returns the mean ± k·σ envelope over the last window prices.
// σ is the sample standard deviation (n−1 denominator). A constant series
// yields upper == lower == mean.
func BollingerBands(prices []float64, window int, k float64) (upper, lower float64, err error) {
	if window < 2 {
		return 0, 0, fmt.Errorf("%w: window must be at least 2, got %d", ErrInsufficientData, window)
	}
	if len(prices) < window {
		return 0, 0, fmt.Errorf("%w: need %d prices, have %d", ErrInsufficientData, window, len(prices))
	}

	tail := prices[len(prices)-window:]

	var sum float64
	for _, p := range tail {
		sum += p
	}
	mean := sum / float64(window)

	var sqDiff float64
	for _, p := range tail {
		d := p - mean
		sqDiff += d * d
	}
	sigma := math.Sqrt(sqDiff / float64(window-1))

	return mean + k*sigma, mean - k*sigma, nil
}
