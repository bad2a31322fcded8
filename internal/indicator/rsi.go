package indicator

import "fmt"

// RSI returns the Relative Strength Index over the given period using
// Wilder's smoothing. The result is always in [0, 100].
//
// When the average loss over the period is zero the series has no downward
// moves and RSI is defined here as 100 (symmetrically, no gains yields 0).
// The division by zero that a naive RS calculation would hit is a policy
// decision, not an error condition.
func RSI(prices []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("%w: period must be positive, got %d", ErrInsufficientData, period)
	}
	if len(prices) < period+1 {
		return 0, fmt.Errorf("%w: need %d prices for period %d, have %d", ErrInsufficientData, period+1, period, len(prices))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil // flat series: no momentum either way
		}
		return 100, nil
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}
