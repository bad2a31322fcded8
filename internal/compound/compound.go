// Package compound implements the arithmetic that turns one order's fill
// into the size of the next order: splitting proceeds into principal and
// reinvestable profit, and rounding everything to the exchange's declared
// increment precision.
package compound

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"coinbase-cycle-bot-go/internal/coinbase"
	"go.uber.org/zap"
)

// Compounding modes.
const (
	ModeFull    = "full"
	ModePartial = "partial"
)

// ErrInvalidConfiguration indicates an unknown compounding mode. It is fatal
// at construction time and never retried.
var ErrInvalidConfiguration = errors.New("compound: invalid configuration")

// Increments carries the exchange's declared precision for both legs of the
// product, as decimal strings (e.g. "0.00000001" base, "0.01" quote).
type Increments struct {
	Base  string
	Quote string
}

// DecimalPlaces returns the number of decimal places of an increment string.
// "0.001" is 3, "1" is 0.
func DecimalPlaces(increment string) int {
	if i := strings.IndexByte(increment, '.'); i >= 0 {
		return len(increment) - i - 1
	}
	return 0
}

// RoundTo rounds x to the given number of decimal places. Rounding an
// already-rounded value is a no-op.
func RoundTo(x float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(x*pow) / pow
}

// RoundToIncrement rounds x to the precision declared by an increment string.
func RoundToIncrement(x float64, increment string) float64 {
	return RoundTo(x, DecimalPlaces(increment))
}

// FloorToIncrement rounds x down to the precision declared by an increment
// string. Order prices use this so a payload never carries more precision
// than the exchange accepts and never rounds up past a computed limit.
func FloorToIncrement(x float64, increment string) float64 {
	pow := math.Pow(10, float64(DecimalPlaces(increment)))
	return math.Floor(x*pow) / pow
}

// Snapshot is the processed view of one fill: what came in, what went out,
// and what was requested but never traded. Amounts are rounded to the
// relevant increment; fields for the inapplicable currency are zero.
type Snapshot struct {
	Subtotal      float64
	Fee           float64
	ReceivedBase  float64
	ReceivedQuote float64
	SpentBase     float64
	SpentQuote    float64
	ResidualBase  float64
	ResidualQuote float64
}

// Received returns the proceeds of the fill in whichever currency the order
// produced.
func (s *Snapshot) Received() float64 {
	if s.ReceivedQuote != 0 {
		return s.ReceivedQuote
	}
	return s.ReceivedBase
}

// Residual returns the requested-but-unfilled remainder of the fill.
func (s *Snapshot) Residual() float64 {
	if s.ResidualBase != 0 {
		return s.ResidualBase
	}
	return s.ResidualQuote
}

// Ledger computes compounding amounts under one configured policy. The mode
// is validated once at construction.
type Ledger struct {
	mode        string
	compoundPct float64
	inc         Increments
	logger      *zap.Logger
}

// NewLedger creates a compounding ledger. An unknown mode is a fatal
// configuration error.
func NewLedger(mode string, compoundPct float64, inc Increments, logger *zap.Logger) (*Ledger, error) {
	if mode != ModeFull && mode != ModePartial {
		return nil, fmt.Errorf("%w: unknown compounding mode %q", ErrInvalidConfiguration, mode)
	}
	if inc.Base == "" || inc.Quote == "" {
		return nil, fmt.Errorf("%w: base and quote increments must be set", ErrInvalidConfiguration)
	}
	return &Ledger{
		mode:        mode,
		compoundPct: compoundPct,
		inc:         inc,
		logger:      logger.Named("compound"),
	}, nil
}

// ProcessFill derives the compounding snapshot for one filled order. The
// same function serves every side × leg combination; the side decides which
// currency was received and which was spent.
//
// A sell converts base into quote: proceeds are the post-fee quote value,
// spend is the filled base size, and the residual is requested-minus-filled
// base. A buy is the mirror image, except the residual is measured in quote
// against the post-fee value, because the request was quote-denominated.
func (l *Ledger) ProcessFill(side coinbase.Side, sizeRequested float64, fill *coinbase.OrderStatus) Snapshot {
	baseDecimals := DecimalPlaces(l.inc.Base)
	quoteDecimals := DecimalPlaces(l.inc.Quote)

	snapshot := Snapshot{
		Subtotal: RoundTo(fill.FilledValue, quoteDecimals),
		Fee:      RoundTo(fill.TotalFees, quoteDecimals),
	}

	if side == coinbase.OrderSideSell {
		snapshot.ReceivedQuote = RoundTo(fill.TotalValueAfterFees, quoteDecimals)
		snapshot.SpentBase = RoundTo(fill.FilledSize, baseDecimals)
		snapshot.ResidualBase = RoundTo(sizeRequested-fill.FilledSize, baseDecimals)
	} else {
		snapshot.ReceivedBase = RoundTo(fill.FilledSize, baseDecimals)
		snapshot.SpentQuote = RoundTo(fill.TotalValueAfterFees, quoteDecimals)
		snapshot.ResidualQuote = RoundTo(sizeRequested-fill.TotalValueAfterFees, quoteDecimals)
	}

	l.logger.Debug("Fill processed",
		zap.String("side", string(side)),
		zap.Float64("size_requested", sizeRequested),
		zap.Float64("received", snapshot.Received()),
		zap.Float64("fee", snapshot.Fee),
		zap.Float64("residual", snapshot.Residual()),
	)
	return snapshot
}

// Baseline computes the non-compounded size for the next order of the given
// side: the amount that merely carries the principal forward at the new
// price, net of the fee. Proceeds above it are the compoundable profit.
//
// For a buy the principal is the base spent by the preceding sell, valued
// at the buy price in quote. For a sell it is the quote spent by the
// preceding buy, converted back to base at the sell price.
func (l *Ledger) Baseline(side coinbase.Side, spent, price, fee float64) float64 {
	if side == coinbase.OrderSideBuy {
		return RoundToIncrement(spent*price*(1-fee), l.inc.Quote)
	}
	return RoundToIncrement(spent/price*(1-fee), l.inc.Base)
}

// NextSize determines the next order's size from a fill's proceeds.
// Full compounding reinvests everything received; partial compounding adds
// the configured fraction of the profit to the baseline. The result is
// always within [baseline, received].
func (l *Ledger) NextSize(received, baseline float64) float64 {
	if l.mode == ModeFull {
		return received
	}

	compoundAmt := received - baseline
	next := baseline + compoundAmt*(l.compoundPct/100)

	// Guard against a negative profit leg or an overshooting fraction.
	if next < baseline {
		next = baseline
	}
	if next > received && received >= baseline {
		next = received
	}
	return next
}
