package engine

import "errors"

// ErrOrderNotFilled is returned when an order's fill-polling budget runs out
// while the order is still open on the exchange.
var ErrOrderNotFilled = errors.New("engine: order not filled within the wait budget")

// ErrOrderCancelled is returned when the exchange reports a polled order as
// cancelled or expired.
var ErrOrderCancelled = errors.New("engine: order cancelled on the exchange")

// errStopRequested aborts a worker's current wait when Stop has been called.
// It never escapes the engine package.
var errStopRequested = errors.New("engine: stop requested")
