// Package feed runs the market-data polling loops: one against the Limitless
// orderbook and one against Deribit options. Each loop publishes immutable
// snapshots under a lock; readers never block on or trigger a fetch.
package feed

import (
	"errors"
	"time"
)

// ErrNoData indicates a feed has not published a snapshot yet.
var ErrNoData = errors.New("no market data yet")

// minPollInterval is the floor for both polling loops.
const minPollInterval = 500 * time.Millisecond

func clampInterval(d time.Duration) time.Duration {
	if d < minPollInterval {
		return minPollInterval
	}
	return d
}
