package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/deribit"

	"github.com/sirupsen/logrus"
)

// Instruments names the four Deribit option legs used to synthesize a fair
// value: two strikes bracketing the target at each of two expirations.
type Instruments struct {
	LowerEarlier string
	UpperEarlier string
	LowerLater   string
	UpperLater   string
}

func (i Instruments) all() [4]string {
	return [4]string{i.LowerEarlier, i.UpperEarlier, i.LowerLater, i.UpperLater}
}

// FairValue is the interpolated probability that the market resolves YES,
// together with the earlier-expiry leg data it was derived from.
type FairValue struct {
	LowerStrike  float64
	UpperStrike  float64
	LowerPrice   float64
	UpperPrice   float64
	TargetStrike float64
	TargetPrice  float64
	ObservedAt   time.Time
}

type legSource interface {
	Params(ctx context.Context, instrument string) (*deribit.OptionParams, error)
}

// FairValueFeed polls four option legs and publishes interpolated fair-value
// snapshots. A cycle publishes either a complete snapshot or nothing: any
// leg failure leaves the previous snapshot in effect.
type FairValueFeed struct {
	source       legSource
	instruments  Instruments
	targetStrike float64
	interval     time.Duration
	log          *logrus.Entry
	onPoll       func(error)

	mu     sync.Mutex
	latest *FairValue

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewFairValueFeed creates a fair-value feed. Intervals below the floor are
// raised to it.
func NewFairValueFeed(source legSource, instruments Instruments, targetStrike float64, interval time.Duration, log *logrus.Entry) *FairValueFeed {
	return &FairValueFeed{
		source:       source,
		instruments:  instruments,
		targetStrike: targetStrike,
		interval:     clampInterval(interval),
		log:          log.WithField("feed", "fairvalue"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// OnPoll registers a callback invoked with every poll outcome. Must be set
// before Start.
func (f *FairValueFeed) OnPoll(fn func(error)) {
	f.onPoll = fn
}

// Start launches the polling loop.
func (f *FairValueFeed) Start() {
	go f.run()
}

// Stop signals the loop and waits for it to exit.
func (f *FairValueFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

// Latest returns the most recent snapshot. ok is false until the first
// successful cycle.
func (f *FairValueFeed) Latest() (FairValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return FairValue{}, false
	}
	return *f.latest, true
}

func (f *FairValueFeed) run() {
	defer close(f.done)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), f.interval*4+10*time.Second)
		if err := f.Poll(ctx); err != nil {
			f.log.WithError(err).Warn("fair value poll failed")
		}
		cancel()

		select {
		case <-f.stop:
			return
		case <-time.After(f.interval):
		}
	}
}

// Poll fetches all four legs, prices each as a binary option, and runs the
// two-stage interpolation. Any fetch failure voids the whole cycle.
func (f *FairValueFeed) Poll(ctx context.Context) (err error) {
	defer func() {
		if f.onPoll != nil {
			f.onPoll(err)
		}
	}()

	names := f.instruments.all()
	var legs [4]*deribit.OptionParams
	for i, name := range names {
		p, err := f.source.Params(ctx, name)
		if err != nil {
			return fmt.Errorf("leg %s: %w", name, err)
		}
		legs[i] = p
	}
	lowerEarlier, upperEarlier, lowerLater, upperLater := legs[0], legs[1], legs[2], legs[3]

	pLowerEarlier := deribit.LegPrice(lowerEarlier)
	pUpperEarlier := deribit.LegPrice(upperEarlier)
	pLowerLater := deribit.LegPrice(lowerLater)
	pUpperLater := deribit.LegPrice(upperLater)

	// Strike interpolation per expiry must precede time interpolation:
	// option convexity differs across strikes.
	priceEarlier := interpolateStrike(lowerEarlier.Strike, pLowerEarlier, upperEarlier.Strike, pUpperEarlier, f.targetStrike)
	priceLater := interpolateStrike(lowerLater.Strike, pLowerLater, upperLater.Strike, pUpperLater, f.targetStrike)

	target := interpolateTime(priceEarlier, priceLater, lowerEarlier.TimeToExpiry, lowerLater.TimeToExpiry)

	fv := FairValue{
		LowerStrike:  lowerEarlier.Strike,
		UpperStrike:  upperEarlier.Strike,
		LowerPrice:   pLowerEarlier,
		UpperPrice:   pUpperEarlier,
		TargetStrike: f.targetStrike,
		TargetPrice:  target,
		ObservedAt:   time.Now(),
	}

	f.mu.Lock()
	f.latest = &fv
	f.mu.Unlock()
	return nil
}

// interpolateStrike linearly interpolates between two strikes' binary prices
// at the target strike. Equal strikes average the two prices.
func interpolateStrike(kLower, pLower, kUpper, pUpper, target float64) float64 {
	if kLower == kUpper {
		return (pLower + pUpper) / 2
	}
	slope := (pUpper - pLower) / (kUpper - kLower)
	return pLower + slope*(target-kLower)
}

// interpolateTime linearly interpolates the two per-expiry prices at the
// midpoint of the two expiry times, not at "now". Equal times average.
func interpolateTime(priceEarlier, priceLater, tEarlier, tLater float64) float64 {
	if tEarlier == tLater {
		return (priceEarlier + priceLater) / 2
	}
	target := (tEarlier + tLater) / 2
	slope := (priceLater - priceEarlier) / (tLater - tEarlier)
	return priceEarlier + slope*(target-tEarlier)
}
