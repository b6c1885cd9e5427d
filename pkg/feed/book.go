package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/limitless"

	"github.com/sirupsen/logrus"
)

// BestQuote is an immutable top-of-book snapshot covering both legs of a
// binary market. The NO-side quotes are derived from the YES book since the
// two outcomes are complementary.
type BestQuote struct {
	YesBid     float64
	YesAsk     float64
	NoBid      float64
	NoAsk      float64
	ObservedAt time.Time
}

// Spread returns the YES bid/ask spread.
func (q BestQuote) Spread() float64 {
	return q.YesAsk - q.YesBid
}

// Midprice returns the YES midprice.
func (q BestQuote) Midprice() float64 {
	return (q.YesBid + q.YesAsk) / 2
}

type bookSource interface {
	GetOrderBook(ctx context.Context, slug string) (*limitless.OrderBook, error)
}

// BookFeed polls the venue orderbook for one market and publishes BestQuote
// snapshots. A failed poll keeps the previous snapshot in effect.
type BookFeed struct {
	source   bookSource
	slug     string
	interval time.Duration
	log      *logrus.Entry
	onPoll   func(error)

	mu     sync.Mutex
	latest *BestQuote

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBookFeed creates a feed for the given market slug. Intervals below the
// floor are raised to it.
func NewBookFeed(source bookSource, slug string, interval time.Duration, log *logrus.Entry) *BookFeed {
	return &BookFeed{
		source:   source,
		slug:     slug,
		interval: clampInterval(interval),
		log:      log.WithField("feed", "book").WithField("market", slug),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnPoll registers a callback invoked with every poll outcome. Must be set
// before Start.
func (f *BookFeed) OnPoll(fn func(error)) {
	f.onPoll = fn
}

// Start launches the polling loop.
func (f *BookFeed) Start() {
	go f.run()
}

// Stop signals the loop and waits for it to exit.
func (f *BookFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

// Latest returns the most recent snapshot. ok is false until the first
// successful poll.
func (f *BookFeed) Latest() (BestQuote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return BestQuote{}, false
	}
	return *f.latest, true
}

func (f *BookFeed) run() {
	defer close(f.done)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), f.interval*4+10*time.Second)
		if err := f.Poll(ctx); err != nil {
			f.log.WithError(err).Warn("orderbook poll failed")
		}
		cancel()

		select {
		case <-f.stop:
			return
		case <-time.After(f.interval):
		}
	}
}

// Poll performs one fetch-and-publish cycle.
func (f *BookFeed) Poll(ctx context.Context) (err error) {
	defer func() {
		if f.onPoll != nil {
			f.onPoll(err)
		}
	}()

	book, err := f.source.GetOrderBook(ctx, f.slug)
	if err != nil {
		return err
	}

	quote, err := quoteFromBook(book)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.latest = &quote
	f.mu.Unlock()
	return nil
}

// quoteFromBook extracts top-of-book quotes. Venue levels are sorted with
// the best price last.
func quoteFromBook(book *limitless.OrderBook) (BestQuote, error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return BestQuote{}, fmt.Errorf("orderbook has an empty side (%d bids, %d asks)", len(book.Bids), len(book.Asks))
	}
	yesBid := book.Bids[len(book.Bids)-1].Price
	yesAsk := book.Asks[len(book.Asks)-1].Price
	return BestQuote{
		YesBid:     yesBid,
		YesAsk:     yesAsk,
		NoBid:      1 - yesAsk,
		NoAsk:      1 - yesBid,
		ObservedAt: time.Now(),
	}, nil
}
