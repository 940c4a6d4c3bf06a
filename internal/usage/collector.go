// Package usage records per-tenant daily request and byte counts.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corsfix/proxy/internal/logging"
	"github.com/corsfix/proxy/internal/request"
)

// DayFormat is the layout of Point.Date.
const DayFormat = "2006-01-02"

// Point is an increment of one (user, origin domain, UTC day) row.
type Point struct {
	UserID       string
	OriginDomain string
	Date         string
	ReqCount     int64
	Bytes        int64
}

type pointKey struct {
	user, domain, date string
}

// Sink persists increments. Implementations must apply them atomically.
type Sink interface {
	IncrementDaily(ctx context.Context, points []Point) error
}

// Config controls batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Stats is a snapshot of collector counters.
type Stats struct {
	Recorded int64
	Deduped  int64
	Dropped  int64
	Flushes  int64
	Flushed  int64
	Errors   int64
}

// Collector batches usage points and writes them to a Sink in the
// background.
type Collector struct {
	cfg   Config
	sink  Sink
	dedup Deduper
	queue chan Point
	now   func() time.Time

	recorded atomic.Int64
	deduped  atomic.Int64
	dropped  atomic.Int64
	flushes  atomic.Int64
	flushed  atomic.Int64
	errors   atomic.Int64

	// dropLog throttles the queue-full warning under sustained overload.
	dropLog *rate.Limiter

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCollector starts a collector. dedup may be nil.
func NewCollector(cfg Config, sink Sink, dedup Deduper) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	c := &Collector{
		cfg:     cfg,
		sink:    sink,
		dedup:   dedup,
		queue:   make(chan Point, cfg.QueueSize),
		now:     time.Now,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// DedupKey identifies a cache-marked resource fetched by an origin.
func DedupKey(rc *request.Context) string {
	return "metrics|" + rc.TargetURL.String() + "|" + rc.OriginDomain
}

// Record counts a completed request. Requests without a tenant or bytes are
// ignored, as are repeats of a cache-marked resource inside its dedup
// window.
func (c *Collector) Record(ctx context.Context, rc *request.Context) {
	if rc.UserID == "" || rc.BytesTransferred <= 0 {
		return
	}

	if rc.CachedRequest && c.dedup != nil && rc.TargetURL != nil {
		seen, err := c.dedup.Seen(ctx, DedupKey(rc), 2*rc.CacheDuration)
		if err != nil {
			logging.Warn("usage dedup unavailable, counting request", zap.Error(err))
		} else if seen {
			c.deduped.Add(1)
			return
		}
	}

	p := Point{
		UserID:       rc.UserID,
		OriginDomain: rc.OriginDomain,
		Date:         c.now().UTC().Format(DayFormat),
		ReqCount:     1,
		Bytes:        rc.BytesTransferred,
	}
	select {
	case c.queue <- p:
		c.recorded.Add(1)
	default:
		n := c.dropped.Add(1)
		if c.dropLog.Allow() {
			logging.Warn("usage queue full, dropping points",
				zap.String("user_id", p.UserID),
				zap.Int64("bytes", p.Bytes),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Stats returns current counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Recorded: c.recorded.Load(),
		Deduped:  c.deduped.Load(),
		Dropped:  c.dropped.Load(),
		Flushes:  c.flushes.Load(),
		Flushed:  c.flushed.Load(),
		Errors:   c.errors.Load(),
	}
}

// Close stops the loop after writing everything queued, or when ctx ends.
func (c *Collector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) flushLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Point, 0, c.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.write(batch)
		batch = make([]Point, 0, c.cfg.BatchSize)
	}

	for {
		select {
		case p := <-c.queue:
			batch = append(batch, p)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.stopCh:
			for {
				select {
				case p := <-c.queue:
					batch = append(batch, p)
					if len(batch) >= c.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// write merges the batch per row and hands it to the sink, retrying
// transient failures.
func (c *Collector) write(batch []Point) {
	points := Merge(batch)

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.sink.IncrementDaily(ctx, points)
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3)

	c.flushes.Add(1)
	if err := backoff.Retry(op, b); err != nil {
		c.errors.Add(1)
		logging.Error("usage flush failed",
			zap.Int("points", len(points)),
			zap.Error(err),
		)
		return
	}
	c.flushed.Add(int64(len(batch)))
}

// Merge sums points sharing a row, keeping first-seen order.
func Merge(points []Point) []Point {
	idx := make(map[pointKey]int, len(points))
	out := make([]Point, 0, len(points))
	for _, p := range points {
		k := pointKey{p.UserID, p.OriginDomain, p.Date}
		if i, ok := idx[k]; ok {
			out[i].ReqCount += p.ReqCount
			out[i].Bytes += p.Bytes
			continue
		}
		idx[k] = len(out)
		out = append(out, p)
	}
	return out
}
