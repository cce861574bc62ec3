package writeback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/foliocache/core/page_cache/mapping"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
	internaltelemetry "github.com/sushant-115/foliocache/internal/telemetry"
)

// Config tunes the background flusher.
type Config struct {
	// Interval between periodic passes.
	Interval time.Duration `yaml:"interval"`
	// PagesPerSecond throttles background writeback. Zero means unlimited.
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{Interval: 5 * time.Second}

// Flusher is the background writeback daemon. It wakes on a ticker or on a
// kick, walks every open mapping in offset order and writes back the dirty
// folios it can get without waiting.
type Flusher struct {
	cfg      Config
	registry *mapping.Registry
	store    backingstore.Store
	limiter  *rate.Limiter
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *internaltelemetry.CacheMetrics

	kick chan struct{}
	wg   sync.WaitGroup

	// mu guards the lifecycle: a flusher starts at most once and never after
	// Stop.
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped bool

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewFlusher creates a stopped flusher. tracer and metrics may be nil.
func NewFlusher(cfg Config, registry *mapping.Registry, store backingstore.Store,
	logger *zap.Logger, tracer trace.Tracer, metrics *internaltelemetry.CacheMetrics) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PagesPerSecond > 0 {
		burst := int(cfg.PagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), burst)
	}
	return &Flusher{
		cfg:      cfg,
		registry: registry,
		store:    store,
		limiter:  limiter,
		logger:   logger.Named("flusher"),
		tracer:   tracer,
		metrics:  metrics,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the background goroutine. Calls after the first, or after
// Stop, do nothing.
func (fl *Flusher) Start(ctx context.Context) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.running || fl.stopped {
		return
	}
	fl.running = true
	ctx, fl.cancel = context.WithCancel(ctx)
	fl.wg.Add(1)
	go fl.run(ctx)
	fl.logger.Info("Flusher started",
		zap.Duration("interval", fl.cfg.Interval),
		zap.Float64("pages_per_second", fl.cfg.PagesPerSecond))
}

// Stop ends the background goroutine and waits for the pass in progress. It
// does not flush what is still dirty; use FlushAll for that. A stopped
// flusher cannot be started again.
func (fl *Flusher) Stop() {
	fl.mu.Lock()
	if fl.stopped {
		fl.mu.Unlock()
		return
	}
	fl.stopped = true
	wasRunning := fl.running
	fl.running = false
	if fl.cancel != nil {
		fl.cancel()
	}
	fl.mu.Unlock()

	fl.wg.Wait()
	if wasRunning {
		fl.logger.Info("Flusher stopped")
	}
}

// Running reports whether the background goroutine is active.
func (fl *Flusher) Running() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.running
}

// Writebacks returns the folios written back and the writebacks that failed.
func (fl *Flusher) Writebacks() (written, failed uint64) {
	return fl.written.Load(), fl.failed.Load()
}

// Kick requests a pass as soon as possible. It never blocks.
func (fl *Flusher) Kick() {
	select {
	case fl.kick <- struct{}{}:
	default:
	}
}

func (fl *Flusher) run(ctx context.Context) {
	defer fl.wg.Done()
	ticker := time.NewTicker(fl.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-fl.kick:
		}
		fl.pass(ctx)
	}
}

func (fl *Flusher) pass(ctx context.Context) {
	ctx, span := fl.tracer.Start(ctx, "foliocache.writeback.pass")
	defer span.End()

	pages := 0
	var errs error
	for _, m := range fl.registry.All() {
		n, err := fl.flushMapping(ctx, m, NoWait, true)
		pages += n
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errs = errors.Join(errs, err)
		}
	}
	span.SetAttributes(attribute.Int("foliocache.pages", pages))
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "writeback failed")
		fl.logger.Warn("Writeback pass finished with errors", zap.Int("pages", pages), zap.Error(errs))
		return
	}
	if pages > 0 {
		fl.logger.Debug("Writeback pass finished", zap.Int("pages", pages))
	}
}

// FlushMapping writes back every dirty folio of m, waits for writebacks
// started elsewhere, and syncs the store when it buffers writes.
func (fl *Flusher) FlushMapping(ctx context.Context, m *mapping.Mapping) error {
	ctx, span := fl.tracer.Start(ctx, "foliocache.writeback.flush",
		trace.WithAttributes(attribute.Int64("foliocache.mapping", int64(m.ID()))))
	defer span.End()

	pages, err := fl.flushMapping(ctx, m, Sync, false)
	span.SetAttributes(attribute.Int("foliocache.pages", pages))
	if err == nil {
		if syncer, ok := fl.store.(backingstore.Syncer); ok {
			err = syncer.Sync(ctx, m.ID())
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
	}
	return err
}

// FlushAll runs FlushMapping on every open mapping.
func (fl *Flusher) FlushAll(ctx context.Context) error {
	var errs error
	for _, m := range fl.registry.All() {
		if err := fl.FlushMapping(ctx, m); err != nil {
			errs = errors.Join(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errs
}

func (fl *Flusher) flushMapping(ctx context.Context, m *mapping.Mapping, mode Mode, throttle bool) (int, error) {
	pages := 0
	var errs error
	for _, f := range m.Folios() {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		if !f.IsDirty() && (mode == NoWait || !f.IsWriteback()) {
			continue
		}
		if !f.TryGet() {
			continue
		}
		if f.IsInvalid() {
			f.Put()
			continue
		}
		if throttle {
			if err := fl.throttle(ctx, f.Span()); err != nil {
				f.Put()
				return pages, err
			}
		}

		start := time.Now()
		issued, err := WriteFolio(ctx, fl.store, f, mode)
		if issued {
			fl.metrics.Writeback(ctx, time.Since(start), err)
			if err != nil {
				fl.failed.Add(1)
			} else {
				fl.written.Add(1)
				pages += f.Span()
			}
		}
		if mode == Sync {
			f.WaitWriteback()
		}
		if err != nil {
			fl.logger.Error("Folio writeback failed",
				zap.Uint64("mapping", uint64(f.Mapping())),
				zap.Uint64("offset", f.Index()),
				zap.Error(err))
			errs = errors.Join(errs, err)
		}
		f.Put()
	}
	return pages, errs
}

func (fl *Flusher) throttle(ctx context.Context, pages int) error {
	if burst := fl.limiter.Burst(); pages > burst {
		pages = burst
	}
	return fl.limiter.WaitN(ctx, pages)
}
