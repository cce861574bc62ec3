// Command foliocache_stress drives a page cache with concurrent readers and
// writers and reports what the cache did.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sushant-115/foliocache/config"
	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	"github.com/sushant-115/foliocache/pkg/logger"
	"github.com/sushant-115/foliocache/pkg/pagecache"
	"github.com/sushant-115/foliocache/pkg/telemetry"
)

type options struct {
	configPath   string
	containers   int
	pages        int
	workers      int
	ops          int
	duration     time.Duration
	writeRatio   float64
	reportPath   string
	storeKind    string
	storeDir     string
	keepData     bool
	logLevel     string
	metricsPort  int
	maxPages     int64
	traceLookups bool
}

// Report is written as JSON at the end of a run.
type Report struct {
	RunID       string          `json:"run_id"`
	Started     time.Time       `json:"started"`
	Elapsed     string          `json:"elapsed"`
	Ops         int64           `json:"ops"`
	Reads       int64           `json:"reads"`
	Writes      int64           `json:"writes"`
	Probes      int64           `json:"probes"`
	WouldBlock  int64           `json:"would_block"`
	Errors      int64           `json:"errors"`
	Corruptions int64           `json:"corruptions"`
	Stats       pagecache.Stats `json:"stats"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	flags := flag.NewFlagSet("foliocache_stress", flag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.IntVar(&opts.containers, "containers", 4, "number of containers")
	flags.IntVar(&opts.pages, "pages", 256, "pages per container")
	flags.IntVarP(&opts.workers, "workers", "w", 8, "concurrent workers")
	flags.IntVarP(&opts.ops, "ops", "n", 100000, "total operations, 0 for unlimited")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long, 0 for no limit")
	flags.Float64Var(&opts.writeRatio, "write-ratio", 0.3, "fraction of operations that write")
	flags.StringVar(&opts.reportPath, "report", "", "write a JSON report to this path")
	flags.StringVar(&opts.storeKind, "store", "", "backing store kind: file or memory")
	flags.StringVar(&opts.storeDir, "store-dir", "", "directory for the file store (default: a fresh temp dir)")
	flags.BoolVar(&opts.keepData, "keep-data", false, "keep the file store directory after the run")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level")
	flags.IntVar(&opts.metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port")
	flags.Int64Var(&opts.maxPages, "max-pages", -1, "page budget of the cache, 0 for unbounded")
	flags.BoolVar(&opts.traceLookups, "trace-lookups", false, "log every lookup with its call site")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	applyFlags(flags, &cfg, opts)

	runID := uuid.New()
	scratch := ""
	if cfg.Store.Kind == config.StoreFile && cfg.Store.Dir == "" {
		scratch = filepath.Join(os.TempDir(), "foliocache-"+runID.String())
		cfg.Store.Dir = scratch
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logger.Must(cfg.Logger).With(zap.String("run_id", runID.String()))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := stress(ctx, cfg, opts, log)
	if scratch != "" && !opts.keepData {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			log.Warn("Failed to remove scratch directory", zap.String("dir", scratch), zap.Error(rmErr))
		}
	}
	if err != nil {
		log.Error("Stress run failed", zap.Error(err))
		return 1
	}
	report.RunID = runID.String()

	log.Info("Stress run finished",
		zap.Int64("ops", report.Ops),
		zap.Int64("errors", report.Errors),
		zap.Int64("corruptions", report.Corruptions),
		zap.Uint64("hits", report.Stats.Hits),
		zap.Uint64("created", report.Stats.Created),
		zap.Uint64("evicted", report.Stats.Evicted),
		zap.Uint64("refaults", report.Stats.Refaults))

	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, report); err != nil {
			log.Error("Failed to write report", zap.String("path", opts.reportPath), zap.Error(err))
			return 1
		}
	}
	if report.Corruptions > 0 {
		return 1
	}
	return 0
}

// applyFlags lets explicitly set flags override the file.
func applyFlags(flags *flag.FlagSet, cfg *config.Config, opts options) {
	if flags.Changed("store") {
		cfg.Store.Kind = opts.storeKind
	}
	if flags.Changed("store-dir") {
		cfg.Store.Kind = config.StoreFile
		cfg.Store.Dir = opts.storeDir
	}
	if flags.Changed("log-level") {
		cfg.Logger.Level = opts.logLevel
	}
	if flags.Changed("metrics-port") {
		cfg.Telemetry.Enabled = opts.metricsPort > 0
		cfg.Telemetry.PrometheusPort = opts.metricsPort
	}
	if flags.Changed("max-pages") && opts.maxPages >= 0 {
		cfg.Cache.MaxPages = opts.maxPages
	}
	if flags.Changed("trace-lookups") {
		cfg.Cache.TraceLookups = opts.traceLookups
		if opts.traceLookups && cfg.Logger.SamplePerSecond == 0 {
			cfg.Logger.SamplePerSecond = 100
		}
	}
}

func stress(ctx context.Context, cfg config.Config, opts options, log *zap.Logger) (Report, error) {
	report := Report{Started: time.Now()}

	tel, shutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := cfg.OpenStore(log)
	if err != nil {
		return report, err
	}
	cache, err := pagecache.New(cfg.Cache, store, log, tel)
	if err != nil {
		return report, err
	}
	cache.Start(ctx)

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	var (
		w       worker
		next    atomic.Int64
		wg      sync.WaitGroup
		written = make([]atomic.Bool, opts.containers*opts.pages)
	)
	w.cache = cache
	w.pageSize = cfg.Cache.PageSize
	w.opts = opts
	w.written = written

	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, uint64(report.Started.UnixNano())))
			for ctx.Err() == nil {
				if opts.ops > 0 && next.Add(1) > int64(opts.ops) {
					return
				}
				w.step(ctx, rng, log)
			}
		}(uint64(i))
	}
	wg.Wait()

	closeCtx := context.WithoutCancel(ctx)
	if err := cache.Close(closeCtx); err != nil {
		log.Warn("Cache close reported errors", zap.Error(err))
	}

	report.Elapsed = time.Since(report.Started).String()
	report.Ops = w.reads.Load() + w.writes.Load() + w.probes.Load()
	report.Reads = w.reads.Load()
	report.Writes = w.writes.Load()
	report.Probes = w.probes.Load()
	report.WouldBlock = w.wouldBlock.Load()
	report.Errors = w.errors.Load()
	report.Corruptions = w.corruptions.Load()
	report.Stats = cache.Stats()
	return report, nil
}

type worker struct {
	cache    *pagecache.Cache
	pageSize int
	opts     options
	written  []atomic.Bool

	reads, writes, probes atomic.Int64
	wouldBlock, errors    atomic.Int64
	corruptions           atomic.Int64
}

// pattern is the byte every written page of (container, page) is filled with.
func pattern(container, page int) byte {
	return byte(container*31+page)%251 + 1
}

func (w *worker) step(ctx context.Context, rng *rand.Rand, log *zap.Logger) {
	container := rng.IntN(w.opts.containers)
	page := rng.IntN(w.opts.pages)
	id := folio.MappingID(container)
	off := int64(page) * int64(w.pageSize)
	buf := make([]byte, w.pageSize)

	switch r := rng.Float64(); {
	case r < w.opts.writeRatio:
		w.writes.Add(1)
		want := pattern(container, page)
		for i := range buf {
			buf[i] = want
		}
		if _, err := w.cache.WriteAt(ctx, id, buf, off); err != nil {
			w.fail(ctx, log, "write", err)
			return
		}
		w.written[container*w.opts.pages+page].Store(true)

	case r < w.opts.writeRatio+0.05:
		// Non-blocking probe, like a reader that must not sleep.
		w.probes.Add(1)
		f, err := w.cache.LookupOrCreate(ctx, id, uint64(page), pagecache.Options{Lock: true, NoWait: true})
		switch {
		case err == nil:
			w.cache.Unlock(f)
			w.cache.Release(f)
		case errors.Is(err, cacheerrors.ErrWouldBlock):
			w.wouldBlock.Add(1)
		case errors.Is(err, cacheerrors.ErrMiss):
		default:
			w.fail(ctx, log, "probe", err)
		}

	default:
		w.reads.Add(1)
		wasWritten := w.written[container*w.opts.pages+page].Load()
		if _, err := w.cache.ReadAt(ctx, id, buf, off); err != nil {
			w.fail(ctx, log, "read", err)
			return
		}
		want := pattern(container, page)
		for i, b := range buf {
			if b == want || (b == 0 && !wasWritten) {
				continue
			}
			w.corruptions.Add(1)
			log.Error("Page content corrupted",
				zap.Int("container", container),
				zap.Int("page", page),
				zap.Int("byte", i),
				zap.Uint8("got", b),
				zap.Uint8("want", want))
			return
		}
	}
}

func (w *worker) fail(ctx context.Context, log *zap.Logger, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	w.errors.Add(1)
	log.Warn("Operation failed", zap.String("op", op), zap.Error(err))
}

func writeReport(path string, report Report) error {
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	return natomic.WriteFile(path, bytes.NewReader(buf))
}
