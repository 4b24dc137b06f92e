package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chunkstream.ai/internal/chunkcache"
	persistlog "chunkstream.ai/internal/persistence/log"
	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/sim/tuning"
	"chunkstream.ai/internal/space"
	"chunkstream.ai/internal/transport/ws"
	"chunkstream.ai/internal/viewport"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name        = flag.String("name", "client", "client name")
		tuningPath  = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		metricsAddr = flag.String("metrics_addr", "", "serve /metrics on this address (empty to disable)")
		steps       = flag.Int("steps", 0, "viewport moves before exiting (0 = until interrupted)")
		stepEvery   = flag.Duration("step_every", 2*time.Second, "interval between viewport moves")
		seed        = flag.Int64("seed", 1, "random walk seed")
		place       = flag.Bool("place", false, "write a marker block at the viewport centre after every move")
		verbose     = flag.Bool("v", false, "log every chunk state change")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}

	ctx, cancel := signalContext()
	defer cancel()

	cl, err := ws.Dial(ctx, *url, *name, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer cl.Close()
	grid := cl.Grid()
	if grid.Dims() != tune.Dims {
		logger.Fatalf("server has %d dims, tuning has %d", grid.Dims(), tune.Dims)
	}

	reg := prometheus.NewRegistry()
	chunkLog := persistlog.NewChunkLogger(filepath.Join(*dataDir, "clients", *name))
	defer chunkLog.Close()
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "chunkcache_log_failures_total",
		Help: "Chunk lifecycle events that could not be written to the chunk log.",
	}, func() float64 {
		n, _ := chunkLog.Failures()
		return float64(n)
	}))
	consumers := chunkcache.Consumers{chunkLog}
	if *verbose {
		consumers = append(consumers, logConsumer{logger})
	}

	cache, err := chunkcache.New(chunkcache.Config{
		Grid:           grid,
		MaxOutstanding: tune.MaxOutstanding,
		Remote:         cl,
		Consumer:       consumers,
		Metrics:        chunkcache.NewMetrics(reg),
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("cache: %v", err)
	}

	tracker, err := newTracker(cache, tune)
	if err != nil {
		logger.Fatalf("viewport: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cl.Run(gctx, cache.WriteBack)
	})
	g.Go(func() error {
		w := &walker{
			cache:   cache,
			tracker: tracker,
			client:  cl,
			rng:     rand.New(rand.NewSource(*seed)),
			place:   *place,
			name:    *name,
			log:     logger,
		}
		err := w.run(gctx, *steps, *stepEvery)
		if err == nil {
			// Done walking; stop the reader too.
			cancel()
		}
		return err
	})
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			<-gctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			return srv.Shutdown(ctx2)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%v", err)
	}
	st := cache.Stats()
	logger.Printf("done loaded=%d pending=%d outstanding=%d", st.Loaded, st.Pending, st.Outstanding)
	if n, err := chunkLog.Failures(); n > 0 {
		logger.Printf("chunk log dropped %d events, last: %v", n, err)
	}
}

func newTracker(cache *chunkcache.Cache, tune tuning.Tuning) (*viewport.Tracker, error) {
	size, err := space.NewVector(tune.Viewport.Size...)
	if err != nil {
		return nil, err
	}
	pad, err := space.NewVector(tune.Viewport.Padding...)
	if err != nil {
		return nil, err
	}
	var fixed []space.Region
	for _, p := range [][]int64{tune.PlayerBlock, tune.InventoryBlock} {
		v, err := space.NewVector(p...)
		if err != nil {
			return nil, err
		}
		fixed = append(fixed, space.Cell(v))
	}
	return viewport.New(cache, viewport.Config{Size: size, Padding: pad, Fixed: fixed})
}

// walker moves the viewport one chunk at a time along a random horizontal
// axis.
type walker struct {
	cache   *chunkcache.Cache
	tracker *viewport.Tracker
	client  *ws.Client
	rng     *rand.Rand
	place   bool
	name    string
	log     *log.Logger
}

func (w *walker) run(ctx context.Context, steps int, every time.Duration) error {
	grid := w.cache.Grid()
	center := grid.Origin()
	if err := w.tracker.MoveTo(center); err != nil {
		return err
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for i := 0; steps == 0 || i < steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		st := w.cache.Stats()
		w.log.Printf("step=%d center=%s loaded=%d pending=%d outstanding=%d obsolete=%d",
			i, center, st.Loaded, st.Pending, st.Outstanding, st.Obsolete)

		axis := 0
		if grid.Dims() > 2 && w.rng.Intn(2) == 1 {
			axis = 2
		}
		delta := grid.Width(axis)
		if w.rng.Intn(2) == 1 {
			delta = -delta
		}
		next, err := center.WithAxis(axis, center.At(axis)+delta)
		if err != nil {
			return err
		}
		center = next
		if err := w.tracker.MoveTo(center); err != nil {
			return err
		}
		if w.place {
			c, err := encoding.NewCuboid(space.Cell(center), []encoding.Block{encoding.NewBlock([]byte(fmt.Sprintf("marker:%s:%d", w.name, i)))})
			if err != nil {
				return err
			}
			if _, err := w.client.WriteBlocks(c); err != nil {
				return err
			}
		}
	}
	return nil
}

type logConsumer struct{ log *log.Logger }

func (l logConsumer) OnChunkBecamePending(c space.Region) { l.log.Printf("pending %s", c) }
func (l logConsumer) OnChunkWritten(c space.Region)       { l.log.Printf("written %s", c) }
func (l logConsumer) OnChunkEvicted(c space.Region)       { l.log.Printf("evicted %s", c) }

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
