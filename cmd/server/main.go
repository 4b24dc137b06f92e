package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chunkstream.ai/internal/authority"
	"chunkstream.ai/internal/persistence/archive"
	"chunkstream.ai/internal/persistence/indexdb"
	"chunkstream.ai/internal/persistence/snapshot"
	"chunkstream.ai/internal/sim/tuning"
	"chunkstream.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "keep the world in memory only (snapshots become the persistence)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		snapEvery  = flag.Duration("snapshot_every", 10*time.Minute, "periodic snapshot interval with -disable_db (0 to disable)")
		keepSnaps  = flag.Int("keep_snapshots", 12, "rolling snapshots to keep (0 keeps all)")
		archEvery  = flag.Uint64("archive_every", 6, "copy every Nth snapshot to the archive (0 to disable)")

		groundAxis  = flag.Int("ground_axis", 1, "axis the generated ground is measured along")
		groundLevel = flag.Int64("ground_level", 0, "cells below this level are filled")
		layerAxis   = flag.Int("layer_axis", 3, "only layer 0 of this axis is filled (-1 for none)")
		fill        = flag.String("fill", "stone", "payload of generated ground blocks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)
	snapDir := filepath.Join(worldDir, "snapshots")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	grid, err := tune.Grid()
	if err != nil {
		logger.Fatalf("tuning grid: %v", err)
	}
	if *groundAxis < 0 || *groundAxis >= grid.Dims() || *layerAxis >= grid.Dims() {
		logger.Fatalf("generator axes out of range for %d dims", grid.Dims())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg := authority.Config{
		Grid: grid,
		Generator: authority.Flat{
			GroundAxis: *groundAxis,
			Level:      *groundLevel,
			LayerAxis:  *layerAxis,
			Fill:       []byte(*fill),
		},
		Metrics: authority.NewMetrics(reg),
		Logger:  logger,
	}

	var store *indexdb.SQLiteStore
	if !*disableDB {
		store, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"), tune.WriteQueue)
		if err != nil {
			logger.Fatalf("open sqlite: %v", err)
		}
		defer store.Close()
		cfg.Store = store
		cfg.Recorder = store
		registerStoreMetrics(reg, store)
	}

	w, err := authority.NewWorld(cfg)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	var seq uint64
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad, seq = snapshot.Latest(snapDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != *worldID {
			logger.Fatalf("snapshot world id mismatch: flag=%s snap=%s", *worldID, snap.Header.WorldID)
		}
		cs, err := snap.Cuboids(grid)
		if err != nil {
			logger.Fatalf("snapshot chunks: %v", err)
		}
		if err := w.Import(cs); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		if snap.Header.Seq > seq {
			seq = snap.Header.Seq
		}
		logger.Printf("resumed from snapshot=%s chunks=%d", filepath.Base(snapshotToLoad), len(cs))
	}

	snaps := &snapshotter{
		world:        w,
		worldID:      *worldID,
		worldDir:     worldDir,
		dir:          snapDir,
		keep:         *keepSnaps,
		archiveEvery: *archEvery,
		seq:          seq,
		log:          logger,
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *disableDB && *snapEvery > 0 {
		go func() {
			t := time.NewTicker(*snapEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if _, err := snaps.take(); err != nil {
						logger.Printf("snapshot write: %v", err)
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	enableAdminHTTP := envBool("CS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("CS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				WorldID string          `json:"world_id"`
				Stats   authority.Stats `json:"stats"`
				Store   *indexdb.Stats  `json:"store,omitempty"`
			}{
				WorldID: *worldID,
				Stats:   w.Stats(),
			}
			if store != nil {
				st := store.Stats()
				resp.Store = &st
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path, err := snaps.take()
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
		})
	} else {
		logger.Printf("admin endpoints disabled (CS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(w, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s dims=%d chunk=%v", *addr, grid.Dims(), tune.ChunkSize)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if *disableDB {
		if path, err := snaps.take(); err != nil {
			logger.Printf("final snapshot: %v", err)
		} else {
			logger.Printf("final snapshot %s", path)
		}
	}
}

// snapshotter numbers snapshots of one world, archives some of them and
// prunes the rest.
type snapshotter struct {
	world        *authority.World
	worldID      string
	worldDir     string
	dir          string
	keep         int
	archiveEvery uint64
	log          *log.Logger

	mu  sync.Mutex
	seq uint64
}

func (s *snapshotter) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	snap := snapshot.FromCuboids(snapshot.Header{
		WorldID:   s.worldID,
		Seq:       s.seq,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, s.world.Grid(), s.world.Export())
	path := snapshot.PathFor(s.dir, s.seq)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	s.log.Printf("snapshot seq=%d chunks=%d", s.seq, len(snap.Chunks))

	if archived, ok, err := archive.ArchiveSnapshot(s.worldDir, path, snap, s.archiveEvery); err != nil {
		s.log.Printf("archive snapshot: %v", err)
	} else if ok {
		s.log.Printf("archived %s", archived)
	}
	if n, err := archive.Prune(s.dir, s.keep); err != nil {
		s.log.Printf("prune snapshots: %v", err)
	} else if n > 0 {
		s.log.Printf("pruned %d snapshots", n)
	}
	return path, nil
}

func registerStoreMetrics(reg prometheus.Registerer, store *indexdb.SQLiteStore) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "store_queue_depth",
		Help: "Pending requests in the sqlite writer queue.",
	}, func() float64 { return float64(store.Stats().QueueDepth) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "store_pending_chunks",
		Help: "Chunks saved but not yet committed.",
	}, func() float64 { return float64(store.Stats().Pending) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "store_dropped_writes_total",
		Help: "Audit rows dropped because the writer queue was full.",
	}, func() float64 { return float64(store.Stats().DropWriteTotal) })
}

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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
