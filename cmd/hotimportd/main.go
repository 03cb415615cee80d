package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hotimportd/internal/config"
	"hotimportd/internal/events"
	"hotimportd/internal/job"
	"hotimportd/internal/jobstore"
	"hotimportd/internal/perf"
	"hotimportd/internal/probe"
	"hotimportd/internal/rcon"
)

func main() {
	var (
		addr        = flag.String("addr", ":8200", "http listen address")
		dataDir     = flag.String("data", "./data", "runtime data directory (job records, journals, index db)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <data>/tuning.yaml)")
		serversPath = flag.String("servers", "", "path to servers.yaml (rcon endpoints per server id)")
		disableDB   = flag.Bool("disable_db", false, "disable the job index db (journals remain authoritative)")
		enablePprof = flag.Bool("pprof", false, "expose /debug/pprof handlers")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[hotimportd] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*dataDir, "tuning.yaml")
	}
	tune, err := config.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = config.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	var servers config.Servers
	if sp := strings.TrimSpace(*serversPath); sp != "" {
		servers, err = config.LoadServers(sp)
		if err != nil {
			logger.Fatalf("load servers config: %v", err)
		}
		logger.Printf("servers config: %d server(s)", len(servers.Servers))
	} else {
		logger.Printf("no servers config; probers will report unknown (conservative)")
	}

	dial := func(serverID string) (*rcon.Client, error) {
		e, err := servers.Lookup(serverID)
		if err != nil {
			return nil, err
		}
		return rcon.NewClient(e.RconAddr, e.RconPassword), nil
	}
	prober := probe.NewRconProber(dial)
	defer prober.Close()
	tps := perf.NewRconSource(dial)
	defer tps.Close()

	var store *jobstore.Store
	if !*disableDB {
		store, err = jobstore.Open(filepath.Join(*dataDir, "jobs.db"))
		if err != nil {
			logger.Fatalf("open job index db: %v", err)
		}
		defer store.Close()
	}

	hub := events.NewHub(logger)

	mgr := job.NewManager(job.Deps{
		Config:  tune,
		DataDir: *dataDir,
		Prober:  prober,
		TPS:     tps,
		Store:   store,
		Hub:     hub,
		Log:     logger,
	})
	if err := mgr.Recover(); err != nil {
		logger.Fatalf("recover jobs: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(mgr, hub))
	mux.HandleFunc("/v1/events", hub.Handler())
	(&api{mgr: mgr, log: logger}).register(mux)

	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// metricsHandler emits a minimal Prometheus exposition of engine state.
func metricsHandler(mgr *job.Manager, hub *events.Hub) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		byStatus := make(map[job.Status]int)
		var chunksWritten, bytesWritten int64
		for _, j := range mgr.List("") {
			byStatus[j.Status]++
			chunksWritten += j.ChunksWritten
			bytesWritten += j.BytesWritten
		}

		fmt.Fprintf(rw, "# HELP hotimportd_jobs Number of jobs by status.\n")
		fmt.Fprintf(rw, "# TYPE hotimportd_jobs gauge\n")
		for _, st := range []job.Status{
			job.StatusPending, job.StatusScanning, job.StatusImporting,
			job.StatusPaused, job.StatusCompleted, job.StatusFailed, job.StatusCancelled,
		} {
			fmt.Fprintf(rw, "hotimportd_jobs{status=%q} %d\n", st, byStatus[st])
		}

		fmt.Fprintf(rw, "# HELP hotimportd_chunks_written_total Chunks written across all known jobs.\n")
		fmt.Fprintf(rw, "# TYPE hotimportd_chunks_written_total counter\n")
		fmt.Fprintf(rw, "hotimportd_chunks_written_total %d\n", chunksWritten)

		fmt.Fprintf(rw, "# HELP hotimportd_bytes_written_total Bytes written across all known jobs.\n")
		fmt.Fprintf(rw, "# TYPE hotimportd_bytes_written_total counter\n")
		fmt.Fprintf(rw, "hotimportd_bytes_written_total %d\n", bytesWritten)

		fmt.Fprintf(rw, "# HELP hotimportd_event_subscribers Connected WebSocket subscribers.\n")
		fmt.Fprintf(rw, "# TYPE hotimportd_event_subscribers gauge\n")
		fmt.Fprintf(rw, "hotimportd_event_subscribers %d\n", hub.SubscriberCount())
	}
}
