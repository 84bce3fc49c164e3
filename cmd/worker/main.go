package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"crm-worker/internal/archive"
	"crm-worker/internal/assign"
	"crm-worker/internal/config"
	"crm-worker/internal/executor"
	"crm-worker/internal/lock"
	"crm-worker/internal/queue"
	"crm-worker/internal/scheduler"
	"crm-worker/internal/store"
	"crm-worker/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locks := lock.New(redisClient)

	engine := assign.NewEngine(st)

	opts := []queue.Option{
		queue.WithAssigner(engine),
		queue.WithBackoff(queue.Exponential{Base: cfg.BackoffBase}),
		queue.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
	}
	if cfg.ArchiveBucket != "" {
		arch, err := archive.New(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion)
		if err != nil {
			log.Fatalf("init archiver: %v", err)
		}
		opts = append(opts, queue.WithArchiver(arch))
	}
	// The telephony/AI provider integration plugs in here; the simulated
	// executor keeps local stacks runnable without one.
	processor := queue.NewProcessor(st, executor.NewSimulated(), opts...)

	sched := scheduler.New(locks)
	mustRegister := func(name, spec string, ttl time.Duration, fn scheduler.JobFunc) {
		if err := sched.Register(name, spec, ttl, fn); err != nil {
			log.Fatalf("register job %s: %v", name, err)
		}
	}
	mustRegister("queue-drain", cfg.DrainSchedule, cfg.DrainLockTTL, func(ctx context.Context) error {
		_, err := processor.Drain(ctx, cfg.DrainBatchSize)
		return err
	})
	mustRegister("reminder-check", cfg.ReminderSchedule, cfg.HourlyLockTTL, func(ctx context.Context) error {
		n, err := st.CountDueWithin(ctx, time.Hour)
		if err != nil {
			return err
		}
		telemetry.QueueDueSoon.Set(float64(n))
		return nil
	})
	mustRegister("cleanup", cfg.CleanupSchedule, cfg.CleanupLockTTL, func(ctx context.Context) error {
		_, err := processor.PurgeTerminal(ctx, cfg.CleanupHorizon, 500)
		return err
	})
	mustRegister("expiry-check", cfg.ExpirySchedule, cfg.HourlyLockTTL, func(ctx context.Context) error {
		n, err := st.CancelStalePending(ctx, time.Now().Add(-cfg.ExpiryWindow))
		if err != nil {
			return err
		}
		if n > 0 {
			telemetry.ItemsCancelled.Add(float64(n))
			slog.Info("expired stale scheduled items", slog.Int64("count", n))
		}
		return nil
	})

	go serveOps(cfg.MetricsAddr, st, locks, sched)

	log.Printf("worker started backoff_base=%s max_attempts=%d", cfg.BackoffBase, cfg.DefaultMaxAttempts)
	sched.Run(ctx)
	log.Printf("worker stopped")
}

// serveOps exposes metrics plus a worker-local health view including each
// job's in-process running state.
func serveOps(addr string, st *store.Store, locks *lock.Manager, sched *scheduler.Scheduler) {
	r := chi.NewRouter()
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]any{"status": "ok", "store": "ok", "cache": "ok", "jobs": sched.Snapshot()}
		code := http.StatusOK
		if err := st.Ping(req.Context()); err != nil {
			resp["store"] = err.Error()
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
		if err := locks.Ping(req.Context()); err != nil {
			resp["cache"] = err.Error()
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Printf("ops server stopped: %v", err)
	}
}
