package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"crm-worker/internal/api"
	"crm-worker/internal/assign"
	"crm-worker/internal/config"
	"crm-worker/internal/executor"
	"crm-worker/internal/lock"
	"crm-worker/internal/queue"
	"crm-worker/internal/ratelimit"
	"crm-worker/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewTenantBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	engine := assign.NewEngine(st)
	// The API process only enqueues and inspects; execution happens in the
	// worker, so the simulated executor here is never invoked.
	processor := queue.NewProcessor(st, executor.NewSimulated(),
		queue.WithAssigner(engine),
		queue.WithBackoff(queue.Exponential{Base: cfg.BackoffBase}),
		queue.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
	)

	server := api.New(cfg, processor, engine, limiter, st, locks, nil)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
