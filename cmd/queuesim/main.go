// Command queuesim wires the queue manager's full stack together and
// runs it against the filesystem workspace and in-memory executor/director
// test doubles, the way the teacher's main.go wires its control plane
// together against Redis and Postgres. It requires a reachable Redis at
// REDIS_ADDR: dispatch, dead-letter handling, and health all depend on a
// live broker connection, so the binary exits rather than run degraded.
// Set HISTORY_POSTGRES_DSN to additionally record completed/failed
// executions to Postgres.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fluxforge/queuemanager/internal/adminapi"
	"github.com/fluxforge/queuemanager/internal/broker/redisbroker"
	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/config"
	"github.com/fluxforge/queuemanager/internal/director/fakedirector"
	"github.com/fluxforge/queuemanager/internal/executor/fakeexecutor"
	"github.com/fluxforge/queuemanager/internal/failuretracker"
	"github.com/fluxforge/queuemanager/internal/fallbackqueue"
	"github.com/fluxforge/queuemanager/internal/health"
	"github.com/fluxforge/queuemanager/internal/history"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
	"github.com/fluxforge/queuemanager/internal/queuemanager"
	"github.com/fluxforge/queuemanager/internal/router"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/worker"
	"github.com/fluxforge/queuemanager/internal/workspace/fsworkspace"
)

// budgetSource is a stand-in for the external budget tracker spec.md §6
// leaves out-of-scope: always reports normal/unrestricted.
type budgetSource struct{}

func (budgetSource) Snapshot() budget.State {
	return budget.State{
		Level: budget.LevelNormal,
		AllowedPriorities: map[task.Priority]bool{
			task.P0: true, task.P1: true, task.P2: true, task.P3: true,
		},
	}
}

// agentCounts is a stand-in for the external agent pool spec.md §6
// leaves out-of-scope.
type agentCounts struct{ cfg config.Config }

func (a agentCounts) ActiveAgents() int      { return 0 }
func (a agentCounts) MaxParallelAgents() int { return a.cfg.MaxParallelAgents }

func main() {
	cfg := config.Load()
	log := logging.New(os.Stdout, "queuesim", logging.LevelInfo)

	ws := fsworkspace.New(".workspace/tasks")
	exec := fakeexecutor.New()
	dir := fakedirector.New()

	skillSquads := map[string]string{
		"writer":   "content",
		"editor":   "content",
		"reviewer": "quality",
	}
	rtr := router.New(skillSquads, ws, dir, newTaskID)

	gate := budget.New(budget.NopSink{})
	bsrc := budgetSource{}
	tracker := failuretracker.New(cfg.CascadeThreshold, failuretracker.NopSink{})
	fallback := fallbackqueue.New(cfg.FallbackDir)

	proc := worker.New(bsrc, gate, tracker, ws, exec, rtr, log)

	conn, err := redisbroker.NewConnection(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Errorf("redis connection unavailable: %v", err)
	}

	var mgr *queuemanager.Manager
	monitor := health.New(time.Duration(cfg.HealthCheckTimeoutMs) * time.Millisecond)

	if conn != nil {
		queue := redisbroker.NewQueue(conn, cfg.QueueName, log)
		wrk := redisbroker.NewWorker(conn, queue, cfg.QueueName, cfg.MaxParallelAgents, log)

		mgr = queuemanager.New(
			queuemanager.Config{
				QueueName: cfg.QueueName,
				Retry: queuemanager.RetryConfig{
					MaxAttempts:    cfg.Retry.MaxAttempts,
					InitialDelayMs: cfg.Retry.InitialDelayMs,
					Exponential:    cfg.Retry.Exponential,
				},
				HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond,
				HealthCheckTimeout:  time.Duration(cfg.HealthCheckTimeoutMs) * time.Millisecond,
				CascadeThreshold:    cfg.CascadeThreshold,
			},
			log, gate, bsrc, tracker, fallback, ws, monitor,
			conn, queue, wrk, proc,
		)
	} else {
		log.Errorf("running without a broker connection is not supported by this demo binary; set REDIS_ADDR")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PostgresDSN != "" {
		hstore, err := history.Open(ctx, cfg.PostgresDSN, cfg.HistoryRetention)
		if err != nil {
			log.Errorf("history: connect to postgres: %v, continuing without execution history", err)
		} else {
			defer hstore.Close()
			mgr.UseHistory(hstore)
			go runHistoryPruner(ctx, hstore, log)
		}
	}

	mgr.Start(ctx)
	log.Infof("queuesim started, queue=%s admin=%s", cfg.QueueName, cfg.AdminAddr)

	srv := adminapi.New(mgr, bsrc, agentCounts{cfg: cfg}, cfg.AdminToken, log)
	go srv.StreamHealth(ctx, time.Duration(cfg.HealthCheckIntervalMs)*time.Millisecond)
	go func() {
		if err := adminapi.Run(ctx, cfg.AdminAddr, srv, log); err != nil {
			log.Errorf("admin api exited: %v", err)
		}
	}()

	observability.BrokerConnected.Set(1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := mgr.Stop(stopCtx); err != nil {
		log.Errorf("stop: %v", err)
	}
}

// runHistoryPruner deletes execution-history rows past the configured
// retention window once an hour until ctx is canceled.
func runHistoryPruner(ctx context.Context, h *history.Store, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.Prune(ctx)
			if err != nil {
				log.Warnf("history: prune: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("history: pruned %d expired rows", n)
			}
		}
	}
}

var taskSeq int

func newTaskID() string {
	taskSeq++
	return "task-" + time.Now().UTC().Format("20060102T150405") + "-" + strconv.Itoa(taskSeq)
}
