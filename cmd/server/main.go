package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/health"
	"github.com/soapscribe/backend/internal/httpapi"
	"github.com/soapscribe/backend/internal/jobservice"
	"github.com/soapscribe/backend/internal/jobstore"
	"github.com/soapscribe/backend/internal/pkg/logger"
	"github.com/soapscribe/backend/internal/retry"
	"github.com/soapscribe/backend/internal/scheduler"
	"github.com/soapscribe/backend/internal/upstream"
	"github.com/soapscribe/backend/internal/worker"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	log, err := logger.New(strings.TrimSpace(os.Getenv("LOG_MODE")))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Load(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := jobstore.NewWithFallback(ctx, cfg.Redis, []string{cfg.Queue.TextProcessing, cfg.Queue.AudioProcessing}, log)
	if err != nil {
		log.Fatal("failed to initialize job store", "error", err)
	}
	defer store.Close()

	healthReg := health.NewRegistry(cfg.StaleHeartbeat, cfg.ConsecutiveFailureLimit)
	deg := degradation.NewController(cfg.Degradation)
	policy := retry.NewPolicy(cfg.Retry)

	transcriptionClient := upstream.NewTranscriptionClient(cfg.Transcription, log)
	agentClient := upstream.NewAgentClient(cfg.Agent, log)

	jobSvc := jobservice.New(store, deg, log, cfg.DefaultMaxAttempts)

	textFactory := func(id string) *worker.Worker {
		healthReg.Register(id, "text")
		return worker.New(worker.Config{
			ID: id, Variant: "text", Queue: cfg.Queue.TextProcessing,
			Store: store, Policy: policy, Health: healthReg, Degradation: deg,
			Process:    worker.NewTextProcessFunc(id, agentClient, deg),
			Log:        log,
			JobTimeout: cfg.DefaultJobTimeout,
		})
	}
	audioFactory := func(id string) *worker.Worker {
		healthReg.Register(id, "audio")
		return worker.New(worker.Config{
			ID: id, Variant: "audio", Queue: cfg.Queue.AudioProcessing,
			Store: store, Policy: policy, Health: healthReg, Degradation: deg,
			Process:    worker.NewAudioProcessFunc(id, transcriptionClient, agentClient, deg, cfg),
			Log:        log,
			JobTimeout: cfg.DefaultJobTimeout,
		})
	}

	sched := scheduler.New(scheduler.Config{
		Pools: []scheduler.PoolSpec{
			{Variant: "text", Size: cfg.TextPoolSize, Factory: textFactory},
			{Variant: "audio", Size: cfg.AudioPoolSize, Factory: audioFactory},
		},
		DispatchInterval:  cfg.DispatchInterval,
		HousekeepInterval: cfg.DispatchInterval * 4,
		Store:             store,
		Health:            healthReg,
		TerminalRetention: cfg.TerminalRetention,
		Log:               log,
	})
	sched.Start(ctx)
	defer sched.Stop()

	go probeUpstreams(ctx, deg, transcriptionClient, agentClient, store)

	if envTrue("RUN_SERVER", true) {
		router := httpapi.NewRouter(httpapi.RouterConfig{JobService: jobSvc, Degradation: deg})
		port := strings.TrimSpace(os.Getenv("PORT"))
		if port == "" {
			port = "8080"
		}
		log.Info("server listening", "port", port)
		if err := router.Run(":" + port); err != nil {
			log.Warn("server failed", "error", err)
		}
		return
	}

	<-ctx.Done()
}

// probeUpstreams feeds the degradation controller with periodic health
// checks independent of job traffic, so a quiet queue doesn't mask a
// dead upstream (§4.D).
func probeUpstreams(ctx context.Context, deg *degradation.Controller, transcription upstream.TranscriptionClient, agent upstream.AgentClient, store jobstore.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latency, err := transcription.Probe(ctx)
			deg.RecordOutcome(degradation.ServiceTranscription, err == nil, latency)
			deg.RecordProbe(degradation.ServiceTranscription, err == nil)

			agentResult, agentErr := agent.ProbeDetailed(ctx)
			deg.RecordOutcome(degradation.ServiceAgent, agentErr == nil, agentResult.Latency)
			deg.RecordProbe(degradation.ServiceAgent, agentErr == nil)
			if agentResult.Reachable && agentResult.ModelAvailable != nil {
				deg.SetModelAvailability(*agentResult.ModelAvailable)
			}

			storeErr := store.Probe(ctx)
			deg.RecordProbe(degradation.ServiceStore, storeErr == nil)
			deg.Tick(time.Now())
		}
	}
}
