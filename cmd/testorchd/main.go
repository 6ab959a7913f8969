// Command testorchd runs the end-to-end browser-test orchestration
// daemon: the Priority Bus, Shared State Store, Event Channel, and
// Consumer/Router host the seven domain agents (Writer, Executor,
// Optimizer, Locator, Reporter, Context, Logger) behind the Agent
// Runtime's health/fault-isolation wrapper.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/testorch/coordinator/agent"
	"github.com/testorch/coordinator/agents/contextagent"
	"github.com/testorch/coordinator/agents/executor"
	"github.com/testorch/coordinator/agents/locator"
	"github.com/testorch/coordinator/agents/logagent"
	"github.com/testorch/coordinator/agents/optimizer"
	"github.com/testorch/coordinator/agents/reporter"
	"github.com/testorch/coordinator/agents/writer"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
	"github.com/testorch/coordinator/router"
	"github.com/testorch/coordinator/state"
)

func main() {
	cfg := core.LoadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := core.NewStructuredLogger("testorchd", getEnvOrDefault("TESTORCH_LOG_LEVEL", "info"), "json", false)

	busClient, err := newRedisClient(cfg.Redis.URL, core.RedisDBBus)
	if err != nil {
		logger.Error("Failed to connect bus Redis client", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	eventsClient, err := newRedisClient(cfg.Redis.URL, core.RedisDBEvents)
	if err != nil {
		logger.Error("Failed to connect events Redis client", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer busClient.Close()
	defer eventsClient.Close()

	stateCfg := state.ConfigFromCore(cfg.State)
	stateClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.Redis.URL,
		DB:        core.RedisDBState,
		Namespace: stateCfg.Prefix,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to connect state Redis client", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer stateClient.Close()

	priorityBus := bus.NewRedisBus(busClient, bus.ConfigFromCore(cfg.Queue), logger)
	sharedState := state.New(stateClient, stateCfg, logger)
	eventChannel := events.New(eventsClient, events.ConfigFromCore(cfg.Events), logger)
	db := collaborators.NewInMemoryDB()

	r := router.New(priorityBus, router.ConfigFromCore(cfg.Router), logger)

	runner := newRunner(cfg.Executor)

	registrations := []struct {
		targetType string
		handler    agent.Handler
	}{
		{"writer", writer.New(collaborators.FallbackGenerator{}, db, eventChannel, priorityBus, writer.Config{}, logger)},
		{"executor", executor.New(runner, db, eventChannel, priorityBus, executorConfig(cfg.Executor), logger)},
		{"optimizer", optimizer.New(sharedState, eventChannel, priorityBus, optimizer.DefaultConfig(), logger)},
		{"locator", locator.New(eventChannel, priorityBus, locator.DefaultConfig(), logger)},
		{"reporter", reporter.New(db, eventChannel, priorityBus, reporter.Config{ReportRoot: cfg.Executor.ReportDir}, logger)},
		{"context", contextagent.New(sharedState, priorityBus, contextagent.DefaultConfig(), logger)},
		{"logger", logagent.New(db, eventChannel, logagent.DefaultConfig(), logger)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runtimes []*agent.Runtime
	for _, reg := range registrations {
		rt := agent.New(reg.targetType, reg.handler, priorityBus, nil, agent.ConfigFromCore(reg.targetType, cfg.Health), logger)
		if err := rt.Initialize(ctx); err != nil {
			logger.Error("Agent failed to initialize", map[string]interface{}{"agentType": reg.targetType, "error": err.Error()})
			os.Exit(1)
		}
		if err := r.RegisterAgent(reg.targetType, rt); err != nil {
			logger.Error("Failed to register agent", map[string]interface{}{"agentType": reg.targetType, "error": err.Error()})
			os.Exit(1)
		}
		runtimes = append(runtimes, rt)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down gracefully", nil)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := r.Stop(shutdownCtx); err != nil {
			logger.Error("Router shutdown error", map[string]interface{}{"error": err.Error()})
		}
		for _, rt := range runtimes {
			if err := rt.Shutdown(shutdownCtx); err != nil {
				logger.Error("Agent shutdown error", map[string]interface{}{"error": err.Error()})
			}
		}
		cancel()
	}()

	logger.Info("testorchd started", map[string]interface{}{"maxConcurrency": cfg.Router.MaxConcurrency, "executorMode": cfg.Executor.Mode})
	if err := r.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Router exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func newRunner(cfg core.ExecutorConfig) collaborators.Runner {
	if cfg.Mode == "process" {
		return collaborators.ProcessRunner{}
	}
	return collaborators.SimulateRunner{}
}

func executorConfig(cfg core.ExecutorConfig) executor.Config {
	return executor.Config{
		Mode:       cfg.Mode,
		TestsDir:   cfg.TestsDir,
		ReportRoot: cfg.ReportDir,
		Timeout:    time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
}

// newRedisClient connects to url, isolating the subsystem onto its own
// Redis logical DB per core's DB-isolation convention.
func newRedisClient(url string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.DB = db
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis db %d: %w", db, err)
	}
	return client, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
