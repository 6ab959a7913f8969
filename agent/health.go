package agent

import (
	"context"
	"time"
)

// startHealthTick launches the periodic dependency probe. Every
// HealthInterval it checks all dependencies, aggregates the worst
// status, and applies hysteresis before changing the externally visible
// state: FailureThreshold consecutive degraded-or-worse probes move the
// agent to that worst status; RecoveryThreshold consecutive healthy
// probes restore it to healthy.
func (r *Runtime) startHealthTick() {
	ctx, cancel := context.WithCancel(context.Background())
	r.healthCancel = cancel

	r.healthWg.Add(1)
	go func() {
		defer r.healthWg.Done()
		ticker := time.NewTicker(r.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runHealthCheck(ctx)
			}
		}
	}()
}

func (r *Runtime) runHealthCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, r.config.HealthInterval)
	defer cancel()

	worst := HealthHealthy
	for _, d := range r.deps {
		if err := d.Check(checkCtx); err != nil {
			r.logger.Warn("Dependency health check failed", map[string]interface{}{
				"agent_type": r.agentType, "dependency": d.Name(), "error": err.Error(),
			})
			worst = worstOf(worst, HealthUnhealthy)
		}
	}
	if r.breaker.GetState() == "open" {
		worst = worstOf(worst, HealthDegraded)
	}

	r.applyHysteresis(worst)
}

// applyHysteresis updates consecutive degrade/recovery counters and
// transitions status only once the configured threshold is crossed,
// per spec.md §4.2's hysteresis rule.
func (r *Runtime) applyHysteresis(observed HealthStatus) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if observed == HealthHealthy {
		r.consecutiveDegraded = 0
		r.consecutiveHealthy++
		if r.status != HealthHealthy && r.consecutiveHealthy >= r.config.RecoveryThreshold {
			r.transitionStatusLocked(HealthHealthy)
		}
		return
	}

	r.consecutiveHealthy = 0
	r.consecutiveDegraded++
	if r.consecutiveDegraded >= r.config.FailureThreshold {
		r.transitionStatusLocked(observed)
	}
}

// transitionStatusLocked must be called with stateMu held.
func (r *Runtime) transitionStatusLocked(status HealthStatus) {
	if r.status == status {
		return
	}
	r.status = status
	if r.state != StateOffline {
		r.state = State(status)
	}
	r.recordLifecycleEvent("agent.health.transition", string(status))
	r.logger.Info("Agent health transitioned", map[string]interface{}{
		"agent_type": r.agentType, "status": string(status),
	})
}
