package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sparkwise/internal/adapter/expert"
	"sparkwise/internal/adapter/gateway"
	"sparkwise/internal/adapter/store"
	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/usecase"
	"sparkwise/internal/usecase/scheduling"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// pinger is satisfied by backends that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// CoreDeps are the long-lived collaborators the orchestrator is built from.
type CoreDeps struct {
	Experts  *expert.Registry
	Cache    domain.Cache
	Store    domain.ConsultationStore // nil when the consultation log is disabled
	Bus      domain.EventBus
	Recorder usecase.Recorder
	LLM      *LLMComponents
}

// buildOrchestrator wires the consultation pipeline from config.
func buildOrchestrator(cfg *config.Config, deps CoreDeps, log *slog.Logger) *usecase.Orchestrator {
	oc := cfg.Orchestrator
	retry := usecase.RetryPolicy{MaxRetries: oc.MaxRetries, Base: oc.RetryBase}

	validator := usecase.NewValidator(validationRules(cfg.Validation))
	executor := usecase.NewExecutor(deps.Experts, deps.Cache, deps.Recorder, usecase.ExecutorConfig{
		MaxInFlight:   oc.MaxInFlight,
		StepTimeout:   oc.StepTimeout,
		Retry:         retry,
		AgentCacheTTL: cfg.Cache.AgentTTL,
	}, log)
	resolver := usecase.NewResolver(deps.Experts, validator, deps.Recorder, usecase.ResolverConfig{
		MaxRounds:   oc.MaxResolutionRounds,
		CallTimeout: oc.ResolutionTimeout,
		Retry:       retry,
	}, log)

	summarizer := usecase.NewSummarizer(deps.LLM.Summarizer, usecase.SummarizerConfig{
		Threshold:  cfg.Summarizer.Threshold,
		KeepRecent: cfg.Summarizer.KeepRecent,
		MaxFacts:   cfg.Summarizer.MaxFacts,
	}, log)

	return usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Summarizer:       summarizer,
		Classifier:       usecase.NewIntentClassifier(deps.LLM.Classifier, log),
		Planner:          usecase.NewPlanner(log),
		Executor:         executor,
		Validator:        validator,
		Resolver:         resolver,
		Logger:           log,
		ResponseCache:    deps.Cache,
		Store:            deps.Store,
		Bus:              deps.Bus,
		Recorder:         deps.Recorder,
		SessionLocker:    usecase.NewSessionLocker(),
		RequestTimeout:   oc.RequestTimeout,
		ResponseCacheTTL: cfg.Cache.ResponseTTL,
	})
}

// validationRules maps the validation config section onto the validator's
// rule set. Zero values fall back to the defaults.
func validationRules(vc config.ValidationConfig) usecase.ValidationRules {
	rules := usecase.DefaultValidationRules()
	if vc.VoltageDropLimitPercent > 0 {
		rules.VoltageDropLimitPercent = vc.VoltageDropLimitPercent
	}
	if len(vc.RCDRequiredCircuitKinds) > 0 {
		rules.RCDRequiredCircuitKinds = vc.RCDRequiredCircuitKinds
	}
	if vc.RCDRegulation != "" {
		rules.RCDRegulation = vc.RCDRegulation
	}
	if vc.CapacityRegulation != "" {
		rules.CapacityRegulation = vc.CapacityRegulation
	}
	if vc.VoltageDropRegulation != "" {
		rules.VoltageDropRegulation = vc.VoltageDropRegulation
	}
	if vc.CostTolerancePercent > 0 {
		rules.CostTolerancePercent = vc.CostTolerancePercent
	}
	return rules
}

const retentionTask = "consultation-retention"

// StoreComponents holds the consultation log and its retention scheduler.
type StoreComponents struct {
	Store     *store.SQLiteStore
	Scheduler *scheduling.Scheduler
}

// initStore opens the consultation log and schedules retention pruning.
// It returns nil components when the log is disabled.
func initStore(cfg config.StoreConfig, log *slog.Logger) (*StoreComponents, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	st, err := store.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, err
	}

	scheduler := scheduling.NewScheduler(log)
	pruner := store.NewPruner(st, cfg.Retention, log)
	scheduler.RegisterAction(scheduling.ActionConsultationPrune, pruner.Prune)
	if err := scheduler.AddTask(scheduling.Task{
		Name:     retentionTask,
		Schedule: cfg.PruneSchedule,
		Action:   scheduling.ActionConsultationPrune,
	}); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("prune schedule: %w", err)
	}

	log.Info("consultation log enabled",
		"path", cfg.Path,
		"retention", cfg.Retention,
		"prune_schedule", cfg.PruneSchedule,
	)

	cleanup := func() {
		if err := scheduler.Stop(); err != nil {
			log.Warn("scheduler stop failed", "error", err)
		}
		if err := st.Close(); err != nil {
			log.Warn("consultation log close failed", "error", err)
		}
	}
	return &StoreComponents{Store: st, Scheduler: scheduler}, cleanup, nil
}

// healthChecks builds one probe per dependency that can fail at runtime.
func healthChecks(c domain.Cache, sc *StoreComponents, experts *expert.Registry) []gateway.HealthCheck {
	var checks []gateway.HealthCheck
	if p, ok := c.(pinger); ok {
		checks = append(checks, gateway.HealthCheck{Name: "cache", Check: p.Ping})
	}
	if sc != nil {
		checks = append(checks,
			gateway.HealthCheck{Name: "store", Check: sc.Store.Ping},
			gateway.HealthCheck{Name: "retention", Check: func(context.Context) error {
				return lastRunError(sc.Scheduler, retentionTask)
			}},
		)
	}
	for _, agent := range experts.Agents() {
		checks = append(checks, gateway.HealthCheck{
			Name: "expert:" + string(agent),
			Check: func(context.Context) error {
				return experts.CheckAgent(agent)
			},
		})
	}
	return checks
}

// lastRunError reports the failure of the task's latest run, if any.
func lastRunError(s *scheduling.Scheduler, task string) error {
	res, ok := s.LastRun(task)
	if !ok || res.Err == nil {
		return nil
	}
	return fmt.Errorf("last run at %s failed: %w", res.Started.UTC().Format(time.RFC3339), res.Err)
}

// initGateway builds the HTTP entry point in front of the orchestrator.
func initGateway(cfg *config.Config, consulter gateway.Consulter, recorder gateway.Recorder,
	metricsHandler http.Handler, checks []gateway.HealthCheck, log *slog.Logger) *gateway.Server {
	var auth gateway.Authenticator
	if len(cfg.Server.AuthTokens) > 0 {
		auth = gateway.NewStaticTokenAuth(cfg.Server.AuthTokens)
		log.Info("gateway authentication enabled", "tokens", len(cfg.Server.AuthTokens))
	}

	return gateway.NewServer(cfg.Server, gateway.HandlerDeps{
		Consulter:      consulter,
		Auth:           auth,
		Recorder:       recorder,
		MetricsHandler: metricsHandler,
		HealthChecks:   checks,
		Version:        version,
		Logger:         log,
	})
}

// logEvents mirrors every bus event to the debug log.
func logEvents(bus domain.EventBus, log *slog.Logger) func() {
	return bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		log.Debug("event", "type", event.Type, "session_id", event.SessionID)
	})
}
