package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sparkwise/internal/adapter/cache"
	"sparkwise/internal/adapter/expert"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/infra/logger"
	"sparkwise/internal/infra/metrics"
	"sparkwise/internal/infra/tracer"
	"sparkwise/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("sparkwise", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'sparkwise --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`sparkwise - multi-agent electrical consultation service

USAGE:
    sparkwise [COMMAND] [FLAGS]

COMMANDS:
    run         Start the consultation gateway (default)
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for use as an enc: config value
                Reads the value from stdin; passphrase from SPARKWISE_CONFIG_KEY
    version     Print the build version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SPARKWISE_* variables override config

EXAMPLES:
    sparkwise                                  # Run with config.yaml
    sparkwise --config /etc/sparkwise.yaml     # Run with custom config
    sparkwise doctor                           # Check expert and cache reachability`)
}

// configPath resolves the config file from --config, SPARKWISE_CONFIG, or
// the working directory, in that order.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SPARKWISE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Metrics & event bus
	m := metrics.New()
	bus := eventbus.New(log)
	defer bus.Close()
	unsubscribe := logEvents(bus, log)
	defer unsubscribe()

	// 4. Cache
	backend, err := cache.New(ctx, cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer backend.Close()

	// 5. Experts
	experts, err := expert.NewRegistryFromConfig(cfg.Experts, log)
	if err != nil {
		return fmt.Errorf("experts: %w", err)
	}
	defer experts.Close()
	if len(experts.Agents()) == 0 {
		log.Warn("no expert agents configured, every consultation step will be degraded")
	}

	// 6. Text generation
	llmComponents, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 7. Consultation log
	storeComp, storeCleanup, err := initStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer storeCleanup()

	deps := CoreDeps{
		Experts:  experts,
		Cache:    backend,
		Bus:      bus,
		Recorder: m,
		LLM:      llmComponents,
	}
	if storeComp != nil {
		deps.Store = storeComp.Store
	}

	// 8. Orchestrator & gateway
	orch := buildOrchestrator(cfg, deps, log)
	server := initGateway(cfg, orch, m, m.Handler(), healthChecks(backend, storeComp, experts), log)

	// 9. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if storeComp != nil {
		if err := storeComp.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	log.Info("sparkwise starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"experts", len(experts.Agents()),
		"cache", cfg.Cache.Backend,
		"llm", cfg.LLM.Enabled,
		"store", cfg.Store.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", "error", err)
	}
	return nil
}

// runEncrypt reads a secret from stdin and prints its enc: form.
func runEncrypt() error {
	passphrase := os.Getenv("SPARKWISE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("SPARKWISE_CONFIG_KEY is not set")
	}
	var plaintext string
	if _, err := fmt.Fscanln(os.Stdin, &plaintext); err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
