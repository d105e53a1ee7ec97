package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ScientiaCapital/llmgateway/internal/adapter/cache"
	"github.com/ScientiaCapital/llmgateway/internal/adapter/ledger"
	"github.com/ScientiaCapital/llmgateway/internal/adapter/llm"
	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
	"github.com/ScientiaCapital/llmgateway/internal/infra/logger"
	"github.com/ScientiaCapital/llmgateway/internal/infra/tracer"
	"github.com/ScientiaCapital/llmgateway/internal/usecase/routing"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "complete"
	args := os.Args[1:]
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
		args = os.Args[2:]
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`llmgateway - cost-aware routing layer for LLM providers

USAGE:
    gateway [COMMAND] [FLAGS]

COMMANDS:
    complete       Route one completion request (default)
    budget         Show current budget status
    costs          Query the cost ledger
    breakers       Show circuit breaker state per provider
    reset-breaker  Force a provider's breaker closed
    purge          Delete ledger records older than a duration

FLAGS (complete):
    --prompt TEXT      The prompt (required)
    --mode MODE        smart | passthrough (default: smart)
    --provider NAME    Provider name (required for passthrough)
    --component NAME   Calling component for cost attribution (default: cli)
    --session ID       Session id for cache scoping
    --essential        Bypass a blocked budget (audited)
    --hint CLASS       Complexity hint: simple | medium | complex

FLAGS (costs):
    --component NAME   Filter by component
    --since DURATION   Window, e.g. 24h (default: all records)

CONFIGURATION:
    Config file: ./config.yaml (override with --config or GW_CONFIG)
    Environment: GW_* variables override config

EXAMPLES:
    gateway --prompt "summarize this" --component reporting
    gateway complete --mode passthrough --provider openai-main --prompt "..."
    gateway budget
    gateway costs --component reporting --since 24h
    gateway reset-breaker openai-main
    gateway purge --older-than 720h`)
}

func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("GW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// gateway bundles the wired components and their cleanup.
type gateway struct {
	registry *llm.Registry
	router   *routing.Router
	ledger   *ledger.Store
	cache    *cache.TieredCache
	budget   *routing.BudgetMonitor
	log      *slog.Logger
	cleanup  func()
}

func buildGateway(ctx context.Context, cfgPath string) (*gateway, error) {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	var closers []func()
	closers = append(closers, func() { tracerShutdown(context.Background()) })
	closers = append(closers, func() { logCloser() })
	fail := func(err error) (*gateway, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	// 3. Provider adapters
	estimator := llm.NewTokenEstimator()
	registry, err := llm.BuildRegistry(cfg.Providers, estimator, log)
	if err != nil {
		return fail(fmt.Errorf("providers: %w", err))
	}

	// 4. Pricing
	pricing, err := buildPricing(cfg)
	if err != nil {
		return fail(fmt.Errorf("pricing: %w", err))
	}

	// 5. Cost ledger
	store, err := ledger.NewStore(cfg.Ledger.Path, cfg.Ledger.QueueSize, log)
	if err != nil {
		return fail(fmt.Errorf("ledger: %w", err))
	}
	closers = append([]func(){func() {
		if err := store.Close(); err != nil {
			log.Error("ledger close error", "error", err)
		}
	}}, closers...)

	// 6. Result cache
	resultCache, err := cache.New(cfg.Cache.Path, cfg.Cache.HotTTL, cfg.Cache.ColdTTL, cfg.Cache.HotMaxEntries, log)
	if err != nil {
		return fail(fmt.Errorf("cache: %w", err))
	}
	closers = append([]func(){func() {
		if err := resultCache.Close(); err != nil {
			log.Error("cache close error", "error", err)
		}
	}}, closers...)

	// 7. Budget monitor & router
	monitor, err := routing.NewBudgetMonitor(cfg.Budget, store, log)
	if err != nil {
		return fail(fmt.Errorf("budget: %w", err))
	}
	scorer := routing.NewScorer(cfg.Routing.Complexity, estimator)
	router := routing.NewRouter(registry, scorer, resultCache, store, monitor, pricing, cfg.Routing.Tiers, log)

	return &gateway{
		registry: registry,
		router:   router,
		ledger:   store,
		cache:    resultCache,
		budget:   monitor,
		log:      log,
		cleanup: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

func buildPricing(cfg *config.Config) (*domain.PricingTable, error) {
	in, out, err := cfg.Routing.DefaultRate.Rate()
	if err != nil {
		return nil, fmt.Errorf("default rate: %w", err)
	}
	table := domain.NewPricingTable(domain.ModelRate{InputPer1K: in, OutputPer1K: out})
	for _, p := range cfg.Providers {
		in, out, err := p.Pricing.Rate()
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		table.Set(p.Name, p.Model, domain.ModelRate{InputPer1K: in, OutputPer1K: out})
	}
	return table, nil
}

func run(cmd string, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := buildGateway(ctx, configPath(args))
	if err != nil {
		return err
	}
	defer gw.cleanup()

	switch cmd {
	case "complete":
		return runComplete(ctx, gw, args)
	case "budget":
		return runBudget(ctx, gw)
	case "costs":
		return runCosts(ctx, gw, args)
	case "breakers":
		return runBreakers(gw)
	case "reset-breaker":
		return runResetBreaker(gw, args)
	case "purge":
		return runPurge(ctx, gw, args)
	default:
		return fmt.Errorf("unknown command: %s (run 'gateway --help' for usage)", cmd)
	}
}

func runComplete(ctx context.Context, gw *gateway, args []string) error {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "prompt text")
	mode := fs.String("mode", "smart", "smart | passthrough")
	provider := fs.String("provider", "", "provider name (passthrough)")
	model := fs.String("model", "", "model name (passthrough)")
	component := fs.String("component", "cli", "calling component")
	session := fs.String("session", "", "session id")
	essential := fs.Bool("essential", false, "bypass blocked budget")
	hint := fs.String("hint", "", "complexity hint")
	fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := gw.router.Complete(ctx, domain.CompletionRequest{
		Prompt:         *prompt,
		Mode:           domain.RoutingMode(*mode),
		Provider:       *provider,
		Model:          *model,
		Tags:           domain.ContextTags{Component: *component, SessionID: *session},
		Essential:      *essential,
		ComplexityHint: domain.ComplexityClass(*hint),
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Text)
	gw.log.Info("completion routed",
		"provider", result.Provider,
		"model", result.Model,
		"cost_usd", result.CostUSD.String(),
		"latency_ms", result.LatencyMS,
		"cache_hit", result.CacheHit,
	)
	return nil
}

func runBudget(ctx context.Context, gw *gateway) error {
	report, err := gw.budget.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runCosts(ctx context.Context, gw *gateway, args []string) error {
	fs := flag.NewFlagSet("costs", flag.ContinueOnError)
	component := fs.String("component", "", "filter by component")
	since := fs.Duration("since", 0, "window, e.g. 24h")
	fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := ledger.QueryFilter{Component: *component}
	if *since > 0 {
		filter.Start = time.Now().UTC().Add(-*since)
	}
	summary, err := gw.ledger.Query(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runBreakers(gw *gateway) error {
	out := make(map[string]domain.BreakerStats)
	for _, name := range gw.registry.List() {
		stats, err := gw.registry.BreakerStats(name)
		if err != nil {
			return err
		}
		out[name] = stats
	}
	return printJSON(out)
}

func runResetBreaker(gw *gateway, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: gateway reset-breaker <provider>")
	}
	if err := gw.registry.ResetBreaker(args[0]); err != nil {
		return err
	}
	fmt.Printf("breaker %s reset\n", args[0])
	return nil
}

func runPurge(ctx context.Context, gw *gateway, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 0, "delete records older than this")
	fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return fmt.Errorf("usage: gateway purge --older-than 720h")
	}
	n, err := gw.ledger.PurgeBefore(ctx, time.Now().UTC().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("purged %d records\n", n)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
