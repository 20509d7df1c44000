// Package main is the Acteon gateway entry point: it loads
// configuration, wires every domain component described in spec.md
// §4, and serves the wire API of spec.md §6 behind the ambient
// middleware stack until told to shut down.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/background"
	"github.com/penserai/acteon/breaker"
	"github.com/penserai/acteon/chainengine"
	"github.com/penserai/acteon/dispatcher"
	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/group"
	"github.com/penserai/acteon/infrastructure/auditlog"
	"github.com/penserai/acteon/infrastructure/authconfig"
	"github.com/penserai/acteon/infrastructure/config"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/middleware"
	"github.com/penserai/acteon/infrastructure/redaction"
	"github.com/penserai/acteon/infrastructure/resilience"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/providers"
	"github.com/penserai/acteon/rules"
	"github.com/penserai/acteon/rules/sandbox"
	"github.com/penserai/acteon/scheduler"
	"github.com/penserai/acteon/stream"
	transporthttp "github.com/penserai/acteon/transport/http"
)

const gatewayVersion = "0.1.0"

func main() {
	configPath := flag.String("config", "gateway.toml", "path to the server TOML config")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "acteon: config:", err)
		os.Exit(1)
	}

	logger := logging.NewFromEnv("acteon-gateway")
	ctx := context.Background()

	authCfg, err := authconfig.Load(cfg.Auth.ConfigPath)
	if err != nil {
		logger.Fatal(ctx, "load auth config", err)
	}

	stateStore, err := buildStateStore(cfg.State)
	if err != nil {
		logger.Fatal(ctx, "build state store", err)
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	sbox := sandbox.New(cfg.Sandbox.Timeout)
	ruleEngine := rules.NewEngine(stateStore, rules.WithSandbox(sbox))

	initialRules, ruleErrs := rules.LoadDir(cfg.RuleFiles.Directory)
	for _, e := range ruleErrs {
		logger.Warn(ctx, "rule file load error", map[string]interface{}{"error": e.Error()})
	}
	plan, err := ruleEngine.NewPlan(initialRules)
	if err != nil {
		logger.Fatal(ctx, "compile initial rule plan", err)
	}
	ruleEngine.SetPlan(plan)
	ruleAdmin := transporthttp.NewRuleAdmin(ruleEngine, cfg.RuleFiles.Directory, initialRules)

	initialChains, chainErrs := chainengine.LoadDir(cfg.ChainFiles.Directory)
	for _, e := range chainErrs {
		logger.Warn(ctx, "chain file load error", map[string]interface{}{"error": e.Error()})
	}

	registry := providers.NewRegistry()
	registry.Register("log", providers.NewLogProvider(logger))

	breakers := breaker.NewManager(resilience.DefaultConfig(), nil, nil, metricsReg, logger)

	auditStore, err := buildAuditStore(ctx, cfg.Audit, logger)
	if err != nil {
		logger.Fatal(ctx, "build audit store", err)
	}

	redactor := redaction.NewFromFields(cfg.Redaction.Fields, cfg.Redaction.Mask)

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.MaxConcurrent = cfg.Server.MaxConcurrent
	dispatchCfg.ComplianceMode = cfg.Audit.ComplianceMode
	dispatchCfg.AuditTTL = cfg.Audit.TTL
	if cfg.RateLimit.DefaultPerSecond > 0 {
		dispatchCfg.RateLimit.CallerMax = int64(cfg.RateLimit.DefaultPerSecond)
		dispatchCfg.RateLimit.CallerWindow = time.Second
	}

	// The chain engine, group manager, approval store and scheduler
	// are all constructed with a DispatchFunc closure over the
	// Dispatcher's own Dispatch method, so the Dispatcher itself must
	// exist first with those fields left nil and wired in afterwards
	// via its Set* methods (see dispatcher.New's doc comment).
	disp := dispatcher.New(dispatchCfg, stateStore, ruleEngine, registry, breakers, auditStore, redactor, nil, metricsReg, logger)

	hub := stream.NewHub(stream.Config{BufferSize: stream.DefaultBufferSize, MaxConnsPerTenant: cfg.Server.SSEConnectionCap})
	disp.SetPublisher(hub)

	chainEngine := chainengine.NewEngine(stateStore, disp.Dispatch,
		chainengine.WithMetrics(metricsReg),
		chainengine.WithLogger(logger),
		chainengine.WithPublisher(hub),
		chainengine.WithDLQFunc(dlqFunc(auditStore, logger)),
	)
	for _, cc := range initialChains {
		if err := chainEngine.RegisterChain(cc); err != nil {
			logger.Warn(ctx, "register chain definition", map[string]interface{}{"chain": cc.Name, "error": err.Error()})
		}
	}

	groupMgr := group.NewManager(stateStore, disp.Dispatch,
		group.WithMetrics(metricsReg),
		group.WithLogger(logger),
		group.WithPublisher(hub),
	)

	// Approval tokens are HMAC-signed with a process-local key: a
	// single-node deployment has nowhere else to keep it, so a
	// restart invalidates any approval token issued before it (an
	// accepted limitation, recorded in DESIGN.md).
	keySet, err := approval.NewKeySet("boot", map[string][]byte{"boot": randomKey()})
	if err != nil {
		logger.Fatal(ctx, "build approval key set", err)
	}
	approvalStore := approval.NewStore(stateStore, keySet, disp.DispatchForApproval)
	approvalStore.SetPublisher(hub)
	approvalStore.SetNotifier(approval.NewHTTPNotifier(10 * time.Second))

	disp.SetChainEngine(chainEngine)
	disp.SetGroupManager(groupMgr)
	disp.SetApprovalStore(approvalStore)

	sched := scheduler.New(stateStore, disp.Dispatch, scheduler.WithMetrics(metricsReg), scheduler.WithLogger(logger))
	disp.SetScheduler(sched)

	bg := background.New(background.DefaultConfig(), sched, groupMgr, chainEngine, approvalStore, auditStore, logger)
	if err := bg.Start(ctx); err != nil {
		logger.Fatal(ctx, "start background processor", err)
	}

	srv := &transporthttp.Server{
		Dispatcher: disp,
		Audit:      auditStore,
		Chains:     chainEngine,
		Approvals:  approvalStore,
		Breakers:   breakers,
		Hub:        hub,
		RuleAdmin:  ruleAdmin,
	}

	handler := wrapMiddleware(srv.Routes(), authCfg, metricsReg, logger)

	topMux := http.NewServeMux()
	topMux.Handle("/", handler)
	topMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	health := middleware.NewHealthChecker(gatewayVersion)
	health.RegisterCheck("state_store", func() error { return nil })
	health.RegisterCheck("host_memory", middleware.MemoryHealthCheck(95))
	topMux.Handle("/healthz", health.Handler())

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: topMux}

	gs := middleware.NewGracefulShutdown(httpServer, cfg.Server.ShutdownGrace)
	gs.OnShutdown(func() {
		bg.Stop()
		if err := stateStore.Close(ctx); err != nil {
			logger.Warn(ctx, "close state store", map[string]interface{}{"error": err.Error()})
		}
	})
	gs.OnShutdown(func() {
		if err := auditStore.Close(ctx); err != nil {
			logger.Warn(ctx, "close audit store", map[string]interface{}{"error": err.Error()})
		}
	})

	logger.Info(ctx, "acteon gateway listening", map[string]interface{}{"addr": cfg.Server.ListenAddr})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server", err)
		}
	}()

	gs.ListenForSignals()
	gs.Wait()
}

func buildStateStore(sec config.StateSection) (state.Store, error) {
	switch sec.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sec.RedisAddr})
		return state.NewRedisStore(client, sec.RedisKeyPrefix), nil
	default:
		return state.NewMemoryStore(sec.CleanupInterval), nil
	}
}

func buildAuditStore(ctx context.Context, sec config.AuditSection, logger *logging.Logger) (audit.Store, error) {
	auditLogger := auditlog.New(os.Stderr, false)
	switch sec.Backend {
	case "postgres":
		db, err := audit.OpenPostgres(ctx, sec.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := audit.RunMigrations(db); err != nil {
			return nil, err
		}
		return audit.NewPostgresStore(db,
			audit.WithPostgresHashChain(sec.HashChain),
			audit.WithPostgresAuditLog(auditLogger),
		), nil
	default:
		return audit.NewMemoryStore(
			audit.WithMemoryHashChain(sec.HashChain),
			audit.WithMemoryAuditLog(auditLogger),
		), nil
	}
}

// dlqFunc adapts a chain step's dead-letter callback into an
// audit.Store.AppendDLQ call, the same terminal sink stage 11's
// dispatch-level DLQ writes use.
func dlqFunc(store audit.Store, logger *logging.Logger) chainengine.DLQFunc {
	return func(ctx context.Context, cs domain.ChainState, stepName string, cause string) {
		entry := domain.DeadLetterEntry{
			ID:        uuid.NewString(),
			Tenant:    cs.OriginAction.Tenant,
			ActionID:  cs.OriginAction.ID,
			Provider:  cs.OriginAction.Provider,
			Reason:    fmt.Sprintf("chain %s step %s: %s", cs.ChainName, stepName, cause),
			Attempts:  1,
			CreatedAt: time.Now(),
		}
		if err := store.AppendDLQ(ctx, entry); err != nil {
			logger.Warn(ctx, "append chain step to DLQ", map[string]interface{}{"chain_id": cs.ChainID, "error": err.Error()})
		}
	}
}

func randomKey() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func wrapMiddleware(next http.Handler, authCfg *authconfig.Config, metricsReg *metrics.Registry, logger *logging.Logger) http.Handler {
	h := next
	h = middleware.NewValidationMiddleware(middleware.DefaultValidationConfig()).Handler(h)
	h = middleware.MetricsMiddleware(metricsReg)(h)
	h = middleware.LoggingMiddleware(logger)(h)
	h = middleware.NewTimeoutMiddleware(30 * time.Second).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(h)
	h = middleware.NewBodyLimitMiddleware(8 << 20).Handler(h)
	h = middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}}).Handler(h)
	h = middleware.NewAuthMiddleware(authCfg, logger, "/healthz", "/metrics").Handler(h)
	h = middleware.NewRecoveryMiddleware(logger).Handler(h)
	return h
}
