// Package app wires every careline subsystem into a running server.
//
// The App struct owns the full lifecycle: New connects the database,
// providers, and business-logic packages into an [orchestrator.Manager] and
// an HTTP server; Run starts the server and the scheduler and blocks until
// the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject collaborators via functional options (WithTenants,
// WithDialer, etc.). When an option is not provided, New creates the real
// implementation from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/careline-ai/careline/internal/config"
	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/health"
	"github.com/careline-ai/careline/internal/observe"
	"github.com/careline-ai/careline/internal/orchestrator"
	"github.com/careline-ai/careline/internal/postcall"
	"github.com/careline-ai/careline/internal/scheduler"
	"github.com/careline-ai/careline/internal/telephony"
	"github.com/careline-ai/careline/internal/tools"
	"github.com/careline-ai/careline/pkg/memory"
	mempostgres "github.com/careline-ai/careline/pkg/memory/postgres"
	"github.com/careline-ai/careline/pkg/provider/embeddings"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/provider/stt"
	"github.com/careline-ai/careline/pkg/provider/tts"
	"github.com/careline-ai/careline/pkg/store"
	"github.com/careline-ai/careline/pkg/store/postgres"
	"github.com/careline-ai/careline/pkg/types"
)

// Providers holds one provider instance per pipeline stage. Nil means the
// provider is not configured. Populated by cmd/careline/main.go via the
// config registry.
type Providers struct {
	VoiceLLM    llm.Provider
	DirectorLLM llm.Provider
	AnalysisLLM llm.Provider
	STT         stt.Provider
	TTS         tts.Provider
	Embeddings  embeddings.Provider
}

// basePersona is the always-present first system-prompt slot (§4.9 slot 1)
// shared by every call.
const basePersona = `You are a warm, attentive phone companion calling to check in on an older adult.
Speak naturally and briefly, as in a real phone call. Listen for signs of distress,
confusion, or a medical concern and take them seriously. Never rush the caller.`

// streamLanguage is the STT recognition language for every call. No
// per-tenant locale is named in the external interface contract, so every
// session uses the same value.
const streamLanguage = "en-US"

// App owns every subsystem's lifetime and serves the telephony webhooks.
type App struct {
	cfg       *config.Config
	providers *Providers

	pool *pgxpool.Pool

	tenants       store.Tenants
	conversations store.Conversations
	reminders     store.Reminders
	deliveries    store.Deliveries
	analyses      store.CallAnalyses

	memory   memory.Store
	daily    *dailycontext.Store
	cache    *contextcache.Cache
	postcall *postcall.Processor
	news     *tools.NewsLookup

	manager *orchestrator.Manager
	dialer  *telephony.Dialer
	server  *telephony.Server
	sched   *scheduler.Scheduler

	httpServer      *http.Server
	metricsShutdown func(context.Context) error

	// closers run in order during Shutdown, after the scheduler and HTTP
	// server have stopped.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTenants injects a tenant store instead of creating one from config.
func WithTenants(s store.Tenants) Option { return func(a *App) { a.tenants = s } }

// WithConversations injects a conversation store instead of creating one from config.
func WithConversations(s store.Conversations) Option { return func(a *App) { a.conversations = s } }

// WithReminders injects a reminder store instead of creating one from config.
func WithReminders(s store.Reminders) Option { return func(a *App) { a.reminders = s } }

// WithDeliveries injects a delivery store instead of creating one from config.
func WithDeliveries(s store.Deliveries) Option { return func(a *App) { a.deliveries = s } }

// WithCallAnalyses injects a call-analysis store instead of creating one from config.
func WithCallAnalyses(s store.CallAnalyses) Option { return func(a *App) { a.analyses = s } }

// WithMemoryStore injects a memory store instead of connecting to PostgreSQL.
func WithMemoryStore(m memory.Store) Option { return func(a *App) { a.memory = m } }

// WithDialer injects an outbound dialer instead of creating one from config.
func WithDialer(d *telephony.Dialer) Option { return func(a *App) { a.dialer = d } }

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires every subsystem together from cfg and providers. Use Option
// functions to inject test doubles for any collaborator.
//
// New performs all initialisation synchronously: telemetry, database pool,
// memory store connection, business-logic packages, the session
// orchestrator, the outbound dialer, and the HTTP webhook server. It does
// not start the scheduler or begin serving HTTP; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	dailyStore, err := a.dailyContextsTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init daily context store: %w", err)
	}
	a.daily = dailycontext.New(dailyStore)

	a.news = tools.NewNewsLookup(providers.AnalysisLLM)
	a.cache = contextcache.New(a.tenants, a.conversations, a.memory, a.daily, a.news)
	a.postcall = postcall.New(a.conversations, a.analyses, a.memory, a.daily, a.cache, providers.AnalysisLLM)

	a.manager = orchestrator.NewManager(orchestrator.Dependencies{
		Tenants:       a.tenants,
		Conversations: a.conversations,
		Reminders:     a.reminders,
		Deliveries:    a.deliveries,
		Memory:        a.memory,
		Daily:         a.daily,
		Cache:         a.cache,
		Postcall:      a.postcall,
		News:          a.news,
		VoiceLLM:      providers.VoiceLLM,
		DirectorLLM:   providers.DirectorLLM,
		TTS:           providers.TTS,
		Voice:         voiceProfile(cfg.Voice),
		BasePersona:   basePersona,
	})

	if err := a.initDialer(); err != nil {
		return nil, fmt.Errorf("app: init dialer: %w", err)
	}

	if cfg.Scheduler.Enabled {
		a.sched = scheduler.New(scheduler.Config{
			Reminders:  a.reminders,
			Deliveries: a.deliveries,
			Tenants:    a.tenants,
			Dialer:     a.dialer,
			Prefetch:   scheduler.CacheAdapter{Cache: a.cache},
			Registrar:  a.manager,
		})
	}

	if err := a.initTelephonyServer(); err != nil {
		return nil, fmt.Errorf("app: init telephony server: %w", err)
	}

	a.httpServer = a.buildHTTPServer()

	return a, nil
}

// dailyContextsTable returns the store.DailyContexts implementation backing
// the daily context bucket, reusing the database pool opened for the
// relational stores.
func (a *App) dailyContextsTable(ctx context.Context) (store.DailyContexts, error) {
	if a.pool == nil {
		return nil, errors.New("database pool not initialised")
	}
	return postgres.NewDailyContexts(a.pool), nil
}

// telemetryOnce guards observe.InitProvider: it registers a Prometheus
// collector on the default registry, which is process-global state and
// panics on a second registration. A process hosts exactly one App, so the
// first New call owns the real shutdown function; later ones (as happens
// constructing multiple Apps in one test binary) are no-ops.
var (
	telemetryOnce     sync.Once
	telemetryShutdown func(context.Context) error
)

// initTelemetry sets up the global OTel meter/tracer providers backed by a
// Prometheus exporter, grounded on internal/observe.InitProvider.
func (a *App) initTelemetry() error {
	var initErr error
	telemetryOnce.Do(func() {
		telemetryShutdown, initErr = observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "careline"})
	})
	if initErr != nil {
		return initErr
	}
	a.metricsShutdown = telemetryShutdown
	return nil
}

// initStores opens the PostgreSQL pool (unless every relational store has
// already been injected) and constructs the store.* implementations.
func (a *App) initStores(ctx context.Context) error {
	if a.tenants != nil && a.conversations != nil && a.reminders != nil && a.deliveries != nil && a.analyses != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return errors.New("database.postgres_dsn is required when stores are not injected")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.tenants == nil {
		a.tenants = postgres.NewTenants(pool)
	}
	if a.conversations == nil {
		a.conversations = postgres.NewConversations(pool)
	}
	if a.reminders == nil {
		a.reminders = postgres.NewReminders(pool)
	}
	if a.deliveries == nil {
		a.deliveries = postgres.NewDeliveries(pool)
	}
	if a.analyses == nil {
		a.analyses = postgres.NewCallAnalyses(pool)
	}
	return nil
}

// initMemory connects the pgvector-backed long-term memory store unless one
// was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.memory != nil {
		return nil
	}
	if a.providers.Embeddings == nil {
		return errors.New("an embeddings provider is required when a memory store is not injected")
	}

	dsn := a.cfg.Database.PostgresDSN
	memStore, err := mempostgres.NewStore(ctx, dsn, a.providers.Embeddings, a.providers.AnalysisLLM)
	if err != nil {
		return err
	}
	a.memory = memStore
	return nil
}

// initDialer builds the outbound dialer from the telephony config section,
// unless one was injected for testing.
func (a *App) initDialer() error {
	if a.dialer != nil {
		return nil
	}
	tc := a.cfg.Telephony
	a.dialer = telephony.NewDialer(a.tenants, telephony.DialerConfig{
		BaseURL:    tc.BaseURL,
		AccountID:  tc.AccountID,
		AuthToken:  tc.AuthToken,
		FromNumber: tc.Number,
		AnswerURL:  tc.PublicURL + "/voice/answer",
		StatusURL:  tc.PublicURL + "/voice/status",
	})
	return nil
}

// initTelephonyServer builds the media-stream bridge and the HTTP webhook
// server. It must run after the scheduler (if enabled) so status callbacks
// reach it.
func (a *App) initTelephonyServer() error {
	if a.providers.STT == nil {
		return errors.New("an stt provider is required to serve media streams")
	}
	stream := telephony.NewMediaStream(a.manager, a.providers.STT, streamLanguage)

	var status telephony.StatusHandler
	if a.sched != nil {
		status = a.sched
	}

	a.server = telephony.NewServer(telephony.ServerConfig{
		AuthToken: a.cfg.Telephony.AuthToken,
		StreamURL: streamURL(a.cfg.Telephony.PublicURL),
	}, status, a.conversations, stream)
	return nil
}

// streamURL converts the service's public https:// base URL into the wss://
// media-stream endpoint handed to the telephony provider.
func streamURL(publicURL string) string {
	u := strings.Replace(publicURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/voice/stream"
}

// buildHTTPServer assembles the health, metrics, and telephony webhook
// endpoints behind the observability middleware.
func (a *App) buildHTTPServer() *http.Server {
	mux := http.NewServeMux()

	healthHandler := health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if a.pool == nil {
				return nil
			}
			return a.pool.Ping(ctx)
		},
	})
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.server.Register(mux)

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	var handler http.Handler = mux
	if err == nil {
		handler = observe.Middleware(metrics)(mux)
	} else {
		slog.Warn("app: failed to build http metrics, serving without middleware", "err", err)
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{Addr: addr, Handler: handler}
}

// voiceProfile converts a config.VoiceConfig to types.VoiceProfile.
func voiceProfile(vc config.VoiceConfig) types.VoiceProfile {
	return types.VoiceProfile{
		ID:              vc.VoiceID,
		Stability:       vc.Stability,
		SimilarityBoost: vc.SimilarityBoost,
		Style:           vc.Style,
		Speed:           vc.Speed,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session orchestrator manager.
func (a *App) Manager() *orchestrator.Manager { return a.manager }

// Dialer returns the outbound telephony dialer.
func (a *App) Dialer() *telephony.Dialer { return a.dialer }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler (if enabled) and the HTTP webhook server, then
// blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.sched != nil {
		a.sched.Start(ctx)
		slog.Info("scheduler started")
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the scheduler and HTTP server, then runs the remaining
// closers in the order they were registered. It respects ctx's deadline: remaining
// closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.sched != nil {
			a.sched.Stop()
		}

		if a.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		if a.metricsShutdown != nil {
			if err := a.metricsShutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
