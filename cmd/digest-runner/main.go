package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	config "github.com/daybook-hq/daybook/internal/config/digest-runner"
	"github.com/daybook-hq/daybook/internal/obs"
	"github.com/daybook-hq/daybook/internal/ratelimit"
	pg "github.com/daybook-hq/daybook/internal/repository/postgres"
	redisrl "github.com/daybook-hq/daybook/internal/repository/redis"
	digestsvc "github.com/daybook-hq/daybook/internal/services/digest"
	"github.com/daybook-hq/daybook/internal/token"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func wiring(cfg *config.Config, db *pg.DB, limiter ratelimit.Limiter, l *zap.Logger) (*digestsvc.Runner, error) {
	queue := pg.NewQueueRepo(db)
	events := pg.NewEventRepo(db)
	prefs := pg.NewPreferenceRepo(db)
	recipients := pg.NewRecipientRepo(db)
	projects := pg.NewProjectRepo(db)
	dlog := pg.NewDeliveryLogRepo(db)
	revoked := pg.NewRevokedTokenRepo(db)
	clock := systemClock{}

	tokens, err := token.NewService([]byte(cfg.Token.Secret), cfg.Token.Issuer, cfg.Token.Audience, revoked)
	if err != nil {
		return nil, err
	}
	renderer, err := digestsvc.NewTemplateRenderer()
	if err != nil {
		return nil, err
	}
	mailer := digestsvc.NewMailer(cfg.SMTP, l)

	agg := digestsvc.NewAggregator(l, queue, events, prefs, recipients, projects, clock)
	engine := digestsvc.NewEngine(l, digestsvc.EngineConfig{
		ChunkSize:          cfg.Digest.ChunkSize,
		UnsubscribeTTL:     cfg.Token.UnsubscribeTTL,
		UnsubscribeBaseURL: cfg.Digest.BaseURL,
		CriticalTypes:      cfg.Digest.CriticalTypes,
	}, renderer, tokens, limiter, mailer, queue, dlog, clock)

	weeklyDay, err := cfg.WeeklyTriggerDay()
	if err != nil {
		return nil, err
	}
	return digestsvc.NewRunner(l, agg, engine, revoked, weeklyDay, clock), nil
}

func main() {
	var (
		cadenceArg = flag.String("cadence", "all", "which digests to run: daily, weekly, or all")
		configPath = flag.String("config", "", "path to yaml config (env vars override)")
	)
	flag.Parse()

	sel, err := digestsvc.ParseSelection(*cadenceArg)
	if err != nil {
		log.Fatal(err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()

	l.Info("starting digest run",
		zap.String("cadence", string(sel)),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("smtp_addr", cfg.SMTP.Addr))

	otelCloser, err := obs.SetupOTel(rootCtx, cfg.AsOTELConfig())
	if err != nil {
		l.Warn("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	db, err := pg.New(rootCtx, cfg.DB)
	if err != nil {
		l.Error("db connect", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	l.Info("db connected")

	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{cfg.Redis.Addr}})
		if err != nil {
			l.Error("redis connect", zap.Error(err))
			os.Exit(1)
		}
		defer rc.Close()
		limiter = redisrl.NewRateLimiter(rc, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		l.Info("using shared rate-limit store", zap.String("redis_addr", cfg.Redis.Addr))
	} else {
		limiter = ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	runner, err := wiring(cfg, db, limiter, l)
	if err != nil {
		l.Error("wiring", zap.Error(err))
		os.Exit(1)
	}

	summary, runErr := runner.RunDigests(rootCtx, sel)
	l.Info("digest run finished",
		zap.Int("sent", summary.Sent),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)

	// partial per-recipient or per-chunk failures still exit 0; only a
	// run that made no progress at all is unrecoverable
	if runErr != nil {
		l.Error("digest run error", zap.Error(runErr))
		if summary.Sent == 0 && summary.Deferred == 0 && summary.Failed == 0 && summary.Skipped == 0 {
			os.Exit(1)
		}
	}
}
