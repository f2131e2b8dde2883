package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sportsedge/internal/analysis"
	"sportsedge/internal/collector"
	"sportsedge/internal/config"
	cronrunner "sportsedge/internal/cron"
	"sportsedge/internal/db"
	"sportsedge/internal/delivery"
	"sportsedge/internal/errs"
	"sportsedge/internal/handler"
	"sportsedge/internal/logger"
	"sportsedge/internal/models"
	"sportsedge/internal/paas"
	"sportsedge/internal/quota"
	"sportsedge/internal/ranker"
	"sportsedge/internal/report"
	"sportsedge/internal/repository"
	gormrepository "sportsedge/internal/repository/gorm"
	"sportsedge/internal/repository/memory"
	"sportsedge/internal/retry"
	"sportsedge/internal/source"
)

func main() {
	cfgPath := os.Getenv("SE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SE_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  repository.Repository
		dbConn *db.DB
	)
	if db.Enabled(cfg.DB) {
		dbConn, err = db.Open(ctx, cfg.DB, logger)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
	} else {
		logger.Warn("db.dsn not set, state is kept in memory")
		store = memory.New()
	}

	sources, err := source.Build(cfg.Sources, logger)
	if err != nil {
		logger.Fatal("build sources failed", zap.Error(err))
	}
	defer closeSources(sources)
	schedule, upstreams := splitSchedule(sources)

	loc := cfg.Report.Location()
	var (
		tracker     quota.Tracker
		redisClient redis.UniversalClient
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		tracker = &quota.RedisTracker{
			Client:   redisClient,
			Prefix:   cfg.Redis.KeyPrefix,
			Limits:   source.Limits(sources),
			Location: loc,
			Logger:   logger,
		}
	} else {
		tracker = quota.NewLedger(source.Limits(sources), store, loc, logger)
	}

	sink, err := delivery.NewSink(cfg.Delivery, logger)
	if err != nil {
		logger.Fatal("delivery sink failed", zap.Error(err))
	}
	if closer, ok := sink.(io.Closer); ok {
		defer closer.Close()
	}

	aggregator := &report.Aggregator{
		Repo: store,
		Collector: &collector.Collector{
			Quota:   tracker,
			Policy:  retry.FromConfig(cfg.Collector.Retry),
			Workers: cfg.Collector.Workers,
			Logger:  logger,
		},
		Engine:         analysis.New(cfg.Analysis),
		Ranker:         ranker.New(cfg.Ranker),
		Delivery:       delivery.New(cfg.Delivery, store, sink, logger),
		Schedule:       schedule,
		Sources:        upstreams,
		RunBudget:      cfg.Collector.RunBudget,
		DeliveryBudget: cfg.Delivery.Budget,
		Location:       loc,
		Owner:          instanceID(cfg.Report),
		Logger:         logger,
	}

	paasClient := initPaaSClient(cfg.Audit, logger)
	baseCtx := ctx
	if paasClient != nil {
		baseCtx = paas.WithClient(ctx, paasClient)
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(paas.RequireBearerMiddleware())
	engine.Use(paas.InjectClientMiddleware(paasClient))
	engine.Use(paas.WriteAuditMiddleware(paasClient, logger))

	health := &handler.HealthHandler{Redis: redisClient}
	if dbConn != nil {
		health.DB = dbConn.Gorm
	}
	health.Register(engine)
	reports := &handler.ReportHandler{
		Repo:    store,
		Runner:  aggregator,
		Quota:   tracker,
		Logger:  logger,
		BaseCtx: baseCtx,
	}
	reports.Register(engine)

	cronRunner := cronrunner.New(logger, baseCtx, cron.WithLocation(loc))
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add("daily_report", cfg.Cron.DailyReport, func(ctx context.Context) {
			runDaily(ctx, aggregator, logger)
		})
		if err != nil {
			logger.Fatal("cron register daily report failed", zap.String("spec", cfg.Cron.DailyReport), zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr), zap.String("sink", sink.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runDaily is the scheduled trigger. A report already finished for today is not an
// error for the scheduler; an interrupted one is resumed by RunDaily itself.
func runDaily(ctx context.Context, agg *report.Aggregator, logger *zap.Logger) {
	date := agg.Today()
	rep, err := agg.RunDaily(ctx, date, report.RunOptions{})
	switch {
	case errs.Is(err, errs.KindDuplicateReport), errs.Is(err, errs.KindRunInProgress):
		logger.Info("daily report skipped", zap.String("date", date), zap.String("reason", string(errs.KindOf(err))))
	case err != nil:
		logger.Warn("daily report failed", zap.String("date", date), zap.Error(err))
	default:
		logger.Info("daily report done",
			zap.String("date", date),
			zap.String("state", string(rep.State)),
			zap.Int("events", len(rep.Events)),
			zap.Int("recommendations", rep.RecommendationCount()),
		)
	}
}

func instanceID(cfg config.ReportConfig) string {
	if id := strings.TrimSpace(cfg.InstanceID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func splitSchedule(sources []source.Source) (source.Source, []source.Source) {
	var schedule source.Source
	rest := make([]source.Source, 0, len(sources))
	for _, s := range sources {
		if s.Kind == models.SourceKindSchedule {
			schedule = s
			continue
		}
		rest = append(rest, s)
	}
	return schedule, rest
}

func closeSources(sources []source.Source) {
	for _, s := range sources {
		if c, ok := s.Adapter.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func initPaaSClient(cfg config.AuditConfig, logger *zap.Logger) *paas.Client {
	p := paas.New(cfg)
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		logger.Warn("paas login failed (audit logs disabled)", zap.Error(err))
		return nil
	}
	logger.Info("paas login ok")
	return p
}
