package automatisations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/formaplus/automatisations/internal/actions"
	"github.com/formaplus/automatisations/internal/auth"
	"github.com/formaplus/automatisations/internal/config"
	"github.com/formaplus/automatisations/internal/controllers"
	"github.com/formaplus/automatisations/internal/definition"
	"github.com/formaplus/automatisations/internal/engine"
	"github.com/formaplus/automatisations/internal/events"
	"github.com/formaplus/automatisations/internal/migrations"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/internal/trigger"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/models"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Engine holds the wired components of one automation process.
type Engine struct {
	DB          *sql.DB
	Clock       core.Clock
	Definitions *definition.Service
	ApiKeys     *repository.ApiKeyRepository
	KeyVerifier *auth.Verifier
	Registry    *trigger.Registry
	Scheduler   *engine.Scheduler
	Manager     *engine.Manager
	Adapter     *events.Adapter
	Cron        *events.CronSource
	Metrics     *engine.Metrics

	notifier engine.Notifier
}

// Setup opens the configured database, applies migrations and wires every
// component. Nothing runs until Start.
func Setup() (*Engine, error) {
	db, err := OpenDatabase()
	if err != nil {
		return nil, err
	}
	clock := core.NewRealClock()

	executionRepo := repository.NewExecutionRepository(db, clock)
	stepLogRepo := repository.NewStepLogRepository(db)
	executorRepo := repository.NewExecutorRepository(db, clock)
	definitionRepo := repository.NewDefinitionRepository(db, clock)
	apiKeyRepo := repository.NewApiKeyRepository(db)

	registry, err := trigger.NewRegistry(definitionRepo,
		int64(config.GetSystemSettingInteger(config.TRIGGER_CACHE_SIZE)),
		config.GetSystemSettingDuration(config.TRIGGER_CACHE_TTL))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("trigger cache: %w", err)
	}

	verifier, err := auth.NewVerifier(int64(config.GetSystemSettingInteger(config.API_KEY_CACHE_SIZE)),
		config.GetSystemSettingDuration(config.API_KEY_CACHE_TTL))
	if err != nil {
		registry.Close()
		db.Close()
		return nil, err
	}

	metrics := engine.NewMetrics(config.GetSystemSettingString(config.STATSD_ADDRESS),
		"executor_group:"+config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP))

	notifier, err := setupNotifier()
	if err != nil {
		verifier.Close()
		registry.Close()
		db.Close()
		return nil, err
	}

	entities, err := setupEntityStore()
	if err != nil {
		verifier.Close()
		registry.Close()
		_ = metrics.Close()
		db.Close()
		return nil, err
	}
	dispatcher := engine.NewDispatcher(setupMessenger(), entities,
		actions.NewHTTPWebhookCaller(nil,
			config.GetSystemSettingDuration(config.WEBHOOK_TIMEOUT),
			config.GetSystemSettingDuration(config.WEBHOOK_MAX_TIMEOUT)),
		clock, config.GetSystemSettingDuration(config.WAIT_MAX_DURATION))

	scheduler := engine.NewScheduler(executionRepo, stepLogRepo, definitionRepo, dispatcher, clock,
		engine.WithNotifier(notifier),
		engine.WithMetrics(metrics),
		engine.WithExecutorGroup(config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP)),
		engine.WithMaxStepsPerRun(config.GetSystemSettingInteger(config.ENGINE_MAX_STEPS_PER_RUN)),
		engine.WithRetryDefaults(models.RetryConfig{
			MaxAttempts: config.GetSystemSettingInteger(config.RETRY_MAX_ATTEMPTS),
			BaseDelay:   config.GetSystemSettingDuration(config.RETRY_BASE_DELAY),
			Multiplier:  config.GetSystemSettingFloat(config.RETRY_MULTIPLIER),
			MaxDelay:    config.GetSystemSettingDuration(config.RETRY_MAX_DELAY),
		}),
	)
	manager := engine.NewManager(executionRepo, stepLogRepo, executorRepo, scheduler, notifier, clock, metrics)
	adapter := events.NewAdapter(registry, scheduler, clock, config.GetSystemSettingInteger(config.EVENTS_QUEUE_SIZE))
	adapter.SetDrainTimeout(config.GetSystemSettingDuration(config.EVENTS_DRAIN_TIMEOUT))

	return &Engine{
		DB:          db,
		Clock:       clock,
		Definitions: definition.NewService(definitionRepo, registry, clock),
		ApiKeys:     apiKeyRepo,
		KeyVerifier: verifier,
		Registry:    registry,
		Scheduler:   scheduler,
		Manager:     manager,
		Adapter:     adapter,
		Cron:        events.NewCronSource(definitionRepo, adapter, clock),
		Metrics:     metrics,
		notifier:    notifier,
	}, nil
}

// Start runs the engine, the event sources and the HTTP API. It blocks
// until ctx is cancelled or one of them fails, and returns that failure.
func (e *Engine) Start(ctx context.Context, mux *http.ServeMux) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	failed := make(chan error, 2)
	fail := func(err error) {
		failed <- err
		cancel()
	}

	go func() {
		if err := e.Manager.StartEngine(ctx, config.GetSystemSettingDuration(config.ENGINE_CHECK_DB_INTERVAL)); err != nil {
			slog.ErrorContext(ctx, "Workflow engine stopped", "error", err)
			fail(err)
		}
	}()
	adapterDone := make(chan struct{})
	go func() {
		defer close(adapterDone)
		e.Adapter.Run(ctx)
	}()
	defer func() {
		cancel()
		<-adapterDone
	}()
	if config.GetSystemSettingBool(config.SCHEDULER_ENABLED) {
		go e.Cron.Run(ctx, time.Minute)
	}
	if brokers := config.GetSystemSettingString(config.KAFKA_BROKERS); brokers != "" {
		source, err := events.NewKafkaSource(brokers,
			config.GetSystemSettingString(config.KAFKA_GROUP_ID),
			config.GetSystemSettingString(config.KAFKA_TOPIC), e.Adapter)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		go func() {
			if err := source.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "Kafka consumer stopped", "error", err)
				fail(err)
			}
		}()
	}

	if mux == nil {
		mux = http.NewServeMux()
	}
	base := controllers.NewBaseController(e.ApiKeys, e.KeyVerifier, e.Clock)
	controllers.NewDefinitionsController(e.Definitions, e.Scheduler, base).RegisterRoutes(mux)
	controllers.NewExecutionsController(e.Manager, base).RegisterRoutes(mux)
	controllers.NewEventsController(e.Adapter, base).RegisterRoutes(mux)
	controllers.NewExecutorsController(e.Manager, base).RegisterRoutes(mux)

	addr := ":" + config.GetSystemSettingString(config.ENGINE_SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "automatisations"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		return err
	}
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

// Close releases the database, caches and network clients.
func (e *Engine) Close() {
	e.Registry.Close()
	e.KeyVerifier.Close()
	if closer, ok := e.notifier.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	_ = e.Metrics.Close()
	_ = e.DB.Close()
}

func setupNotifier() (engine.Notifier, error) {
	redisURL := config.GetSystemSettingString(config.REDIS_URL)
	if redisURL == "" {
		return engine.NewLocalNotifier(), nil
	}
	n, err := engine.NewRedisNotifier(redisURL, config.GetSystemSettingString(config.REDIS_WAKEUP_CHANNEL))
	if err != nil {
		return nil, fmt.Errorf("redis notifier: %w", err)
	}
	slog.Info("Using Redis wakeups", "channel", config.GetSystemSettingString(config.REDIS_WAKEUP_CHANNEL))
	return n, nil
}

func setupMessenger() actions.Messenger {
	url := config.GetSystemSettingString(config.MESSAGING_SERVICE_URL)
	if url == "" {
		slog.Warn("WF_MESSAGING_SERVICE_URL is not set, emails and SMS are only logged")
		return actions.LogMessenger{}
	}
	return actions.NewHTTPMessenger(url, config.GetSystemSettingString(config.SERVICE_TOKEN), nil)
}

func setupEntityStore() (actions.EntityStore, error) {
	url := config.GetSystemSettingString(config.DATA_SERVICE_URL)
	if url != "" {
		return actions.NewHTTPEntityStore(url, config.GetSystemSettingString(config.SERVICE_TOKEN), nil), nil
	}
	if !config.GetSystemSettingBool(config.DEV_MODE) {
		return nil, errors.New("WF_DATA_SERVICE_URL is required, set WF_DEV_MODE=true to keep tasks and entity updates in memory")
	}
	slog.Warn("WF_DATA_SERVICE_URL is not set, tasks and entity updates are kept in memory")
	return actions.NewMemoryEntityStore(), nil
}

// OpenDatabase applies pending migrations and opens the database selected by
// WF_DATABASE_TYPE.
func OpenDatabase() (*sql.DB, error) {
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_POSTGRES:
		return setupPostgresDatabase()
	case config.DATABASE_TYPE_MYSQL:
		return setupMysqlDatabase()
	case config.DATABASE_TYPE_SQLITE:
		return setupSqliteDatabase()
	}
	return nil, fmt.Errorf("WF_DATABASE_TYPE must be one of %s, %s, %s",
		config.DATABASE_TYPE_POSTGRES, config.DATABASE_TYPE_MYSQL, config.DATABASE_TYPE_SQLITE)
}

func setupPostgresDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return nil, errors.New("WF_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Running migrations", "dialect", "postgres")
	if err := migrations.Up("postgres", dbURL); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, db.Ping()
}

func setupSqliteDatabase() (*sql.DB, error) {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLITE_FILE_NAME)
	if fileName == "" {
		return nil, errors.New("WF_DATABASE_SQLITE_FILE_NAME must be set")
	}
	slog.Info("Running migrations", "dialect", "sqlite3", "file", fileName)
	if err := migrations.Up("sqlite3", "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	db, err := sql.Open("sqlite3", fileName+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return db, db.Ping()
}

func setupMysqlDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if !strings.HasPrefix(dbURL, "mysql://") {
		return nil, errors.New("WF_DATABASE_URL must start with 'mysql://' for MySQL")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		return nil, errors.New("WF_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	slog.Info("Running migrations", "dialect", "mysql")
	if err := migrations.Up("mysql", dbURL); err != nil {
		return nil, fmt.Errorf("migrate mysql: %w", err)
	}
	db, err := sql.Open("mysql", strings.TrimPrefix(dbURL, "mysql://"))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, db.Ping()
}

// SetupLogger installs a tint handler on stderr. Colours are only used when
// stderr is a terminal.
func SetupLogger() {
	w := os.Stderr
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.GetSystemSettingString(config.LOG_LEVEL))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
			NoColor:    !isatty.IsTerminal(w.Fd()),
		}),
	))
}
