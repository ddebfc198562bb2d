package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/analysis"
	"github.com/IliaW/content-proof/internal/aws_sqs"
	"github.com/IliaW/content-proof/internal/broker"
	cacheClient "github.com/IliaW/content-proof/internal/cache"
	"github.com/IliaW/content-proof/internal/crawler"
	"github.com/IliaW/content-proof/internal/lifecycle"
	"github.com/IliaW/content-proof/internal/locks"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/persistence"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/IliaW/content-proof/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var (
	cfg   *config.Config
	db    *sql.DB
	cache cacheClient.CachedClient
	store persistence.Storage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	store = setupStorage()
	defer closeStorage()
	httpClient := setupHttpClient()
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env))

	brokerWg := &sync.WaitGroup{}
	audit, closeAudit := setupAudit(metrics.KafkaMetrics, brokerWg)
	dlq, closeDLQ := setupDLQ()

	keyed := locks.NewKeyed()
	capability := setupCapability()
	orchestrator := analysis.NewOrchestrator(store, capability, keyed, audit, metrics.AnalysisMetrics,
		cfg.AnalysisSettings)
	lc := lifecycle.New(store, keyed, audit, metrics.LifecycleMetrics, cfg.LifecycleSettings)
	fetcher := crawler.NewHTTPFetcher(httpClient, cfg.CrawlerSettings.UserAgent, cfg.CrawlerSettings.MaxBodyBytes)
	cr := crawler.New(store, fetcher, audit, dlq, metrics.CrawlMetrics, cfg.CrawlerSettings)

	threadNum := parallelWorkers()
	getSqsChan := make(chan *string, threadNum*2) // double the size to avoid blocking
	sendSqsChan := make(chan *string, threadNum*2)

	// Analyze tasks for crawled pages go back to the queue, or straight to the workers without sqs.
	analyzeChan := getSqsChan
	if cfg.SQSSettings.Enabled {
		analyzeChan = sendSqsChan
	}
	if cfg.CrawlerSettings.AutoAnalyze {
		cr.OnContent(func(contentID string) {
			msg, err := worker.EncodeTask(model.Task{Action: model.ActionAnalyze, ContentID: contentID})
			if err != nil {
				slog.Error("failed to queue analysis.", slog.String("content_id", contentID),
					slog.String("err", err.Error()))
				return
			}
			analyzeChan <- msg
		})
	}

	wg := &sync.WaitGroup{}
	if cfg.SQSSettings.Enabled {
		wg.Add(2)
		sqs := aws_sqs.NewSQSWorker(getSqsChan, metrics.SQSMetrics, sendSqsChan, cfg, wg)
		go sqs.SQSConsumer(ctx)
		go sqs.SQSProducer()
	}

	workerWg := &sync.WaitGroup{}
	taskWorker := &worker.TaskWorker{
		InputSqsChan: getSqsChan,
		Crawler:      cr,
		Analyzer:     orchestrator,
		Applier:      lc,
		Cfg:          cfg,
		Wg:           workerWg,
		DLQ:          dlq,
		Metrics:      metrics.SQSMetrics,
	}
	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go taskWorker.Run()
	}

	if !cfg.SQSSettings.Enabled {
		for _, seed := range cfg.WorkerSettings.SeedURLs {
			msg, err := worker.EncodeTask(model.Task{Action: model.ActionCrawl, URL: seed})
			if err != nil {
				slog.Error("skipping seed url.", slog.String("url", seed), slog.String("err", err.Error()))
				continue
			}
			getSqsChan <- msg
		}
	}

	go healthCheckHandler()

	// Graceful shutdown.
	// With sqs:
	// 1. Stop SQS Consumer by system call. Close getSqsChan
	// 2. Wait till all Workers processed all messages from getSqsChan
	// 3. Cancel running crawls and wait for them. Close sendSqsChan
	// 4. Wait till SQS Producer sends all messages.
	// Without sqs the crawls are stopped first, since they feed getSqsChan.
	// Then close the audit sink and the DLQ, database and memcached connections.
	<-ctx.Done()
	slog.Info("stopping server...")
	if cfg.SQSSettings.Enabled {
		workerWg.Wait()
		cr.Shutdown()
		close(sendSqsChan)
		slog.Info("close sendSqsChan.")
	} else {
		cr.Shutdown()
		close(getSqsChan)
		slog.Info("close getSqsChan.")
		workerWg.Wait()
	}
	wg.Wait()
	closeAudit()
	closeDLQ()
	brokerWg.Wait()
	if cache != nil {
		cache.Close()
	}
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local"}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

// setupStorage returns the postgres repository when the database is enabled, the in-memory store otherwise.
func setupStorage() persistence.Storage {
	if !cfg.DbSettings.Enabled {
		slog.Warn("database is disabled. Records are kept in memory.")
		return persistence.NewMemoryStore()
	}
	db = setupDatabase()
	repo := persistence.NewPostgresRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		slog.Error("failed to migrate the database schema.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	return repo
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeStorage() {
	slog.Info("closing storage.")
	if err := store.Close(); err != nil {
		slog.Error("failed to close storage.", slog.String("err", err.Error()))
	}
}

// setupAudit picks the kafka audit topic, then the audit_logs table, then the log.
func setupAudit(metrics *telemetry.KafkaMetrics, wg *sync.WaitGroup) (broker.AuditSink, func()) {
	if cfg.KafkaSettings.Enabled {
		sink := broker.NewKafkaAuditSink(metrics, cfg.KafkaSettings.Producer, wg)
		wg.Add(1)
		go sink.Run()
		return sink, sink.Close
	}
	if repo, ok := store.(*persistence.PostgresRepository); ok {
		return repo, func() {}
	}
	return broker.LogAuditSink{}, func() {}
}

func setupDLQ() (broker.DeadLetterQueue, func()) {
	if cfg.KafkaSettings.Enabled {
		dlq := broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
		return dlq, dlq.Close
	}
	return broker.LogDLQ{}, func() {}
}

func setupCapability() analysis.Capability {
	var capability analysis.Capability
	openaiClient, err := analysis.NewOpenAIClient(cfg.OpenAISettings)
	if err != nil {
		if !errors.Is(err, analysis.ErrAPIKeyNotSet) {
			slog.Error("failed to create openai client.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		slog.Warn("openai api key is not set. Only heuristic suggestions are produced.")
		capability = analysis.Unavailable{Reason: err}
	} else {
		capability = openaiClient
	}

	if cfg.CacheSettings.Enabled {
		cache = cacheClient.NewMemcachedClient(cfg.CacheSettings)
		capability = analysis.NewCachedCapability(capability, cache)
	}
	return capability
}

func setupHttpClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.HttpClientSettings.RequestTimeout,
	}
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

func healthCheckHandler() {
	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		slog.Error("http server error", slog.String("err", err.Error()))
	}
}
