package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/content-proof/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	KafkaMetrics     *KafkaMetrics
	SQSMetrics       *SQSMetrics
	CrawlMetrics     *CrawlMetrics
	AnalysisMetrics  *AnalysisMetrics
	LifecycleMetrics *LifecycleMetrics
	Close            func()
}

type KafkaMetrics struct {
	SuccessMsgCnt func(count int64)
	FailMsgCnt    func(count int64)
}

type SQSMetrics struct {
	SuccessMsgCnt func(count int64)
	FailMsgCnt    func(count int64)
	SentMsgCnt    func(count int64)
}

type CrawlMetrics struct {
	PagesCrawledCnt func(count int64)
	PagesFailedCnt  func(count int64)
	JobsFinishedCnt func(count int64)
}

type AnalysisMetrics struct {
	SuggestionsCnt  func(count int64)
	FallbackCnt     func(count int64)
	DiscardedCnt    func(count int64)
	ContentsDoneCnt func(count int64)
}

type LifecycleMetrics struct {
	AppliedCnt     func(count int64)
	ConflictCnt    func(count int64)
	RejectedCnt    func(count int64)
	ApprovedCnt    func(count int64)
	AutoAppliedCnt func(count int64)
}

// NoopMetrics returns counters that record nothing. Useful for tests and tools that don't export.
func NoopMetrics() *MetricsProvider {
	noop := func(int64) {}
	return &MetricsProvider{
		KafkaMetrics:    &KafkaMetrics{SuccessMsgCnt: noop, FailMsgCnt: noop},
		SQSMetrics:      &SQSMetrics{SuccessMsgCnt: noop, FailMsgCnt: noop, SentMsgCnt: noop},
		CrawlMetrics:    &CrawlMetrics{PagesCrawledCnt: noop, PagesFailedCnt: noop, JobsFinishedCnt: noop},
		AnalysisMetrics: &AnalysisMetrics{SuggestionsCnt: noop, FallbackCnt: noop, DiscardedCnt: noop, ContentsDoneCnt: noop},
		LifecycleMetrics: &LifecycleMetrics{AppliedCnt: noop, ConflictCnt: noop, RejectedCnt: noop, ApprovedCnt: noop,
			AutoAppliedCnt: noop},
		Close: func() {},
	}
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider

	if cfg.TelemetrySettings.Enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter = otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}
	counter := func(name, description, unit string) func(count int64) {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		if err != nil {
			slog.Error("failed to create telemetry counter.", slog.String("name", name),
				slog.String("err", err.Error()))
			os.Exit(1)
		}
		return func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				c.Add(ctx, count)
			}
		}
	}

	// Set up kafka metrics
	metricsProvider.KafkaMetrics = &KafkaMetrics{
		SuccessMsgCnt: counter("content-proof.kafka.send.success",
			"The number of messages that the kafka successfully processed", "{messages}"),
		FailMsgCnt: counter("content-proof.kafka.send.fail",
			"The number of messages that the kafka could not process", "{messages}"),
	}

	// Set up sqs metrics
	metricsProvider.SQSMetrics = &SQSMetrics{
		SuccessMsgCnt: counter("content-proof.sqs.receive.success",
			"The number of tasks that the sqs worker successfully processed", "{messages}"),
		FailMsgCnt: counter("content-proof.sqs.receive.fail",
			"The number of tasks that the sqs worker could not process. The messages send to DLQ.", "{messages}"),
		SentMsgCnt: counter("content-proof.sqs.send",
			"The number of analyze tasks that the crawler queued to sqs", "{messages}"),
	}

	// Set up crawler metrics
	metricsProvider.CrawlMetrics = &CrawlMetrics{
		PagesCrawledCnt: counter("content-proof.crawl.pages.success",
			"The number of pages fetched and stored", "{pages}"),
		PagesFailedCnt: counter("content-proof.crawl.pages.fail",
			"The number of pages that could not be fetched or extracted", "{pages}"),
		JobsFinishedCnt: counter("content-proof.crawl.jobs.finished",
			"The number of crawl jobs that reached a terminal state", "{jobs}"),
	}

	// Set up analysis metrics
	metricsProvider.AnalysisMetrics = &AnalysisMetrics{
		SuggestionsCnt: counter("content-proof.analysis.suggestions",
			"The number of suggestions stored by the analysis", "{suggestions}"),
		FallbackCnt: counter("content-proof.analysis.fallback",
			"The number of chunks analysed by the heuristics after a capability failure", "{chunks}"),
		DiscardedCnt: counter("content-proof.analysis.discarded",
			"The number of findings that could not be placed in the source text", "{findings}"),
		ContentsDoneCnt: counter("content-proof.analysis.contents",
			"The number of contents analysed", "{contents}"),
	}

	// Set up lifecycle metrics
	metricsProvider.LifecycleMetrics = &LifecycleMetrics{
		AppliedCnt: counter("content-proof.lifecycle.applied",
			"The number of suggestions applied to content", "{suggestions}"),
		ConflictCnt: counter("content-proof.lifecycle.conflict",
			"The number of applies refused because the text changed", "{suggestions}"),
		RejectedCnt: counter("content-proof.lifecycle.rejected",
			"The number of rejected suggestions", "{suggestions}"),
		ApprovedCnt: counter("content-proof.lifecycle.approved",
			"The number of approved suggestions", "{suggestions}"),
		AutoAppliedCnt: counter("content-proof.lifecycle.auto_applied",
			"The number of suggestions applied without review", "{suggestions}"),
	}

	return metricsProvider
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
			semconv.ServiceVersion(cfg.Version),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
