package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	Polls      *prometheus.CounterVec // result label: ok|error
	Rows       *prometheus.CounterVec // feed label
	FeedErrors *prometheus.CounterVec // feed, kind labels: fetch|decode|other

	MatchTiers          *prometheus.CounterVec // tier label
	TrajectoriesWritten prometheus.Counter
	TrajectoriesSkipped *prometheus.CounterVec // reason label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PollDuration    prometheus.Histogram
	MatchDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
}

// NewCollector builds a collector on its own registry. The poll interval
// gauge is exported only when pollInterval is positive.
func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_ingest_polls_total",
			Help: "Feed poll cycles by result.",
		}, []string{"result"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_ingest_rows_total",
			Help: "Sample rows persisted per feed.",
		}, []string{"feed"}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_ingest_feed_errors_total",
			Help: "Feeds skipped for a poll, by failure kind.",
		}, []string{"feed", "kind"}),
		MatchTiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_mapmatch_total",
			Help: "Trip instances matched, by tier.",
		}, []string{"tier"}),
		TrajectoriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_trajectories_written_total",
			Help: "Trajectories upserted.",
		}),
		TrajectoriesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_trajectories_skipped_total",
			Help: "Trip instances skipped, by reason.",
		}, []string{"reason"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_ingest_poll_duration_seconds",
			Help:    "Duration of one fetch-and-persist cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_mapmatch_request_duration_seconds",
			Help:    "Duration of external map-match requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_ingest_poll_interval_seconds",
			Help: "Configured poll interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.Rows, c.FeedErrors,
		c.MatchTiers, c.TrajectoriesWritten, c.TrajectoriesSkipped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PollDuration, c.MatchDuration, c.PublishDuration,
	)

	// Only the poller has an interval to report.
	if pollInterval > 0 {
		reg.MustRegister(c.PollInterval)
		c.PollInterval.Set(pollInterval.Seconds())
	}
	return c
}

// Poller hooks.

func (c *Collector) PollObserve(result string, d time.Duration) {
	c.Polls.WithLabelValues(result).Inc()
	c.PollDuration.Observe(d.Seconds())
}

func (c *Collector) RowsAdd(feed string, n int) { c.Rows.WithLabelValues(feed).Add(float64(n)) }

func (c *Collector) FeedErrorInc(feed, kind string) { c.FeedErrors.WithLabelValues(feed, kind).Inc() }

// Builder hooks.

func (c *Collector) MatchTierInc(tier string) { c.MatchTiers.WithLabelValues(tier).Inc() }

func (c *Collector) TrajectoriesWrittenAdd(n int) { c.TrajectoriesWritten.Add(float64(n)) }

func (c *Collector) TrajectorySkippedInc(reason string) {
	c.TrajectoriesSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) MatchRequestObserve(d time.Duration) { c.MatchDuration.Observe(d.Seconds()) }

// Publisher hooks.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", zap.String("addr", addr))
}
