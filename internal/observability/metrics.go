package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	registerOnce sync.Once

	connections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "transposectl",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		},
	)
	activeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "transposectl",
			Subsystem: "server",
			Name:      "active_clients",
			Help:      "Connections currently being served.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transposectl",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Decoded command frames by command.",
		},
		[]string{"command"},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transposectl",
			Subsystem: "server",
			Name:      "uploads_total",
			Help:      "Matrix uploads by outcome.",
		},
		[]string{"outcome"},
	)
	transposeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transposectl",
			Subsystem: "transpose",
			Name:      "duration_seconds",
			Help:      "Timed transpose duration by worker count, rounded up to a power of two.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"threads"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transposectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests to the metrics endpoint.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transposectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

// maxThreadsLabel is the largest exact worker-count label; anything above
// shares the overflow label.
const maxThreadsLabel = 64

// Command labels outside this set are folded into "UNKNOWN".
var knownCommands = map[string]struct{}{
	"HELLO":           {},
	"UPLOAD_MATRIX":   {},
	"START_TRANSPOSE": {},
	"REQUEST_STATUS":  {},
	"REQUEST_RESULTS": {},
	"QUIT":            {},
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connections, activeClients, commands, uploads, transposeDuration, httpRequests, httpDuration)
	})
}

func RecordConnection(active int64) {
	RegisterMetrics()
	connections.Inc()
	activeClients.Set(float64(active))
}

func RecordDisconnect(active int64) {
	RegisterMetrics()
	activeClients.Set(float64(active))
}

func RecordCommand(cmd string) {
	RegisterMetrics()
	if _, ok := knownCommands[cmd]; !ok {
		cmd = "UNKNOWN"
	}
	commands.WithLabelValues(cmd).Inc()
}

// RecordUpload counts an upload as accepted, refused (session busy) or rejected (bad body).
func RecordUpload(outcome string) {
	RegisterMetrics()
	uploads.WithLabelValues(outcome).Inc()
}

func RecordTranspose(threads int, duration time.Duration) {
	RegisterMetrics()
	transposeDuration.WithLabelValues(threadsLabel(threads)).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// threadsLabel maps a client-chosen worker count onto 1, 2, 4 ... 64 or ">64".
func threadsLabel(threads int) string {
	if threads > maxThreadsLabel {
		return ">" + strconv.Itoa(maxThreadsLabel)
	}
	bucket := 1
	for bucket < threads {
		bucket <<= 1
	}
	return strconv.Itoa(bucket)
}

// Router builds the metrics HTTP surface. Scrapes are logged and counted
// under node.
func Router(node string, logger zerolog.Logger) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(node))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Router("transposectl", logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
