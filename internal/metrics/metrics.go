// Package metrics holds the daemon's Prometheus collectors and the HTTP
// listener that exposes them.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	// Sync passes
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sync_passes_total",
			Help: "Sync passes by outcome",
		},
		[]string{"outcome"}, // complete, partial, failed
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_sync_pass_duration_seconds",
			Help:    "Duration of a sync pass",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_items_total",
			Help: "Messages and media processed by sync passes",
		},
		[]string{"kind", "result"}, // kind: message|media, result: synced|failed
	)

	OptimizeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_optimize_fallbacks_total",
			Help: "Inline images uploaded unoptimized after a decode failure",
		},
	)

	TriggersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_triggers_dropped_total",
			Help: "Sync triggers dropped because the job queue was full",
		},
	)

	// Local-first writes
	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_queued_total",
			Help: "Messages written to the local outbox",
		},
	)

	// Connectivity
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_online",
			Help: "1 when the backend is reachable",
		},
	)

	// Background registrations
	BackgroundRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_background_registrations_total",
			Help: "Background sync registrations by result",
		},
		[]string{"result"}, // registered, unsupported, failed
	)

	grpcHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_grpc_handled_total",
			Help: "Control API calls by method and code",
		},
		[]string{"grpc_method", "grpc_code"},
	)
)

// UnaryServerInterceptor counts control API calls.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		grpcHandledTotal.WithLabelValues(methodName(info.FullMethod), status.Code(err).String()).Inc()
		return resp, err
	}
}

func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// NewRouter serves /metrics and /healthz. healthy may be nil.
func NewRouter(healthy func() error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil {
			if err := healthy(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
