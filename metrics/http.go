package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HandlerTimeout bounds one scrape.
const HandlerTimeout = 10 * time.Second

// Serve exposes reg on addr under /metrics until ctx ends.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(reg,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Timeout: HandlerTimeout})))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: HandlerTimeout}
	stop := context.AfterFunc(ctx, func() { server.Close() })
	defer stop()

	logger.Info("Exporting prometheus metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Annotate(err, "serving prometheus metrics")
	}
	return nil
}
