package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
)

var metricsListen = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// MetricsHandler serves the metrics of registerer. It falls back to the
// default gatherer when registerer cannot be gathered from.
func MetricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// startMetricsServer exposes /metrics on MetricsPort when metrics are enabled.
// A listener failure is logged; accounting keeps working without it.
func (c *Client) startMetricsServer() {
	if !c.conf.MetricsEnabled || c.conf.MetricsPort == 0 {
		return
	}

	addr := fmt.Sprintf(":%d", c.conf.MetricsPort)
	ln, err := metricsListen(addr)
	if err != nil {
		c.logger.Error("Failed to start metrics server", err, loggingpkg.LogFields{"address": addr})
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(c.registerer))
	c.metricsHTTP = &http.Server{Handler: mux}

	c.logger.Info("Starting metrics server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server stopped", err, loggingpkg.LogFields{"address": addr})
		}
	}(c.metricsHTTP)
}

func (c *Client) stopMetricsServer() error {
	if c.metricsHTTP == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.CloseTimeout)
	defer cancel()
	if err := c.metricsHTTP.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop metrics server: %w", err)
	}
	return nil
}
