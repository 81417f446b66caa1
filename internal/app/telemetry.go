package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// telemetryShutdownTimeout bounds the graceful stop of the telemetry server.
const telemetryShutdownTimeout = 5 * time.Second

func defaultMetricsHandler() http.Handler { return promhttp.Handler() }

// serveAlongside listens on addr and serves h while run executes. The server
// stops when run returns; a server failure cancels the context passed to run.
func serveAlongside(ctx context.Context, addr string, h http.Handler, run func(context.Context) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: telemetry listen %q: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("telemetry server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})
	g.Go(func() error {
		defer close(runDone)
		return run(gctx)
	})
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		select {
		case <-runDone:
		case <-gctx.Done():
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: telemetry serve: %w", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: telemetry shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
