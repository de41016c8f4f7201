package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// waitForShutdown blocks until a signal arrives or a server fails, then
// shuts everything down within the configured timeout.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-app.serveErr:
		logger.Error("server failed, shutting down", observability.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	app.shutdown(ctx)
}

// shutdown stops intake first, then background work, then releases the
// store and flushes traces.
func (a *application) shutdown(ctx context.Context) {
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}

	if a.routerServer != nil {
		if err := a.routerServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop router server gracefully", observability.Error(err))
		}
	}
	if a.adminServer != nil {
		if err := a.adminServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
	}
	a.wg.Wait()

	a.scheduler.Stop()
	a.cache.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", observability.Error(err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("router stopped")
}
