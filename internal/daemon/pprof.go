package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	_ "net/http/pprof"
)

// servePprof serves the DefaultServeMux (pprof handlers registered via blank
// import) on addr until ctx is done.
func servePprof(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("pprof listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("pprof server stopped", "addr", addr, "err", err)
	}
	return nil
}
