package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Mounter adds routes to the admin mux, e.g. the health endpoints.
type Mounter interface {
	Mount(mux *http.ServeMux)
}

// StartServer runs the admin listener on port: /metrics plus whatever the
// mounters add. It serves in the background and returns its shutdown.
func StartServer(port int, mounters ...Mounter) (shutdown func(context.Context) error) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	for _, m := range mounters {
		m.Mount(mux)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	go func() {
		slog.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server stopped", "error", err)
		}
	}()
	return srv.Shutdown
}
