package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// Router returns the HTTP handler serving the API and the sockets.
func (a *App) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(a.logRequests)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(a.authMiddleware)

	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/documents/", a.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/", a.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/", a.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/", a.handleUpdateDocument).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/documents/{id}/", a.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/peers/", a.handleListPeers).Methods(http.MethodGet)

	router.HandleFunc("/ws/documents/{id}/", a.handleSocket).Methods(http.MethodGet)

	return router
}

func (a *App) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		a.logger.Info("handled", "method", request.Method, "path", request.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// Run serves on config.Addr until ctx is done.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("relay listening", "addr", listener.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
