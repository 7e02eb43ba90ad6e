package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cbodonnell/roomlink/pkg/log"
)

// Server is the room server: a websocket endpoint for the realtime
// protocol plus a health check.
type Server struct {
	server  *http.Server
	handler *WSHandler
	tls     *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewServerOptions struct {
	Port        int
	TLS         *TLSConfig
	GracePeriod time.Duration
	MaxPlayers  int
}

// NewServer creates a new room server.
func NewServer(opts NewServerOptions) *Server {
	handler := NewWSHandler(NewWSHandlerOptions{
		GracePeriod: opts.GracePeriod,
		MaxPlayers:  opts.MaxPlayers,
	})

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.Handle("/ws", handler)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", opts.Port),
			Handler: router,
		},
		handler: handler,
		tls:     opts.TLS,
	}
}

// Handler exposes the websocket handler, mainly for tests.
func (s *Server) Handler() *WSHandler {
	return s.handler
}

// Start starts the server and blocks until it is shut down.
func (s *Server) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("Room server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("Room server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("Room server closed")
			return
		}
		log.Error("Room server error: %v", err)
	}
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
