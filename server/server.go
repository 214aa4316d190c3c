// Package server provides an HTTP server with support for graceful
// shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long in-flight requests may linger once
// the context is cancelled.
const shutdownTimeout = 10 * time.Second

// A Server defines parameters for running an HTTP server.
type Server struct {
	Addr    string // TCP address to listen on
	Handler http.Handler
}

// Start initializes a server to respond to HTTP network requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Handler,
	}

	var g errgroup.Group
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx) // nolint: errcheck
		return nil
	})
	return g.Wait()
}
