// Package server exposes a hasher service on a stream listener and over
// HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/rpc"
)

type Server struct {
	hasher   *hasher.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// Each listener drains its own connections.
	streamConns sync.WaitGroup
	webConns    sync.WaitGroup
}

func New(svc *hasher.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hasher: svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// the active connections to drain. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("rpc listener started", zap.Stringer("addr", ln.Addr()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", zap.Error(err))
			continue
		}
		s.streamConns.Add(1)
		s.serveStream(ctx, &s.streamConns, rpc.NewNetStream(conn))
	}

	s.streamConns.Wait()
	s.logger.Info("rpc listener stopped", zap.Stringer("addr", ln.Addr()))
	return nil
}

// serveStream runs one RPC connection and marks active done when it ends.
// The caller has already added it to active.
func (s *Server) serveStream(ctx context.Context, active *sync.WaitGroup, stream rpc.MessageStream) {
	conn := rpc.NewConn(stream, s.logger)
	conn.Export(rpc.BootstrapCapability, rpc.NewHasherCapability(s.hasher))

	go func() {
		defer active.Done()
		if err := conn.Serve(ctx); err != nil {
			s.logger.Warn("connection ended with error", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}()
}
