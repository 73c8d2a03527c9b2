package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/hashes"
	"edu/hyponome/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

type healthResponse struct {
	Status    string `json:"status"`
	Algorithm string `json:"algorithm"`
	InFlight  int64  `json:"in_flight"`
}

type algorithmInfo struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type hashResponse struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// HTTP builds the HTTP front end. Websocket RPC connections opened through
// it live until ctx is cancelled or the peer goes away.
func (s *Server) HTTP(ctx context.Context) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("http request", fields...)
			return nil
		},
	}))

	e.GET("/ws", func(c echo.Context) error { return s.handleWebsocket(ctx, c) })

	api := e.Group("/api/v1")
	api.Use(middleware.BodyLimit(fmt.Sprintf("%dB", s.hasher.MaxPayload())))
	api.GET("/health", s.handleHealth)
	api.GET("/algorithms", s.handleAlgorithms)
	api.POST("/hash", s.handleHash)

	return e
}

// ServeWeb runs the HTTP front end on ln until ctx is cancelled.
func (s *Server) ServeWeb(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.HTTP(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(shutdownDone)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	})
	defer stop()

	s.logger.Info("http listener started", zap.Stringer("addr", ln.Addr()))
	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	// Once Shutdown returns no handler can register another connection.
	<-shutdownDone
	s.webConns.Wait()
	s.logger.Info("http listener stopped", zap.Stringer("addr", ln.Addr()))
	return nil
}

func (s *Server) handleWebsocket(ctx context.Context, c echo.Context) error {
	// Registered before the upgrade, while Shutdown still tracks the request.
	s.webConns.Add(1)
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.webConns.Done()
		// The upgrader has already written an error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}

	s.serveStream(ctx, &s.webConns, rpc.NewWebsocketStream(ws))
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Algorithm: s.hasher.Algorithm(),
		InFlight:  s.hasher.Stats().InFlight,
	})
}

func (s *Server) handleAlgorithms(c echo.Context) error {
	names := hashes.List()
	out := make([]algorithmInfo, 0, len(names))
	for _, name := range names {
		alg, err := hashes.Get(name)
		if err != nil {
			continue
		}
		out = append(out, algorithmInfo{Name: alg.Name(), Size: alg.Size()})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHash(c echo.Context) error {
	// BodyLimit rejects declared oversize bodies; one byte past the limit
	// is enough for the service to reject the rest.
	body := io.LimitReader(c.Request().Body, int64(s.hasher.MaxPayload())+1)
	data, err := io.ReadAll(body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "reading body").SetInternal(err)
	}

	ctx := c.Request().Context()
	res, err := s.hasher.Hash(ctx, data).Await(ctx)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", hasher.ErrCancelled, err)
	}
	if err != nil {
		switch hasher.CodeOf(err) {
		case hasher.CodeInvalidArgument:
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case hasher.CodeCancelled:
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, hashResponse{
		Algorithm: res.Digest.Algorithm,
		Digest:    res.Digest.Hex(),
	})
}
