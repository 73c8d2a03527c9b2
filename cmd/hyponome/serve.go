package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edu/hyponome/internal/config"
	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hashing service",
	Long: `Serve the hasher capability on the RPC listener and, if http_addr is
set, on an HTTP listener offering websocket RPC and a small JSON API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (empty disables HTTP)")
	serveCmd.Flags().String("max-payload", "", "Largest accepted payload, e.g. 16MiB")
	serveCmd.Flags().Int("workers", 0, "Number of hashing workers (default: CPU cores)")
	_ = viper.BindPFlag(config.KeyHTTPAddr, serveCmd.Flags().Lookup("http-addr"))
	_ = viper.BindPFlag(config.KeyMaxPayload, serveCmd.Flags().Lookup("max-payload"))
	_ = viper.BindPFlag(config.KeyWorkers, serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := hasher.New(cfg.Hasher(), logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcLn, err := listen(cfg.Network, cfg.Listen)
	if err != nil {
		return err
	}

	logger.Info("hasher ready",
		zap.String("algorithm", svc.Algorithm()),
		zap.String("max_payload", humanize.IBytes(uint64(cfg.MaxPayload))),
		zap.String("chunk_size", humanize.IBytes(uint64(cfg.ChunkSize))),
		zap.Int("workers", cfg.Workers),
	)

	srv := server.New(svc, logger)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, rpcLn) })

	if cfg.HTTPAddr != "" {
		httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			rpcLn.Close()
			return fmt.Errorf("listening on %s: %w", cfg.HTTPAddr, err)
		}
		g.Go(func() error { return srv.ServeWeb(ctx, httpLn) })
	}

	err = g.Wait()
	if cfg.Network == "unix" {
		_ = os.Remove(cfg.Listen)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket %s: %w", addr, err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", network, addr, err)
	}
	return ln, nil
}
