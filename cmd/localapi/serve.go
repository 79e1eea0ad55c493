package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	transport "github.com/xiaot623/localapi/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.APIHost = host
			}
			if port != 0 {
				cfg.APIPort = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("startup",
				zap.String("addr", cfg.Addr()),
				zap.String("db", cfg.DatabasePath),
				zap.String("llm_base", cfg.LLMBaseURL),
				zap.String("model", cfg.LLMModel),
				zap.String("mode", cfg.Mode))

			server := transport.NewServer(a.service, cfg, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			a.logger.Info("shutdown", zap.Error(err))
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	return cmd
}
