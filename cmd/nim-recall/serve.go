package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/grpcapi"
	"github.com/becomeliminal/nim-recall/server"
)

func newServeCommand() *cobra.Command {
	var (
		noGRPC         bool
		allowAnyOrigin bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, WebSocket and gRPC APIs",
		Example: "  nim-recall serve\n" +
			"  NIM_HTTP_ADDR=:3000 nim-recall serve --no-grpc",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return withApp(ctx, true, func(cfg *config.Config, a *app) error {
				return serve(ctx, cfg, a, !noGRPC, allowAnyOrigin)
			})
		},
	}

	cmd.Flags().BoolVar(&noGRPC, "no-grpc", false, "Disable the gRPC listener")
	cmd.Flags().BoolVar(&allowAnyOrigin, "allow-any-origin", false, "Accept cross-origin WebSocket connections")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, a *app, withGRPC, allowAnyOrigin bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := server.New(a.assistant, server.Config{
		Addr:           cfg.Server.HTTPAddr,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AllowAnyOrigin: allowAnyOrigin,
	}, a.metrics)

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- httpSrv.ListenAndServe(ctx) }()

	if withGRPC {
		ln, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			cancel()
			return errors.Join(err, <-errCh)
		}
		running++
		go func() { errCh <- grpcapi.Serve(ctx, grpcapi.NewServer(a.assistant), ln) }()
	}

	log.Printf("[MAIN] Assistant ready (model %s, memory backend %s)", cfg.Anthropic.Model, cfg.Memory.Backend)

	// The first listener to stop takes the other down with it.
	var errs []error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}
