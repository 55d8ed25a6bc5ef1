package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"askbridge/internal/config"
	mcpserver "askbridge/internal/mcp"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCMD(opts *rootOptions) *cobra.Command {
	var ssePort int
	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server for agents (stdio, or SSE with --sse-port)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("sse-port") {
				cfg.MCP.SSEPort = ssePort
			}
			log := opts.log

			ctx := cmd.Context()
			// Nobody is at the keyboard of an MCP server.
			a, err := newApp(ctx, cfg, log, appOptions{Interactive: func() bool { return false }})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			deps := mcpserver.Deps{
				Service:  a.service,
				Store:    a.store,
				Pipeline: a.pipeline,
				Sessions: a.sessions,
				Ledger:   a.ledger,
				Metrics:  a.metrics,
				Log:      log,
			}
			if a.pool != nil {
				deps.Pool = a.pool
			}
			server, err := mcpserver.NewServer(cfg, deps)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if a.metrics != nil && cfg.Metrics.Addr != "" && cfg.MCP.SSEPort == 0 {
				g.Go(func() error {
					log.WithField("addr", cfg.Metrics.Addr).Info("serving metrics")
					return a.metrics.Serve(gctx, cfg.Metrics.Addr)
				})
			}
			g.Go(func() error {
				if cfg.MCP.SSEPort > 0 {
					log.WithField("port", cfg.MCP.SSEPort).Info("starting MCP SSE server")
					return server.StartSSE(gctx, cfg.MCP.SSEPort)
				}
				log.Info("starting MCP stdio server")
				return server.Start(gctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve MCP over SSE on this port instead of stdio")
	return cmd
}

func initCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .askbridge workspace with a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(root, config.WorkspaceDirName))
			return nil
		},
	}
}
