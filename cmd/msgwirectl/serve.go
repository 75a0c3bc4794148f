package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/msgwire/internal/chat"
	"github.com/danmuck/msgwire/internal/logging"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and echo chat messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			svc, err := chat.NewService(cfg, logging.Component("serve"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
}
