package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/msgwire/internal/chat"
	"github.com/danmuck/msgwire/internal/logging"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	from    string
	pings   int
	timeout time.Duration
}

func newSendCmd(root *rootOptions) *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send chat messages and print the replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			outgoing := buildOutgoing(opts, args, time.Now())
			if len(outgoing) == 0 {
				return fmt.Errorf("nothing to send: pass text arguments or --ping")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()

			stream, err := chat.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			_, err = chat.Exchange(ctx, stream, cfg.Session, logging.Component("send"), outgoing, len(outgoing),
				func(msg chat.Message) {
					fmt.Fprintln(out, chat.Describe(msg, time.Now()))
				})
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.from, "from", defaultSender(), "sender name on text messages")
	flags.IntVar(&opts.pings, "ping", 0, "number of pings to send after the texts")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "how long to wait for all replies")
	return cmd
}

// Texts first, then pings numbered from 1.
func buildOutgoing(opts *sendOptions, texts []string, now time.Time) []chat.Message {
	out := make([]chat.Message, 0, len(texts)+opts.pings)
	for _, body := range texts {
		out = append(out, chat.Text{From: opts.from, Body: body, Sent: now})
	}
	for i := 1; i <= opts.pings; i++ {
		out = append(out, chat.Ping{Seq: uint64(i), Sent: now})
	}
	return out
}

func defaultSender() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}
