package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/danmuck/msgwire/internal/config"
	"github.com/danmuck/msgwire/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Flags shared by every subcommand. Explicit flags win over the config file.
type rootOptions struct {
	configPath  string
	envFile     string
	network     string
	address     string
	path        string
	origins     []string
	metricsAddr string
	name        string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "msgwirectl",
		Short: "Exchange typed messages over TCP or WebSocket",
		Long: `msgwirectl runs the chat demo of the msgwire protocol.

  serve   accept connections and echo chat messages back
  send    connect, send messages and print the replies`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			logging.ConfigureRuntime()
			gin.SetMode(gin.ReleaseMode)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before logging is configured")
	flags.StringVar(&opts.network, "network", "", "tcp or websocket")
	flags.StringVarP(&opts.address, "addr", "a", "", "host:port to listen on or dial")
	flags.StringVar(&opts.path, "path", "", "websocket endpoint path")
	flags.StringSliceVar(&opts.origins, "origin", nil, "extra browser origin patterns allowed on the websocket endpoint")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	flags.StringVar(&opts.name, "name", "", "messenger name used in logs, metrics and replies")

	cmd.AddCommand(newServeCmd(opts), newSendCmd(opts))
	return cmd
}

// A missing env file is fine; a malformed one is not.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(o.configPath) != "" {
		loaded, err := config.LoadFile(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("network") {
		cfg.Network = config.Network(strings.ToLower(strings.TrimSpace(o.network)))
	}
	if flags.Changed("addr") {
		cfg.Address = strings.TrimSpace(o.address)
	}
	if flags.Changed("path") {
		cfg.Path = strings.TrimSpace(o.path)
	}
	if flags.Changed("origin") {
		cfg.OriginPatterns = trimAll(o.origins)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = strings.TrimSpace(o.metricsAddr)
	}
	if flags.Changed("name") {
		cfg.Session.Name = strings.TrimSpace(o.name)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
