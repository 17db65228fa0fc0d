package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRootCmd builds the coap-get command. Environment values become the
// flag defaults so that flags always win.
func newRootCmd() (*cobra.Command, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var observe bool

	cmd := &cobra.Command{
		Use:   "coap-get [flags] URI",
		Short: "Fetch or observe a CoAP resource",
		Long: `coap-get sends a Confirmable GET to a coap:// URI and prints the response.
With --observe it registers as an observer and prints every notification.

Every flag can also be set through a COAP_* environment variable
(for example COAP_ACK_TIMEOUT=1s) or a .env file in the working directory.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, args[0], observe, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&observe, "observe", false, "observe the resource instead of a single GET")
	flags.IntVar(&cfg.Count, "count", cfg.Count, "stop observing after this many notifications (0 = until interrupted)")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "local UDP address to send from")
	flags.StringVar(&cfg.Settings, "settings", cfg.Settings, "settings file (.json, .toml, .yaml) with bind/interface/port keys")
	flags.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "initial retransmission timeout")
	flags.IntVar(&cfg.MaxTransmissions, "max-transmissions", cfg.MaxTransmissions, "total sends of a Confirmable request before timing out")
	flags.StringVar(&cfg.Backoff, "backoff", cfg.Backoff, "retransmission backoff: fixed or exponential")
	flags.DurationVar(&cfg.LookupTimeout, "lookup-timeout", cfg.LookupTimeout, "host name resolution timeout")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: trace, debug, info, warn, error")
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, "output format: json or yaml")

	return cmd, nil
}
