package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/opbridge/broker"
)

func newBrokerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Permission broker commands",
	}

	var (
		socket string
		allow  []string
		deny   []string
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve static permission rules on a unix socket",
		Long: `serve answers permission requests from opbridge processes started with
` + broker.EnvPath + ` pointing at the socket. Rules are
"permission" or "permission:pattern"; deny rules win and requests matching
no allow rule are denied.`,
		Example: `  opbridge broker serve --socket /tmp/broker.sock --allow 'read:/srv/**' --deny 'run'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := parseRules(allow, deny)
			if err != nil {
				return err
			}

			if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
				return err
			}
			l, err := net.Listen("unix", socket)
			if err != nil {
				return err
			}
			defer os.Remove(socket)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.Info("permission broker listening",
				zap.String("socket", socket),
				zap.Int("allow_rules", len(rules.Allow)),
				zap.Int("deny_rules", len(rules.Deny)))
			return broker.NewServer(rules, broker.WithServerLogger(a.logger)).Serve(ctx, l)
		},
	}
	serve.Flags().StringVar(&socket, "socket", "opbridge-broker.sock", "unix socket path")
	serve.Flags().StringArrayVar(&allow, "allow", nil, "allow rule, repeatable")
	serve.Flags().StringArrayVar(&deny, "deny", nil, "deny rule, repeatable")

	cmd.AddCommand(serve)
	return cmd
}

func parseRules(allow, deny []string) (broker.Rules, error) {
	var rules broker.Rules
	for _, s := range allow {
		r, err := broker.ParseRule(s)
		if err != nil {
			return broker.Rules{}, err
		}
		rules.Allow = append(rules.Allow, r)
	}
	for _, s := range deny {
		r, err := broker.ParseRule(s)
		if err != nil {
			return broker.Rules{}, err
		}
		rules.Deny = append(rules.Deny, r)
	}
	return rules, nil
}
