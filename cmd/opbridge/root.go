package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/opbridge/config"
	"github.com/wippyai/opbridge/engine"
)

// app carries what the subcommands share.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
	cfgFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "opbridge",
		Short: "Run guests on the op bridge",
		Long: `opbridge runs JavaScript and WebAssembly guests whose host calls go
through a registry of ops, with permission checks, an optional external
permission broker and Prometheus metrics.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.Bool("log-dev", false, "human readable development logging")
	pf.Int("blocking-threads", 0, "size of the blocking pool, 0 picks one from GOMAXPROCS")
	pf.String("permission-broker-path", "", "unix socket of the permission broker")
	for _, name := range []string{"log-level", "log-dev", "blocking-threads", "permission-broker-path"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(newRunCmd(a), newOpsCmd(a), newBrokerCmd(a))
	return root
}

// init loads the configuration: OPBRIDGE_* variables first, then the config
// file, then flags that were set explicitly. The environment is read by
// config.Load only; viper holds just the file and the flags.
func (a *app) init() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.override(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	engine.SetLogger(logger)
	a.cfg = cfg
	a.logger = logger
	if f := a.v.ConfigFileUsed(); f != "" {
		logger.Debug("using config file", zap.String("file", f))
	}
	return nil
}

func (a *app) override(cfg *config.Config) {
	if a.v.IsSet("log-level") {
		cfg.LogLevel = a.v.GetString("log-level")
	}
	if a.v.IsSet("log-dev") {
		cfg.LogDev = a.v.GetBool("log-dev")
	}
	if a.v.IsSet("blocking-threads") {
		cfg.BlockingThreads = a.v.GetInt("blocking-threads")
	}
	if a.v.IsSet("permission-broker-path") {
		cfg.BrokerPath = a.v.GetString("permission-broker-path")
	}
	if a.v.IsSet("prompt") {
		cfg.Prompt = a.v.GetString("prompt")
	}
	if a.v.IsSet("metrics-addr") {
		cfg.MetricsAddr = a.v.GetString("metrics-addr")
	}
	if a.v.IsSet("wasm-memory-pages") {
		cfg.WASMMemoryPages = a.v.GetUint32("wasm-memory-pages")
	}
}
