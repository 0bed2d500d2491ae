package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/opbridge/engine"
	"github.com/wippyai/opbridge/ext/core"
	"github.com/wippyai/opbridge/ext/fs"
	"github.com/wippyai/opbridge/ext/timers"
	"github.com/wippyai/opbridge/metrics"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/permissions"
	"github.com/wippyai/opbridge/permissions/prompt"
	"github.com/wippyai/opbridge/runtime"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	allow    map[permissions.Name]*[]string
	deny     map[permissions.Name]*[]string
	export   string
	allowAll bool
	summary  bool
}

func newRunOptions() *runOptions {
	return &runOptions{
		allow: make(map[permissions.Name]*[]string),
		deny:  make(map[permissions.Name]*[]string),
	}
}

// addFlags registers --allow-<name> and --deny-<name> for every permission
// domain. Without a value they cover the whole domain.
func (o *runOptions) addFlags(f *pflag.FlagSet) {
	for _, n := range permissions.Names {
		o.allow[n] = f.StringSlice("allow-"+string(n), nil, fmt.Sprintf("grant %s access, optionally limited to the given scopes (--allow-%s=a,b)", n, n))
		f.Lookup("allow-" + string(n)).NoOptDefVal = permissions.All
		o.deny[n] = f.StringSlice("deny-"+string(n), nil, fmt.Sprintf("deny %s access, optionally limited to the given scopes", n))
		f.Lookup("deny-" + string(n)).NoOptDefVal = permissions.All
	}
	f.BoolVarP(&o.allowAll, "allow-all", "A", false, "grant every permission")
	f.StringVar(&o.export, "export", "run", "guest export to call for .wasm files")
	f.BoolVar(&o.summary, "metrics-summary", false, "print per-op statistics to stderr when done")
}

func newRunCmd(a *app) *cobra.Command {
	o := newRunOptions()

	cmd := &cobra.Command{
		Use:   "run <file.js|file.wasm>",
		Short: "Run a guest script or module",
		Example: `  opbridge run main.js --allow-read=/srv/data --allow-env
  opbridge run guest.wasm --export run -A`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], o)
		},
	}

	f := cmd.Flags()
	o.addFlags(f)
	f.String("prompt", "auto", "permission prompt: auto, tty, line or none")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.Uint32("wasm-memory-pages", 0, "guest memory limit in 64KB pages")
	for _, name := range []string{"prompt", "metrics-addr", "wasm-memory-pages"} {
		_ = a.v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func (o *runOptions) permissions() (permissions.Options, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return permissions.Options{}, err
	}
	opts := permissions.Options{
		Allow:    make(map[permissions.Name][]string),
		Deny:     make(map[permissions.Name][]string),
		Cwd:      cwd,
		AllowAll: o.allowAll,
	}
	for n, v := range o.allow {
		if len(*v) > 0 {
			opts.Allow[n] = *v
		}
	}
	for n, v := range o.deny {
		if len(*v) > 0 {
			opts.Deny[n] = *v
		}
	}
	return opts, nil
}

func newPrompter(mode string, in io.Reader, out io.Writer) permissions.Prompter {
	switch mode {
	case "tty":
		return prompt.NewTerminal(in, out)
	case "line":
		return prompt.NewLine(in, out)
	case "none":
		return nil
	default:
		return prompt.Auto(os.Stdin, os.Stderr)
	}
}

// newRegistry builds the registry of every bundled extension. obs may be nil.
func newRegistry(logger *zap.Logger, obs ops.Observer, stdio core.Stdio) (*ops.Registry, error) {
	mw := []ops.Middleware{ops.LoggingMiddleware(logger)}
	if obs != nil {
		mw = append(mw, ops.Observe(obs))
	}
	return ops.NewRegistry(
		ops.WithMiddleware(mw...),
		ops.WithExtension(core.Extension(stdio)),
		ops.WithExtension(fs.Extension()),
		ops.WithExtension(timers.Extension()),
	)
}

func (a *app) run(cmd *cobra.Command, path string, o *runOptions) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	perms, err := o.permissions()
	if err != nil {
		return err
	}

	pc := runtime.NewProcessContext(a.cfg,
		runtime.WithProcessLogger(a.logger),
		runtime.WithPrompter(newPrompter(a.cfg.Prompt, cmd.InOrStdin(), cmd.ErrOrStderr())))
	defer func() {
		if err := pc.Close(); err != nil {
			a.logger.Warn("failed to close process context", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg, "opbridge")
	reg, err := newRegistry(a.logger, m, core.Stdio{
		In:  cmd.InOrStdin(),
		Out: cmd.OutOrStdout(),
		Err: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, a.cfg.MetricsAddr, promReg, a.logger)
	}
	g.Go(func() error {
		defer cancel()
		return a.execute(gctx, pc, reg, perms, path, src, o.export)
	})
	err = g.Wait()

	if o.summary {
		printSummary(cmd.ErrOrStderr(), m.Summary())
	}
	return err
}

func (a *app) execute(ctx context.Context, pc *runtime.ProcessContext, reg *ops.Registry,
	perms permissions.Options, path string, src []byte, export string) error {
	rt, err := runtime.New(pc, reg, runtime.WithPermissions(perms))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			a.logger.Warn("engine context shutdown failed", zap.Error(err))
		}
	}()

	a.logger.Info("running guest",
		zap.String("path", path),
		zap.String("context_id", string(rt.ID())),
		zap.Int("ops", reg.Len()))

	if filepath.Ext(path) == ".wasm" {
		w, err := engine.NewWASM(ctx, rt, &engine.WASMConfig{MemoryLimitPages: a.cfg.WASMMemoryPages})
		if err != nil {
			return err
		}
		defer w.Close(context.Background())
		if err := w.Load(ctx, src); err != nil {
			return err
		}
		return w.Run(ctx, export)
	}

	js, err := engine.NewJS(ctx, rt)
	if err != nil {
		return err
	}
	return js.RunScript(ctx, path, string(src))
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
