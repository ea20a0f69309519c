package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/registry"
)

// app carries what every subcommand shares: flags, the loaded configuration
// and the logger built from it.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	noColor    bool

	loader    *config.Loader
	overrides map[string]interface{}
	cfg       *config.Config
	log       logger.Logger

	closers []func()
	outMu   sync.Mutex
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "eventmesh",
		Short:         "eventmesh publishes, listens and coordinates sagas over pluggable transports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.noColor {
				color.NoColor = true
			}
			if cmd.Name() == "version" {
				return nil
			}
			return a.load(cmd.Name() == "serve")
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML or JSON configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newPublishCmd(a),
		newListenCmd(a),
		newListenAllCmd(a),
		newSagaStatusCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

// load reads the configuration and installs the global logger. Commands
// other than serve log to stderr so their stdout stays machine readable.
func (a *app) load(server bool) error {
	a.overrides = make(map[string]interface{})
	if a.logLevel != "" {
		a.overrides["log.level"] = a.logLevel
	}

	a.loader = config.NewLoader()
	cfg, err := a.loader.Load(a.configPath, a.overrides)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	if !server && (logCfg.Output == "" || logCfg.Output == "stdout") {
		logCfg.Output = "stderr"
	}
	a.log = logger.New(logCfg)
	logger.SetGlobal(a.log)
	return nil
}

// registry builds a driver registry from the loaded configuration and
// disconnects its drivers when the command returns.
func (a *app) registry(opts ...registry.Option) *registry.Registry {
	opts = append([]registry.Option{
		registry.WithLogger(a.log),
		registry.WithSource(a.cfg.CloudEventsSource()),
	}, opts...)
	reg := registry.New(a.cfg.Transport, opts...)
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.HTTP.ShutdownTimeout)
		defer cancel()
		if err := reg.Close(ctx); err != nil {
			a.log.Warn("failed to close transport drivers", "error", err)
		}
	})
	return reg
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// parsePairs turns repeated key=value flags into a map. Entries without "="
// are skipped.
func parsePairs(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
