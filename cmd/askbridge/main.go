package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"askbridge/internal/apierr"
	"askbridge/internal/config"
	"askbridge/internal/query"
	"askbridge/internal/render"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	noWorkspace bool
	profile     string
	mode        string
	model       string
	sources     string
	language    string
	format      string
	verbose     bool

	cfg     config.Config
	wsDir   string
	log     *logrus.Logger
	logFile *os.File
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCMD()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCMD() *cobra.Command {
	opts := &rootOptions{}
	var root = &cobra.Command{
		Use:           "askbridge",
		Short:         "Ask questions through a chat search product from scripts, terminals and agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logFile != nil {
				_ = opts.logFile.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default: workspace .askbridge/config.yaml or $"+config.EnvConfigPath+")")
	pf.BoolVar(&opts.noWorkspace, "no-workspace", false, "skip workspace discovery")
	pf.StringVarP(&opts.profile, "profile", "p", "", "credential profile to use first")
	pf.StringVarP(&opts.mode, "mode", "m", "", "search mode: auto, pro, reasoning, deep_research")
	pf.StringVar(&opts.model, "model", "", "model preference, must suit the mode")
	pf.StringVarP(&opts.sources, "source", "s", "", "comma separated sources: web, academic, social, finance")
	pf.StringVar(&opts.language, "language", "", "answer language, e.g. en-US")
	pf.StringVarP(&opts.format, "format", "f", "text", "output format: text, json, markdown")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(
		queryCMD(opts),
		conversationCMD(opts),
		batchCMD(opts),
		profilesCMD(opts),
		browserCMD(opts),
		serveCMD(opts),
		initCMD(opts),
	)
	return root
}

// setup loads config and configures logging before any command runs.
func (o *rootOptions) setup(cmd *cobra.Command) error {
	if cmd.Name() == "init" {
		o.cfg = config.DefaultConfig()
		o.log = newLogger(o.cfg.Server, o.verbose, os.Stderr)
		return nil
	}

	cfg, wsDir, err := config.LoadWithWorkspace(o.configPath, config.WorkspaceOptions{Disable: o.noWorkspace})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg
	o.wsDir = wsDir

	var out io.Writer = os.Stderr
	if cmd.Name() == "serve" && !isSSE(cmd, cfg) {
		// stderr is not ours on the stdio transport.
		out = io.Discard
		if cfg.Server.LogFile != "" {
			f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				o.logFile = f
				out = f
			}
		}
	}
	o.log = newLogger(cfg.Server, o.verbose, out)
	if wsDir != "" {
		o.log.WithField("workspace", wsDir).Debug("workspace config loaded")
	}
	return nil
}

func isSSE(cmd *cobra.Command, cfg config.Config) bool {
	if f := cmd.Flags().Lookup("sse-port"); f != nil && f.Changed {
		return f.Value.String() != "0"
	}
	return cfg.MCP.SSEPort > 0
}

func newLogger(sc config.ServerConfig, verbose bool, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(sc.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}

// queryOptions parses the option flags into validated query options.
func (o *rootOptions) queryOptions() (query.Options, error) {
	language := o.language
	if language == "" {
		language = o.cfg.Target.GetLanguage()
	}
	return query.Parse(o.mode, o.model, o.sources, language)
}

func (o *rootOptions) outputFormat() (render.Format, error) {
	return render.ParseFormat(o.format)
}

// exitCode maps error kinds to distinct process exit statuses.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch apierr.KindOf(err) {
	case apierr.KindInvalidParameter:
		return 2
	case apierr.KindNoSession, apierr.KindAuthentication:
		return 3
	case apierr.KindRateLimit:
		return 4
	case apierr.KindBotProtection, apierr.KindChallengeUnsolved:
		return 5
	case apierr.KindNetwork, apierr.KindUpstream:
		return 6
	}
	return 1
}
