package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/agent-guardian/pkg/api"
	"github.com/psantana5/agent-guardian/pkg/auth"
	"github.com/psantana5/agent-guardian/pkg/config"
	"github.com/psantana5/agent-guardian/pkg/guardian"
	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/presence"
	"github.com/psantana5/agent-guardian/pkg/ratelimit"
	"github.com/psantana5/agent-guardian/pkg/retry"
	"github.com/psantana5/agent-guardian/pkg/shutdown"
	"github.com/psantana5/agent-guardian/pkg/store"
	guardiantls "github.com/psantana5/agent-guardian/pkg/tls"
	"github.com/psantana5/agent-guardian/pkg/tools"
	"github.com/psantana5/agent-guardian/pkg/tracing"
)

var (
	serveInteractive    bool
	serveShutdownWindow time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guardian supervisor",
	Long: `Starts the host runtime with the guardian attached, the workload lifecycle
controller and the HTTP control API.

Workload definitions are read from definitions_dir and reloaded from disk on
restart. Failures of any supervised workload are routed to the guardian, which
resolves each one exactly once.

Example:
  guardian serve
  guardian serve --config ./guardian.yaml --interactive`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveInteractive, "interactive", false, "answer operator prompts on this terminal")
	serveCmd.Flags().DurationVar(&serveShutdownWindow, "shutdown-timeout", 30*time.Second, "time allowed for graceful shutdown")
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	jsonFormat := cfg.Format == "json"
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "guardian", "serve", level, jsonFormat)
	}
	return logging.NewLogger(level, jsonFormat).WithField("component", "guardian"), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	sm := shutdown.New(serveShutdownWindow, logger)

	tp, err := tracing.InitTracer(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sm.Register("tracing", tp.Shutdown)

	dataStore, err := store.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(dataStore))
	logger.Info("Store opened", map[string]interface{}{"type": cfg.Store.Type})

	m := metrics.New()

	src, err := lifecycle.NewDirSource(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("failed to open definitions dir: %w", err)
	}
	runtime := host.NewProcessRuntime(logger)
	sm.Register("runtime", runtime.Close)

	ctrl := lifecycle.NewController(lifecycle.Options{
		Store:   dataStore,
		Source:  src,
		Runtime: runtime,
		Logger:  logger,
		Metrics: m,
	})
	m.MustRegister(metrics.NewWorkloadCollector(ctrl.StatusCounts))

	h := host.NewHost(host.Options{
		GraphID: cfg.Guardian.GraphID,
		Logger:  logger,
		Metrics: m,
	})

	ws, err := tools.NewWorkspace(cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	var runner *tools.CommandRunner
	if cfg.Command.Enabled {
		runner = &tools.CommandRunner{Workspace: ws, Allow: cfg.Command.Allow, Timeout: cfg.Command.Timeout}
	}
	tools.Register(h.Registry(), ws, runner)

	tracker := presence.NewTracker()
	desk := operator.NewDesk()

	restartRetry := retry.DefaultConfig()
	restartRetry.MaxRetries = cfg.Guardian.RestartRetries

	engine := guardian.NewEngine(guardian.Options{
		OwnGraphID:    cfg.Guardian.GraphID,
		Store:         dataStore,
		Desk:          desk,
		Lifecycle:     ctrl,
		EscalationDir: cfg.EscalationDir,
		VerifyTimeout: cfg.Guardian.VerifyTimeout,
		Retry:         restartRetry,
		MaxAutoFixes:  cfg.Guardian.MaxAutoFixes,
		AutoFixWindow: cfg.Guardian.AutoFixWindow,
		Logger:        logger,
		Metrics:       m,
	})
	if _, err := guardian.Attach(h, engine, guardian.AttachDeps{Lifecycle: ctrl, Presence: tracker}); err != nil {
		return fmt.Errorf("failed to attach guardian: %w", err)
	}
	ctrl.OnExit(h.PublishExit)

	if serveInteractive {
		if !operator.IsInteractive() {
			return operator.ErrNotInteractive
		}
		console := operator.NewConsole()
		desk.OnAsk(func(p operator.Prompt) {
			go func() {
				choice, err := console.Choose(p)
				if err != nil {
					logger.Warn("Console prompt failed", map[string]interface{}{"prompt_id": p.ID, "error": err})
					return
				}
				tracker.Touch()
				if err := desk.Answer(p.ID, choice, ""); err != nil {
					logger.Warn("Console answer rejected", map[string]interface{}{"prompt_id": p.ID, "error": err})
				}
			}()
		})
	}

	verifier, err := auth.NewKeyVerifier(cfg.API.KeyHashes...)
	if err != nil {
		return fmt.Errorf("invalid api.key_hashes: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("API authentication disabled: no api.key_hashes configured")
	}
	limiter := ratelimit.NewLimiter(cfg.API.RateLimitRPS, cfg.API.RateBurst)

	handler := api.NewHandler(api.Options{
		Store:     dataStore,
		Host:      h,
		Lifecycle: ctrl,
		Desk:      desk,
		Presence:  tracker,
		Metrics:   m,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(handler, verifier, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.API.TLS.Enabled() {
		if srv.TLSConfig, err = guardiantls.ServerConfig(cfg.API.TLS); err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return err
	}
	sm.Register("host", h.Stop)
	sm.Register("guardian", engine.Close)
	sm.Register("http", shutdown.StopHTTPServer(srv))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
			"tls":  srv.TLSConfig != nil,
		})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return src.Watch(gctx, logger)
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
					logger.Debug("Dropped idle rate limiters", map[string]interface{}{"count": n})
				}
			}
		}
	})

	g.Go(func() error {
		err := sm.WaitWithContext(gctx)
		cancel()
		return err
	})

	logger.Info("Guardian running", map[string]interface{}{
		"graph_id":        cfg.Guardian.GraphID,
		"definitions_dir": src.Dir,
		"workspace":       ws.Root,
		"capabilities":    engine.Capabilities().Names(),
	})
	return g.Wait()
}
