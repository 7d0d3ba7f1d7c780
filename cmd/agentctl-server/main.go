// Command agentctl-server runs the agent control plane: the webhook
// receiver, cascade engine, review loop, and operator API over one HTTP
// listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/auditor"
	"github.com/meridianctl/agentctl/internal/cascade"
	"github.com/meridianctl/agentctl/internal/config"
	"github.com/meridianctl/agentctl/internal/lock"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/internal/review"
	"github.com/meridianctl/agentctl/internal/server"
	"github.com/meridianctl/agentctl/internal/sessionlifecycle"
	"github.com/meridianctl/agentctl/internal/store"
	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

var (
	listenAddr   = flag.String("listen", "", "Listen address (overrides config)")
	directory    = flag.String("directory", "", "Project directory for config resolution")
	sweepEvery   = flag.Duration("sweep-interval", 0, "Reconciliation sweep interval for stale executing sessions (0 disables)")
	sweepOlder   = flag.Duration("sweep-older-than", 10*time.Minute, "Only sweep sessions idle longer than this")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Printf("agentctl-server %s\n", Version)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Logging.Level),
		Output:    os.Stderr,
		Pretty:    cfg.Logging.Pretty,
		LogToFile: cfg.Logging.LogToFile,
	})
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("connect registry store")
	}
	defer registry.Close()

	oracle, err := auditor.New(ctx, cfg.Auditor)
	if err != nil {
		logging.Fatal().Err(err).Msg("build auditor oracle")
	}

	agents := agentprovider.NewClient(cfg.AgentProvider)
	vcs := vcsprovider.NewClient(cfg.VCSProvider)

	locks := lock.New(registry)
	machine := sessionlifecycle.New(registry, locks)

	// The core-file glob set and CI allow-list are hot-reloaded in place;
	// the engines hold pointers, not copies.
	coreGlobs := cfg.CoreFileGlobs
	primaryPipelines := cfg.PrimaryCIPipelines
	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := config.Watch(config.GlobalConfigPath(), config.HotReloadTarget{
		CoreFileGlobs:      &coreGlobs,
		PrimaryCIPipelines: &primaryPipelines,
	}, watchStop); err != nil {
		logging.Warn().Err(err).Msg("config hot reload unavailable")
	}

	engine := cascade.New(registry, machine, oracle, agents, cascade.Options{
		CoreFileGlobs:     &coreGlobs,
		MaxParallelAgents: cfg.MaxParallelAgents,
		MinConfidence:     cfg.MinConfidence,
		AnalysisTimeout:   time.Duration(cfg.AnalysisTimeoutMs) * time.Millisecond,
	})

	loop := review.New(registry, machine, locks, oracle, vcs, agents, review.Options{
		MaxRemediationDepth: cfg.MaxRemediationDepth,
	})

	serverCfg := server.DefaultConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.WebhookSecret = cfg.WebhookSecret
	serverCfg.PrimaryCIPipelines = &primaryPipelines

	srv := server.New(serverCfg, server.Deps{
		Registry: registry,
		Machine:  machine,
		Locks:    locks,
		Review:   loop,
		Cascade:  engine,
		Agents:   agents,
		VCS:      vcs,
	})

	if *sweepEvery > 0 {
		go runSweeper(ctx, registry, machine, agents, *sweepEvery, *sweepOlder)
	}

	go func() {
		logging.Info().Str("addr", cfg.ListenAddr).Str("version", Version).Msg("control plane listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
	}
}

// runSweeper periodically reconciles stale executing sessions against the
// Agent Provider: the opt-in reconciliation timer the webhook-driven
// model allows as an augmentation. It uses the same reconciliation path
// the sync endpoint does.
func runSweeper(ctx context.Context, registry *store.Store, machine *sessionlifecycle.Machine, agents agentprovider.Provider, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, registry, machine, agents, olderThan)
		}
	}
}

func sweepOnce(ctx context.Context, registry *store.Store, machine *sessionlifecycle.Machine, agents agentprovider.Provider, olderThan time.Duration) {
	active, err := registry.ListActiveSessions(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("sweep: list active sessions failed")
		return
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	for _, sess := range active {
		if sess.Status != types.SessionExecuting || sess.ExternalAgentID == "" || sess.UpdatedAt > cutoff {
			continue
		}

		sl := logging.WithSession(sess.ID)
		state, err := agents.GetAgent(ctx, sess.ExternalAgentID)
		if err != nil {
			sl.Warn().Err(err).Msg("sweep: agent poll failed")
			continue
		}

		var proposalURL string
		if state.Outputs != nil {
			proposalURL = state.Outputs.ChangeProposal.URL
		}
		if err := machine.ReconcileAgentStatus(ctx, sess.ID, state.Status, proposalURL); err != nil {
			sl.Warn().Err(err).Msg("sweep: reconcile failed")
		}
	}
}
