package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tesslate/studio/pkg/agent"
	"github.com/tesslate/studio/pkg/api"
	"github.com/tesslate/studio/pkg/archive"
	"github.com/tesslate/studio/pkg/config"
	"github.com/tesslate/studio/pkg/dns"
	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/fileops"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/ingress"
	"github.com/tesslate/studio/pkg/llm"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/reconciler"
	"github.com/tesslate/studio/pkg/security"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/substrate/cluster"
	"github.com/tesslate/studio/pkg/substrate/localengine"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/terminal"
	"github.com/tesslate/studio/pkg/tools"
	"github.com/tesslate/studio/pkg/types"
)

const drainTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the studio control plane",
	Long: `Run the full control plane: HTTP API, container substrate, agent
engine, preview proxy, embedded DNS, and background reconciliation.

Configuration comes from the config file, STUDIO_* environment
variables, and flags, in rising precedence.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to config file")
	serveCmd.Flags().String("listen", "", "Override the API listen address")
	serveCmd.Flags().String("data-dir", "", "Override the data directory")
	serveCmd.Flags().String("mode", "", "Override the deployment mode (local-engine or cluster)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("mode"); v != "" {
		cfg.DeploymentMode = types.DeploymentMode(v)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("mode", string(cfg.DeploymentMode)).
		Str("domain", cfg.AppDomain).
		Msg("Starting studio")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	driver, err := buildDriver(cfg)
	if err != nil {
		return err
	}

	secrets, err := buildSecrets(cfg)
	if err != nil {
		return err
	}

	objectStore, err := archive.NewStore(ctx, cfg.ObjectStore, cfg.DataDir)
	if err != nil {
		return err
	}

	catalog := env.NewCatalog(cfg.TemplateDir, cfg.DataDir)
	graphMgr := graph.NewManager(store, driver, secrets)
	envs := env.NewManager(store, driver, graphMgr, archive.NewArchiver(objectStore), catalog, cfg.Hibernation.Exclude)
	files := fileops.NewService(driver, envs.Activity())
	terminals := terminal.NewManager(driver, envs.Activity().Touch)
	broker := events.NewBroker()
	taskMgr := tasks.NewManager(store, broker)

	// Tasks left running by a previous process are settled as failed
	// before anything new is accepted.
	if err := taskMgr.RecoverOrphans(); err != nil {
		logger.Warn().Err(err).Msg("Failed to settle orphaned tasks")
	}

	engine := buildEngine(cfg, store, files, graphMgr, terminals, broker)

	apiServer := api.NewServer(cfg, api.Deps{
		Store:     store,
		Envs:      envs,
		Graph:     graphMgr,
		Files:     files,
		Terminals: terminals,
		Secrets:   secrets,
		Tasks:     taskMgr,
		Broker:    broker,
		Engine:    engine,
	})

	var dnsServer *dns.Server
	if cfg.DNS.Enabled && cfg.DeploymentMode == types.ModeLocalEngine {
		dnsServer, err = dns.NewServer(dns.Options{
			Domain: cfg.AppDomain,
			HostIP: cfg.DNS.HostIP,
			Listen: cfg.DNS.Listen,
		})
		if err != nil {
			return err
		}
		if err := dnsServer.Start(ctx); err != nil {
			return err
		}
	}

	proxy := ingress.NewProxy(store, cfg.AppDomain, cfg.IngressListen, envs.Activity())
	if err := proxy.Start(ctx); err != nil {
		return err
	}

	recon := reconciler.NewReconciler(store, driver, graphMgr, envs, taskMgr, broker, reconciler.Options{
		IdleStop:       cfg.CleanupIdle(),
		HibernateAfter: cfg.HibernationIdle(),
	})
	if err := recon.Start(); err != nil {
		return err
	}

	// Blocks until the signal context ends or the listener fails.
	runErr := apiServer.Run(ctx)

	logger.Info().Msg("Shutting down")
	recon.Stop()
	terminals.CloseAll()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := taskMgr.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Tasks did not drain cleanly")
	}
	if err := proxy.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Preview proxy did not drain cleanly")
	}
	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Warn().Err(err).Msg("DNS server did not stop cleanly")
		}
	}
	envs.Activity().Flush()

	logger.Info().Msg("Shutdown complete")
	return runErr
}

// buildDriver picks the substrate for the configured deployment mode.
func buildDriver(cfg *config.Config) (substrate.Driver, error) {
	switch cfg.DeploymentMode {
	case types.ModeCluster:
		return cluster.New(cluster.Config{
			Kubeconfig:        cfg.Cluster.Kubeconfig,
			AppDomain:         cfg.AppDomain,
			FileManagerImage:  cfg.Cluster.FileManagerImage,
			StorageClaimSize:  cfg.StorageClaimSize,
			StorageAccessMode: cfg.StorageAccessMode,
			StorageClass:      cfg.StorageClass,
		})
	default:
		return localengine.New(localengine.Config{
			SocketPath:       cfg.LocalEngine.ContainerdSocket,
			Namespace:        cfg.LocalEngine.Namespace,
			DataDir:          cfg.DataDir,
			AppDomain:        cfg.AppDomain,
			FileManagerImage: cfg.LocalEngine.FileManagerImage,
		})
	}
}

// buildSecrets decodes the master key. No key means env vars are
// rejected at the API, not stored unencrypted.
func buildSecrets(cfg *config.Config) (*security.SecretsManager, error) {
	if cfg.MasterKey == "" {
		log.WithComponent("main").Warn().Msg("No master key configured; project env vars disabled")
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master_key is not valid base64: %w", err)
	}
	return security.NewSecretsManager(key)
}

// buildEngine wires the agent loop when a model gateway is configured.
func buildEngine(cfg *config.Config, store storage.Store, files *fileops.Service,
	graphMgr *graph.Manager, terminals *terminal.Manager, broker *events.Broker) *agent.Engine {
	if cfg.Agent.GatewayURL == "" {
		log.WithComponent("main").Warn().Msg("No model gateway configured; agent endpoints disabled")
		return nil
	}

	registry := tools.NewRegistry(files, graphMgr, store, terminals, tools.Options{
		RatePerMinute: cfg.CommandRateLimitPerMinute,
		AppDomain:     cfg.AppDomain,
		FetchAllowed:  cfg.Agent.FetchAllowlist,
	})
	gateway := llm.New(cfg.Agent.GatewayURL, cfg.Agent.APIKey, cfg.Agent.Model)

	log.WithComponent("main").Info().Str("model", cfg.Agent.Model).Msg("Agent engine enabled")
	return agent.NewEngine(store, registry, gateway, broker, agent.Options{
		MaxIterations:   cfg.Agent.MaxIterations,
		MaxCost:         cfg.Agent.MaxCost,
		MaxCostPerDay:   cfg.Agent.MaxCostPerDay,
		ApprovalTimeout: time.Duration(cfg.Agent.ApprovalTimeoutMinutes) * time.Minute,
		ContextTokens:   cfg.Agent.ContextTokens,
	})
}
