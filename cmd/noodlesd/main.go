package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"noodles/config"
	"noodles/core/events"
	"noodles/core/state"
	"noodles/native/access"
	"noodles/native/common"
	"noodles/native/credits"
	"noodles/native/services"
	"noodles/observability/logging"
	"noodles/observability/metrics"
	"noodles/rpc"
	"noodles/storage"
)

func main() {
	configPath := flag.String("config", "noodles.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.Setup("noodlesd", cfg.Env, cfg.LogFile)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		log.Error("failed to open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	emitter := events.Fanout(metrics.Ledger().Emitter())

	registry := access.NewRegistry()
	registry.SetState(manager)
	registry.SetEmitter(emitter)

	creditsEngine, err := credits.NewEngine()
	if err != nil {
		log.Error("failed to construct credits engine", "err", err)
		os.Exit(1)
	}
	creditsEngine.SetState(manager)
	creditsEngine.SetEmitter(emitter)
	creditsEngine.SetModuleAccount(common.ModuleAddress("credits"))

	servicesEngine := services.NewEngine(creditsEngine)
	servicesEngine.SetState(manager)
	servicesEngine.SetEmitter(emitter)
	servicesEngine.SetEscrowAccount(common.ModuleAddress("services"))

	if err := bootstrap(cfg, manager, registry, creditsEngine, servicesEngine); err != nil {
		log.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	server := rpc.NewServer(creditsEngine, servicesEngine, log, cfg.RateLimitRPS, cfg.RateLimitBurst)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("query server listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	log.Info("noodlesd stopped")
}

// bootstrap installs the genesis role wiring on first start. Reruns are
// no-ops: the registry refuses a second admin bootstrap and role grants are
// idempotent.
func bootstrap(cfg *config.Config, manager *state.Manager, registry *access.Registry, creditsEngine *credits.Engine, servicesEngine *services.Engine) error {
	if cfg.AdminAddress == "" {
		return nil
	}
	admin, err := config.ParseAddress(cfg.AdminAddress)
	if err != nil {
		return err
	}
	return manager.RunAtomic(func() error {
		if !registry.HasRole(access.RoleDefaultAdmin, admin) {
			if err := registry.Bootstrap(admin); err != nil {
				return err
			}
		}
		if err := registry.GrantRole(admin, access.RoleCreditsTransfer, servicesEngine.EscrowAccount()); err != nil {
			return err
		}
		if cfg.CreatorsChecker != "" {
			checker, err := config.ParseAddress(cfg.CreatorsChecker)
			if err != nil {
				return err
			}
			if err := registry.GrantRole(admin, access.RoleCreatorsChecker, checker); err != nil {
				return err
			}
		}
		if cfg.DisputeResolver != "" {
			resolver, err := config.ParseAddress(cfg.DisputeResolver)
			if err != nil {
				return err
			}
			if err := registry.GrantRole(admin, access.RoleDisputeResolver, resolver); err != nil {
				return err
			}
		}
		if cfg.TreasuryAddress != "" {
			treasury, err := config.ParseAddress(cfg.TreasuryAddress)
			if err != nil {
				return err
			}
			creditsEngine.SetTreasury(treasury)
		}
		return nil
	})
}
