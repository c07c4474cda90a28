// Command brain is the b1e55ed core process: it owns the single writer
// lease on the event journal, restores the kill switch, and runs the brain
// cycle on a fixed schedule while serving health and metrics endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/config"
	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/database"
	"github.com/b1e55ed/core/pkg/eventstore"
	"github.com/b1e55ed/core/pkg/identity"
	"github.com/b1e55ed/core/pkg/karma"
	"github.com/b1e55ed/core/pkg/killswitch"
	"github.com/b1e55ed/core/pkg/kvdb"
	"github.com/b1e55ed/core/pkg/observability"
	"github.com/b1e55ed/core/pkg/orchestrator"
	"github.com/b1e55ed/core/pkg/projection"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting b1e55ed brain")

	var (
		devInsecure = flag.Bool("dev-insecure-plaintext-key", false, "store the signing key as plaintext instead of Argon2id+AES-GCM sealed (development only)")
		passphrase  = flag.String("identity-passphrase", "", "passphrase used to seal/unseal the signing key (required unless -dev-insecure-plaintext-key)")
		assetList   = flag.String("assets", "BTC,ETH", "comma-separated list of assets the brain cycle scans")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	cfg.DevInsecureKey = cfg.DevInsecureKey || *devInsecure

	if err := cfg.Validate(); err != nil {
		log.Printf("production validation failed, falling back to development validation: %v", err)
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("configuration invalid even for development: %v", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	status := observability.NewStatus()
	metrics := observability.NewMetrics()

	id, err := loadOrGenerateIdentity(cfg, *passphrase)
	if err != nil {
		log.Fatalf("load signing identity: %v", err)
	}
	defer id.Zeroize()

	leasePath := filepath.Join(cfg.DataDir, "journal.lock")
	lease, err := eventstore.AcquireLease(leasePath)
	if err != nil {
		log.Fatalf("acquire writer lease: %v", err)
	}
	defer lease.Release()

	kv, err := kvdb.Open(filepath.Dir(cfg.JournalPath), filepath.Base(cfg.JournalPath))
	if err != nil {
		log.Fatalf("open journal storage: %v", err)
	}

	store, err := eventstore.Open(kv, id, lease, cfg.CheckpointInterval)
	if err != nil {
		log.Fatalf("open event store: %v", err)
	}
	status.SetEventStore("ok")

	ks := killswitch.New(store)
	if err := ks.Restore(); err != nil {
		log.Fatalf("restore kill switch: %v", err)
	}
	status.SetKillSwitch(ks.Level().String())
	metrics.ObserveKillSwitchLevel(ks.Level())
	log.Printf("kill switch restored at %s", ks.Level())

	var projRepo *database.ProjectionRepository
	if cfg.DatabaseURL != "" {
		dbClient, err := database.NewClient(cfg, database.WithLogger(
			log.New(log.Writer(), "[Database] ", log.LstdFlags),
		))
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("database connection required but failed: %v", err)
			}
			log.Printf("database connection failed, projections will not be served: %v", err)
			status.SetDatabase("disconnected")
		} else {
			status.SetDatabase("connected")
			if err := dbClient.MigrateUp(context.Background()); err != nil {
				log.Printf("projection schema migration failed: %v", err)
			}
			projRepo = database.NewProjectionRepository(dbClient)
		}
	} else {
		status.SetDatabase("disconnected")
	}

	projState := projection.NewState()
	upcasters := projection.DefaultUpcasters()
	registry := contributor.NewRegistry()
	ledger := karma.NewLedger(karma.Policy{
		Enabled:    cfg.KarmaEnabled,
		Percentage: cfg.KarmaPercentage,
	})
	contributorStats := make(map[uuid.UUID]*database.ContributorStats)

	orchCfg := orchestrator.Config{
		CycleDeadline:  cfg.CycleDeadline,
		PhaseDeadline:  cfg.PhaseDeadline,
		EntryThreshold: cfg.EntryThreshold,
		CTSTrigger:     cfg.CTSTrigger,
		BaseSize:       cfg.BaseSize,
		ColdStartDays:  cfg.ColdStartDays,
		WarmPeriodDays: cfg.WarmPeriodDays,
		WeightDeltaMax: cfg.WeightDeltaMax,
		WeightMin:      cfg.WeightMin,
		WeightMax:      cfg.WeightMax,
	}
	orch := orchestrator.New(store, ks, nil, orchCfg, log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags))

	assets := splitAssets(*assetList)

	healthServer := observability.NewServer(cfg.HealthAddr, status)
	go func() {
		log.Printf("health/metrics server listening on %s", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.CycleDeadline)
	defer ticker.Stop()

	log.Printf("entering brain cycle loop over assets=%v", assets)
	for {
		select {
		case <-ctx.Done():
			log.Printf("shutdown signal received, stopping brain cycle loop")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			healthServer.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			cycleStart := time.Now()
			result, err := orch.RunCycle(ctx, assets)
			metrics.CycleDuration.Observe(time.Since(cycleStart).Seconds())
			metrics.KillSwitchLevel.Set(float64(ks.Level()))
			if err != nil {
				log.Printf("brain cycle failed: %v", err)
				continue
			}
			metrics.IntentsOpened.Add(float64(result.IntentsOpened))
			log.Printf("cycle complete: assets=%d intents=%d partial=%v regime=%s",
				result.AssetsScanned, result.IntentsOpened, result.Partial, result.RegimeLabel)

			if projRepo != nil {
				if err := projRepo.SyncProjections(ctx, store, projState, upcasters, registry, ledger, contributorStats); err != nil {
					log.Printf("projection sync failed: %v", err)
				}
			}
		}
	}
}

func loadOrGenerateIdentity(cfg *config.Config, passphrase string) (*identity.Identity, error) {
	if _, err := os.Stat(cfg.NodeKeyPath); err == nil {
		return identity.Load(cfg.NodeKeyPath, []byte(passphrase), cfg.DevInsecureKey)
	}
	log.Printf("no identity found at %s, generating a new one", cfg.NodeKeyPath)
	return identity.GenerateAndSave(cfg.NodeKeyPath, []byte(passphrase), cfg.DevInsecureKey)
}

func splitAssets(raw string) []string {
	out := make([]string, 0)
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
