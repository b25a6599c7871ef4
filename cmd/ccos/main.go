// Command ccos runs a CCOS substrate against a single plan submission,
// wiring the durable backends a deployment config selects on top of the
// in-memory defaults runtime/substrate otherwise falls back to.
//
// # Configuration
//
// Environment variables:
//
//	CCOS_CONFIG  - path to a substrate config YAML file (default: "ccos.yaml")
//	CCOS_PLAN    - inline RTFS plan source to submit (default: a demo plan)
//
// # Example
//
//	CCOS_CONFIG=./ccos.yaml ./ccos
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/capabilities/builtins"
	"goa.design/ccos/config"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/marketplace"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/substrate"
	mongostore "goa.design/ccos/stores/mongo"
	redisstore "goa.design/ccos/stores/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	cfgPath := envOr("CCOS_CONFIG", "ccos.yaml")
	cfg := config.Default()
	if exists, err := config.Exists(cfgPath); err != nil {
		return fmt.Errorf("check config path: %w", err)
	} else if exists {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		log.Printf("no config file at %s, running with in-memory defaults", cfgPath)
	}

	plans := planarchive.NewMemoryArchive()
	intents := intentgraph.NewMemoryGraph()

	subCfg := substrate.Config{
		Plans:             plans,
		Intents:           intents,
		MaxRepairAttempts: cfg.AutoRepair.MaxAttempts,
		HTTPHandler:       builtins.HTTPFetch(nil),
		CatalogThresholds: cfg.Catalog.Thresholds(),
	}

	switch cfg.Store.Backend {
	case config.StoreBackendMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(ctx); err != nil {
				log.Printf("disconnect mongo: %v", err)
			}
		}()

		mongoPlans, err := mongostore.NewPlanArchive(ctx, mongostore.PlanArchiveOptions{Client: client, Database: cfg.Store.MongoDB})
		if err != nil {
			return fmt.Errorf("open mongo plan archive: %w", err)
		}
		mongoIntents, err := mongostore.NewGraph(ctx, mongostore.IntentGraphOptions{Client: client, Database: cfg.Store.MongoDB})
		if err != nil {
			return fmt.Errorf("open mongo intent graph: %w", err)
		}
		plans = mongoPlans
		intents = mongoIntents

		prereq := causalchain.NewPrerequisiteChecker(plans, func(ctx context.Context, intentID string) bool {
			return intents.Contains(ctx, intentID)
		})
		chain, err := mongostore.NewChain(ctx, mongostore.ChainOptions{Client: client, Database: cfg.Store.MongoDB}, prereq)
		if err != nil {
			return fmt.Errorf("open mongo causal chain: %w", err)
		}
		checkpoints, err := mongostore.NewCheckpointArchive(ctx, mongostore.CheckpointOptions{Client: client, Database: cfg.Store.MongoDB})
		if err != nil {
			return fmt.Errorf("open mongo checkpoint archive: %w", err)
		}
		subCfg.Plans = plans
		subCfg.Intents = intents
		subCfg.Chain = chain
		subCfg.Checkpoints = checkpoints
	case config.StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("close redis: %v", err)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		cache, err := redisstore.NewCoalescingCache(redisstore.CoalescingCacheOptions{Client: rdb})
		if err != nil {
			return fmt.Errorf("build redis coalescing cache: %w", err)
		}
		subCfg.MarketplaceOptions = append(subCfg.MarketplaceOptions, marketplace.WithCoalescingCache(cache))
	}

	sub, err := substrate.New(subCfg)
	if err != nil {
		return fmt.Errorf("build substrate: %w", err)
	}

	intentID := "cli-intent"
	if err := intents.Create(ctx, &intentgraph.Intent{IntentID: intentID, Name: "cli submission", Status: intentgraph.StatusActive}); err != nil {
		return fmt.Errorf("create intent: %w", err)
	}

	planID := "cli-plan"
	plan := &planarchive.Plan{
		PlanID:    planID,
		Name:      "cli submission",
		IntentIDs: []string{intentID},
		Language:  planarchive.LanguageRtfs20,
		Body:      planarchive.RtfsBody(envOr("CCOS_PLAN", `(step "add" (call :ccos.math.add 2 3))`)),
		Status:    planarchive.StatusDraft,
	}
	if err := plans.Save(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}

	sec := security.New(cfg.Security.SecurityOptions()...)
	result, err := sub.Submit(ctx, plan, sec)
	if err != nil {
		return fmt.Errorf("submit plan: %w", err)
	}
	if result.Paused {
		log.Printf("plan %s paused at checkpoint %s", planID, result.CheckpointID)
		return nil
	}
	log.Printf("plan %s completed with result %v", planID, result.Value)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
