// Command txgate wires the authorization core and runs a full simulated
// transaction lifecycle against the in-process collaborators. It exists
// for local inspection of the pipeline, the gate and the audit trail; the
// production shell drives the same packages over IPC.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/meridianlabs/txgate/pkg/audit"
	"github.com/meridianlabs/txgate/pkg/collab"
	"github.com/meridianlabs/txgate/pkg/config"
	"github.com/meridianlabs/txgate/pkg/gate"
	"github.com/meridianlabs/txgate/pkg/intent"
	"github.com/meridianlabs/txgate/pkg/invariant"
	"github.com/meridianlabs/txgate/pkg/observability"
	"github.com/meridianlabs/txgate/pkg/pipeline"
	"github.com/meridianlabs/txgate/pkg/policy"
	"github.com/meridianlabs/txgate/pkg/store"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

func main() {
	live := flag.Bool("live", false, "unlock policy and submit through the simulated client")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		loaded, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("profile: %v", err)
		}
		profile = loaded
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "txgate",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryOn,
		Insecure:     true,
		SampleRate:   1.0,
	})
	if err != nil {
		log.Fatalf("observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	pol := policy.NewStore(nil)
	mode := invariant.ModeSimulation
	if cfg.Mode == "LIVE" || *live {
		mode = invariant.ModeLive
	}
	engine, err := invariant.NewEngine(pol, mode, nil)
	if err != nil {
		log.Fatalf("invariant engine: %v", err)
	}
	if cfg.BundleDir != "" {
		bundles := invariant.NewBundleLoader(cfg.BundleDir)
		if err := bundles.LoadAll(); err != nil {
			log.Fatalf("invariant bundles: %v", err)
		}
		if err := engine.ExtendCatalogue(bundles.Invariants()); err != nil {
			log.Fatalf("invariant bundles: %v", err)
		}
	}

	machine := txstate.NewMachine(nil)
	intents := intent.NewLedger(nil)
	g := gate.New(pol, engine, machine, intents, nil)
	limiterPolicy := gate.LimiterPolicy{
		RatePerSec: profile.Limiter.RatePerSec,
		Burst:      profile.Limiter.Burst,
	}
	if cfg.RedisAddr != "" {
		g.SetLimiter(gate.NewRedisLimiterStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), limiterPolicy))
	} else {
		g.SetLimiter(gate.NewInMemoryLimiterStore(limiterPolicy))
	}

	snapshot, err := store.OpenSQLiteSnapshotStore(cfg.SnapshotPath)
	if err != nil {
		log.Fatalf("snapshot store: %v", err)
	}
	defer func() { _ = snapshot.Close() }()

	wallet, err := collab.NewDevWallet(make([]byte, 32))
	if err != nil {
		log.Fatalf("wallet: %v", err)
	}

	recorder := audit.NewRecorder()
	if cfg.AuditDSN != "" {
		mirror, err := store.OpenPostgresAuditStore(cfg.AuditDSN)
		if err != nil {
			log.Fatalf("audit mirror: %v", err)
		}
		defer func() { _ = mirror.Close() }()
		recorder = mirror
	}

	pipe, err := pipeline.New(pol, engine, machine, intents, g, pipeline.Options{
		Wallet:         wallet,
		Submitter:      &collab.SimulatedClient{Slot: 1},
		Persistence:    snapshot,
		Audit:          recorder,
		Metrics:        obs,
		SubmitTimeout:  profile.SubmitTimeout,
		ConfirmTimeout: profile.ConfirmTimeout,
	})
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	if restored, err := pipe.Restore(ctx); err != nil {
		log.Printf("[WARN] restore: %v", err)
	} else if restored > 0 {
		log.Printf("restored %d transactions from snapshot", restored)
	}

	var archiver store.Archiver
	if cfg.ArchiveBucket != "" {
		archiver, err = store.NewS3Archiver(ctx, store.S3ArchiverConfig{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   "receipts/",
		})
		if err != nil {
			log.Fatalf("receipt archiver: %v", err)
		}
	}

	if err := runDemo(ctx, pipe, pol, wallet, archiver, snapshot, *live); err != nil {
		log.Fatalf("demo: %v", err)
	}
}

func runDemo(ctx context.Context, pipe *pipeline.Pipeline, pol *policy.Store, wallet *collab.DevWallet, archiver store.Archiver, snapshot *store.SQLiteSnapshotStore, live bool) error {
	payload := txstate.Payload{
		ProgramID:        "11111111111111111111111111111111",
		InstructionData:  "03ab",
		InstructionCount: 1,
		Accounts:         []string{"sender", "recipient"},
		EstimatedAmount:  1.5,
		Origin:           "https://example.com",
	}

	rec, err := pipe.CreateTransaction(ctx, "demo-context", payload)
	if err != nil {
		return err
	}
	log.Printf("created %s", rec.TxID)

	if rec, err = pipe.RunDryRunPipeline(ctx, rec.TxID, 0.9); err != nil {
		return err
	}
	log.Printf("dry run complete, state=%s fee=%f", rec.State, rec.DryRun.FeeEstimate)

	if !live {
		if rec, err = pipe.FinalizeSimulation(ctx, rec.TxID); err != nil {
			return err
		}
		decision, err := pipe.AttemptSubmission(ctx, rec.TxID)
		if err != nil {
			return err
		}
		log.Printf("submission check (policy locked by default): %+v", decision)
		return dumpReceipt(ctx, pipe, archiver, snapshot, rec.TxID)
	}

	// Live path: unlock, enable submission, connect, sign, consent, submit.
	if err := pol.Unlock("operator demo run", "cmd/txgate"); err != nil {
		return err
	}
	if err := pol.SetFlag(policy.CapSubmission, true, "operator demo run", "cmd/txgate"); err != nil {
		return err
	}
	if err := pol.SetFlag(policy.CapFundMovement, true, "operator demo run", "cmd/txgate"); err != nil {
		return err
	}

	if _, err := wallet.Connect(ctx, payload.Origin, rec.ContextID); err != nil {
		return err
	}
	if rec, err = pipe.SignTransaction(ctx, rec.TxID); err != nil {
		return err
	}

	it, err := pipe.CreateIntent(ctx, rec.TxID, payload.Origin, intent.SignAndSubmit, 0)
	if err != nil {
		return err
	}
	if _, err := pipe.ConfirmIntent(ctx, it.IntentID); err != nil {
		return err
	}

	final, decision, err := pipe.SubmitTransaction(ctx, rec.TxID)
	if err != nil {
		return err
	}
	log.Printf("submission decision: %+v, final state=%s", decision, final.State)
	return dumpReceipt(ctx, pipe, archiver, snapshot, rec.TxID)
}

func dumpReceipt(ctx context.Context, pipe *pipeline.Pipeline, archiver store.Archiver, snapshot *store.SQLiteSnapshotStore, txID string) error {
	data, err := pipe.GetReceiptData(ctx, txID)
	if err != nil {
		return err
	}
	if err := snapshot.SaveAttempts(ctx, data.Attempts); err != nil {
		log.Printf("[WARN] attempt log save: %v", err)
	}
	if archiver != nil {
		key, err := archiver.Archive(ctx, *data)
		if err != nil {
			log.Printf("[WARN] receipt archive: %v", err)
		} else {
			log.Printf("receipt archived at %s", key)
		}
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
