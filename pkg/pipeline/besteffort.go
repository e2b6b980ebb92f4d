package pipeline

import (
	"context"
	"log"

	"github.com/meridianlabs/txgate/pkg/txstate"
)

// milestone writes the lifecycle event to the audit channel and refreshes
// the persistence snapshot. Both are best-effort, non-authoritative side
// channels: this is the single place where their errors are caught and
// dropped, so a failing sink can never change an authorization outcome.
func (p *Pipeline) milestone(ctx context.Context, stage string, rec *txstate.TransactionRecord, metadata map[string]any) {
	if p.opts.Audit != nil {
		if err := p.opts.Audit.Record(ctx, stage, rec.TxID, rec.ContextID, string(rec.State), metadata); err != nil {
			log.Printf("[WARN] pipeline: audit record for %s at %s: %v", rec.TxID, stage, err)
		}
	}
	if p.opts.Persistence != nil {
		if err := p.opts.Persistence.Save(ctx, p.machine.All()); err != nil {
			log.Printf("[WARN] pipeline: persistence snapshot at %s: %v", stage, err)
		}
	}
}

// Restore hydrates the state machine from the persistence snapshot. Used
// once at startup; a missing snapshot is not an error.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if p.opts.Persistence == nil {
		return 0, nil
	}
	records, err := p.opts.Persistence.Load(ctx)
	if err != nil {
		return 0, err
	}
	if records == nil {
		return 0, nil
	}
	p.machine.Hydrate(records)
	return len(records), nil
}
