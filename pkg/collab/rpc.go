package collab

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/txgate/pkg/txstate"
)

// SimulatedClient is an in-process SubmissionClient for tests and local
// development. It never reaches a network.
type SimulatedClient struct {
	// FailWith, when non-empty, makes every submission fail with this error.
	FailWith string
	// Latency is the simulated round-trip before a result is produced.
	Latency time.Duration
	// Slot is the slot reported on success.
	Slot uint64
}

// SendAndConfirmRawTransaction implements SubmissionClient. It honors the
// caller's context deadline so timeout behavior can be exercised in tests.
func (c *SimulatedClient) SendAndConfirmRawTransaction(ctx context.Context, signedPayload, contextID, origin string) (txstate.SubmissionResult, error) {
	start := time.Now()

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return txstate.SubmissionResult{
				RPCEndpointID: "simulated",
				Error:         ctx.Err().Error(),
				LatencyMs:     time.Since(start).Milliseconds(),
			}, nil
		}
	}

	if c.FailWith != "" {
		return txstate.SubmissionResult{
			RPCEndpointID: "simulated",
			Error:         c.FailWith,
			LatencyMs:     time.Since(start).Milliseconds(),
		}, nil
	}

	return txstate.SubmissionResult{
		Success:       true,
		Signature:     uuid.New().String(),
		Slot:          c.Slot,
		RPCEndpointID: "simulated",
		RPCRouteID:    "direct",
		LatencyMs:     time.Since(start).Milliseconds(),
	}, nil
}
