//go:build property
// +build property

package txstate_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meridianlabs/txgate/pkg/txstate"
)

func genState() gopter.Gen {
	states := txstate.ValidStates()
	return gen.IntRange(0, len(states)-1).Map(func(i int) txstate.State {
		return states[i]
	})
}

// TestTransitionTableProperties checks the iff relationship between the
// declared successor sets and Transition's accept/reject behavior, over
// every (from, to) state pair gopter generates.
func TestTransitionTableProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("transition succeeds iff target is a declared successor", prop.ForAll(
		func(from, to txstate.State) bool {
			m := txstate.NewMachine(nil)
			rec := m.Create("prop-ctx", txstate.Payload{
				ProgramID:        "PPPPPPPPPPPPPPPPPPPPPPPPPPPPPPPP",
				InstructionData:  "03ab",
				InstructionCount: 1,
				Accounts:         []string{"S", "R"},
				EstimatedAmount:  1.0,
				Origin:           "https://example.com",
			})
			rec.State = from
			m2 := txstate.NewMachine(nil)
			m2.Hydrate([]txstate.TransactionRecord{*rec})

			declared := false
			for _, s := range txstate.Successors(from) {
				if s == to {
					declared = true
					break
				}
			}

			_, err := m2.Transition(rec.TxID, to, "property probe")
			return (err == nil) == declared
		},
		genState(), genState(),
	))

	properties.Property("terminal states declare no successors", prop.ForAll(
		func(s txstate.State) bool {
			if !s.IsTerminal() {
				return true
			}
			return len(txstate.Successors(s)) == 0
		},
		genState(),
	))

	properties.Property("history grows by exactly one per accepted transition", prop.ForAll(
		func(reasons []string) bool {
			m := txstate.NewMachine(fixedClock{})
			rec := m.Create("prop-ctx", txstate.Payload{
				ProgramID:        "PPPPPPPPPPPPPPPPPPPPPPPPPPPPPPPP",
				InstructionData:  "03ab",
				InstructionCount: 1,
				Accounts:         []string{"S"},
				EstimatedAmount:  0,
				Origin:           "https://example.com",
			})
			accepted := 0
			cur := rec.State
			for _, reason := range reasons {
				next := txstate.Successors(cur)
				if len(next) == 0 {
					break
				}
				updated, err := m.Transition(rec.TxID, next[0], reason)
				if err != nil {
					return false
				}
				accepted++
				cur = updated.State
			}
			got, err := m.Get(rec.TxID)
			if err != nil {
				return false
			}
			return len(got.StateHistory) == accepted+1
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
