package allocator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// Any interleaving of issuance, merges and lease failures yields strictly
// increasing suffixes, each at or above every merged value, and consecutive
// within a lease.
func TestProperty_IssuanceIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st, err := store.Open(":memory:")
		require.NoError(rt, err)
		defer st.Close()

		leaser := &fakeLeaser{counter: rapid.Int64Range(0, 1000).Draw(rt, "counter")}
		cfg := Config{
			LeaseSize: rapid.Int64Range(1, 20).Draw(rt, "lease_size"),
			LowWater:  rapid.Int64Range(0, 5).Draw(rt, "low_water"),
		}
		a, err := New(st, cfg, WithLeaser(leaser, "fp"))
		require.NoError(rt, err)
		defer a.Close()
		_, err = a.Provision(ctx, "AG", "05")
		require.NoError(rt, err)

		last, floor := int64(-1), int64(0)
		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			a.WaitForRefill()
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0:
				observed := max(0, last+rapid.Int64Range(-5, 30).Draw(rt, "merge_delta"))
				_, err := a.MergeServerCounter(ctx, observed)
				require.NoError(rt, err)
				floor = max(floor, observed)
			case 1:
				if rapid.Bool().Draw(rt, "fail") {
					leaser.setFail(offline)
				} else {
					leaser.setFail(nil)
				}
			default:
				before, err := a.State(ctx)
				require.NoError(rt, err)

				ref, err := a.Next(ctx)
				if err != nil {
					require.True(rt, errors.Is(err, syncerr.ErrExhausted), "unexpected error: %v", err)
					after, err := a.State(ctx)
					require.NoError(rt, err)
					require.Equal(rt, before.Cursor, after.Cursor, "exhaustion must not move the cursor")
					continue
				}

				n, err := ParseSuffix(ref, "AG05")
				require.NoError(rt, err)
				require.Greater(rt, n, last)
				require.GreaterOrEqual(rt, n, floor)
				if before.Cursor < before.ReservedEnd {
					require.Equal(rt, before.Cursor, n, "within a lease values are consecutive")
				}
				last = n
				floor = n + 1
			}
		}
	})
}

