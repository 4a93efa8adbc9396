package cmd

import (
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/duplextls/internal/tui"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
)

// inspectCmd launches the live dashboard over a pool running a continuous
// synthetic workload, so bucket population, hit ratios and eviction can
// be watched under the configured caps.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Launch the live buffer pool dashboard",
	RunE: func(_ *cobra.Command, _ []string) error {
		pool := newConfiguredPool()

		done := make(chan struct{})
		defer close(done)
		go churn(pool, done)

		return tui.Run(pool.Stats)
	},
}

// churn keeps a randomized acquire/hold/release load on the pool so the
// dashboard has live numbers to show.
func churn(pool *bufpool.Pool, done <-chan struct{}) {
	sizes := []int{256, 1024, 4096, 8192, 16*1024 - 512, 18 * 1024}
	held := make([]*bufpool.Buffer, 0, 64)

	for {
		select {
		case <-done:
			for _, b := range held {
				b.Release()
			}

			return
		default:
		}

		size := sizes[rand.Intn(len(sizes))] //nolint:gosec // synthetic load, not security-sensitive.
		buf, err := pool.Acquire(size, bufpool.Heap)
		if err == nil {
			held = append(held, buf)
		}
		if len(held) > 32 {
			idx := rand.Intn(len(held)) //nolint:gosec // synthetic load.
			held[idx].Release()
			held = append(held[:idx], held[idx+1:]...)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
