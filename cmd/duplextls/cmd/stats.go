package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrei-cloud/duplextls/pkg/bufpool"
)

// statsCmd exercises a pool built from the current configuration with a
// short synthetic acquire/release workload and prints the per-bucket
// statistics once. Useful for validating pool sizing before deploying a
// config change.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print buffer pool statistics for the configured pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		iterations, err := cmd.Flags().GetInt("iterations")
		if err != nil {
			return err
		}

		pool := newConfiguredPool()
		runSyntheticWorkload(pool, iterations)

		printStats(pool.Stats())

		return nil
	},
}

// newConfiguredPool builds a pool from the active configuration, the same
// way serve does.
func newConfiguredPool() *bufpool.Pool {
	return bufpool.NewPool(
		bufpool.WithIndexFunc(bufpool.LinearIndex(cfg.Pool.BucketFactor)),
		bufpool.WithMaxEntriesPerBucket(cfg.Pool.PrimaryMax*4),
		bufpool.WithDomainCap(bufpool.Heap, cfg.Pool.HeapCapBytes),
		bufpool.WithDomainCap(bufpool.DeviceMapped, cfg.Pool.DeviceMappedCapBytes),
	)
}

// runSyntheticWorkload cycles acquire/release across a spread of sizes,
// populating buckets the same way adapter sessions would.
func runSyntheticWorkload(pool *bufpool.Pool, iterations int) {
	sizes := []int{256, 1024, 4096, 16*1024 - 512, 18 * 1024}
	for i := 0; i < iterations; i++ {
		size := sizes[i%len(sizes)]
		buf, err := pool.Acquire(size, bufpool.Heap)
		if err != nil {
			continue
		}
		buf.Release()
	}
}

func printStats(stats bufpool.PoolStats) {
	fmt.Printf("%-14s %8s %6s %9s %9s %9s %9s %7s %7s %7s\n",
		"domain", "cap", "idle", "acquires", "hits", "releases", "nonpool", "evicts", "removes", "hit%")

	buckets := append([]bufpool.BucketStats(nil), stats.Buckets...)
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Domain != buckets[j].Domain {
			return buckets[i].Domain < buckets[j].Domain
		}

		return buckets[i].Capacity < buckets[j].Capacity
	})

	for _, b := range buckets {
		fmt.Printf("%-14s %8d %6d %9d %9d %9d %9d %7d %7d %6.1f%%\n",
			b.Domain, b.Capacity, b.Idle, b.Acquires, b.PooledHits,
			b.Releases, b.NonPooled, b.Evicts, b.Removes, b.HitRatio*100)
	}

	if len(stats.NoBucketAcquires) > 0 {
		fmt.Println("\nout-of-range acquires:")
		sizes := make([]int, 0, len(stats.NoBucketAcquires))
		for size := range stats.NoBucketAcquires {
			sizes = append(sizes, size)
		}
		sort.Ints(sizes)
		for _, size := range sizes {
			fmt.Printf("%8d bytes: %d\n", size, stats.NoBucketAcquires[size])
		}
	}
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int("iterations", 1000, "synthetic workload iterations before printing")
	viper.BindPFlag("stats.iterations", statsCmd.Flags().Lookup("iterations"))
}
