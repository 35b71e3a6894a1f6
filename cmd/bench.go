package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cortexstream/cortexstream/engine"
)

var (
	// CLI flags for synthetic workload generation
	benchSeed         int64   // Workload generator seed
	numPrompts        int     // Number of requests
	rate              float64 // Request arrivals per second (0 = all at once)
	ingressWorkers    int     // Concurrent submitter goroutines
	promptTokensMean  float64 // Average prompt token count
	promptTokensStdev float64 // Stdev prompt token count
	promptTokensMin   int     // Min prompt token count
	promptTokensMax   int     // Max prompt token count
	outputTokensMean  float64 // Average output token count
)

// benchCmd floods the engine with synthetic requests from concurrent
// ingress goroutines and reports throughput metrics.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the engine with a synthetic workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildConfig()
		if err != nil {
			return err
		}

		backend := engine.NewStubBackend(4096, 512, cfg.KVCache.NumLayers)
		backend.Stride = 7
		scheduler, err := engine.NewScheduler(cfg.Scheduler)
		if err != nil {
			return err
		}
		cache, err := engine.NewKVCache(cfg.KVCache)
		if err != nil {
			return err
		}
		eng := engine.NewEngine(backend, scheduler, cache, cfg.Engine)
		if err := eng.Initialize(); err != nil {
			return err
		}

		src := engine.NewWorkloadSource(benchSeed)
		gen := engine.NewWorkloadGenerator(src,
			engine.NewNormalLengths(promptTokensMean, promptTokensStdev, promptTokensMin, promptTokensMax, src),
			engine.NewExpLengths(outputTokensMean, src),
			backend.VocabSize(), rate)
		requests := gen.Generate(numPrompts)
		// The generator's RNG is single-owner: draw all arrival gaps here
		// before fanning out to the submitters.
		gaps := make([]time.Duration, len(requests))
		for i := range gaps {
			gaps[i] = gen.NextArrivalGap()
		}

		var outstanding atomic.Int64
		outstanding.Store(int64(len(requests)))

		start := time.Now()
		g, ctx := errgroup.WithContext(context.Background())
		for w := 0; w < ingressWorkers; w++ {
			g.Go(func() error {
				for i := w; i < len(requests); i += ingressWorkers {
					time.Sleep(gaps[i])
					if err := scheduler.Submit(requests[i]); err != nil {
						return err
					}
					outstanding.Add(-1)
				}
				return nil
			})
		}

		// Run exits whenever the queue momentarily drains; keep driving
		// until every submitter has delivered and the engine is idle.
		for outstanding.Load() > 0 || scheduler.HasWork() {
			if err := eng.Run(ctx); err != nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		tokens, completed, failed, _ := eng.Stats().Snapshot()
		eng.Stats().Print(os.Stdout)
		fmt.Printf("Wall time          : %.2fs\n", elapsed.Seconds())
		if elapsed > 0 {
			fmt.Printf("Throughput         : %.1f tok/s\n", float64(tokens)/elapsed.Seconds())
		}
		fmt.Printf("Requests           : %d ok, %d failed\n", completed, failed)
		cache.DumpCacheStats(os.Stdout)
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.Int64Var(&benchSeed, "seed", 42, "Workload generator seed")
	f.IntVar(&numPrompts, "num-prompts", 128, "Number of requests")
	f.Float64Var(&rate, "rate", 0, "Request arrivals per second (0 = all at once)")
	f.IntVar(&ingressWorkers, "ingress-workers", 4, "Concurrent submitter goroutines")
	f.Float64Var(&promptTokensMean, "prompt-tokens-mean", 128, "Average prompt token count")
	f.Float64Var(&promptTokensStdev, "prompt-tokens-stdev", 32, "Stdev prompt token count")
	f.IntVar(&promptTokensMin, "prompt-tokens-min", 8, "Min prompt token count")
	f.IntVar(&promptTokensMax, "prompt-tokens-max", 512, "Max prompt token count")
	f.Float64Var(&outputTokensMean, "output-tokens-mean", 64, "Average output token count")

	rootCmd.AddCommand(benchCmd)
}
