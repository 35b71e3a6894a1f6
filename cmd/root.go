package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cortexstream/cortexstream/engine"
)

var (
	// CLI flags shared by the serving commands
	logLevel   string // Log verbosity level
	configPath string // Optional YAML config file

	maxBatchSize   int  // Max requests admitted to the active set
	numLayers      int  // Transformer layer count for the KV arenas
	numHeads       int  // Attention head count per layer
	headDim        int  // Head dimension
	maxTotalTokens int  // Total KV capacity in tokens across all sequences
	blockSizeTok   int  // Tokens per KV block
	eosTokenID     int  // EOS token id (-1 disables)
	enableEviction bool // Evict oldest decoding request on allocator OOM

	// CLI flags for the demo generation run
	maxTokens   int     // Generation cap per request
	temperature float32 // Sampling temperature
	topK        int     // Top-K filter (0/1 = greedy)
	topP        float32 // Top-P nucleus filter (1 = disabled)
	doSample    bool    // Force greedy selection
	repPenalty  float32 // Repetition penalty (1 = disabled)
	seed        int64   // Sampler seed (-1 = nondeterministic)
	stopString  string  // Stop substring on decoded text
	prompts     []string
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "cortexstream",
	Short: "Continuous-batching LLM inference runtime",
}

// buildConfig assembles the engine configuration from the config file and
// CLI flags. Flags win over the file.
func buildConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if configPath != "" {
		loaded, err := engine.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg.Scheduler.MaxBatchSize = maxBatchSize
	cfg.KVCache.NumLayers = numLayers
	cfg.KVCache.NumHeads = numHeads
	cfg.KVCache.HeadDim = headDim
	cfg.KVCache.MaxTotalTokens = maxTotalTokens
	cfg.KVCache.BlockSize = blockSizeTok
	cfg.Engine.EOSTokenID = eosTokenID
	cfg.Engine.EnableEviction = enableEviction
	cfg.Sampling = engine.SamplingParams{
		Temperature:       temperature,
		TopK:              topK,
		TopP:              topP,
		DoSample:          doSample,
		RepetitionPenalty: repPenalty,
		Seed:              seed,
	}
	return cfg, cfg.Validate()
}

// runCmd drives the engine over byte-tokenized demo prompts against the
// deterministic stub backend and streams the output.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a demo generation against the stub backend",
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

		tokenizer := engine.ByteTokenizer{}
		backend := engine.NewStubBackend(tokenizer.VocabSize(), 512, cfg.KVCache.NumLayers)
		backend.Stride = 1

		scheduler, err := engine.NewScheduler(cfg.Scheduler)
		if err != nil {
			return err
		}
		cache, err := engine.NewKVCache(cfg.KVCache)
		if err != nil {
			return err
		}
		eng := engine.NewEngine(backend, scheduler, cache, cfg.Engine)
		eng.SetTokenizer(tokenizer)
		eng.OnResponse = func(resp *engine.Response) {
			fmt.Printf("\n[%s] finished=%s tokens=%d latency=%.1fms\n",
				resp.RequestID, resp.FinishReason, resp.GeneratedTokenCount(), resp.LatencyMs())
		}
		if err := eng.Initialize(); err != nil {
			return err
		}

		for i, text := range prompts {
			req := engine.NewRequest(fmt.Sprintf("demo-%d", i), tokenizer.Encode(text), maxTokens)
			req.PromptText = text
			req.Sampling = cfg.Sampling
			req.StopString = stopString
			req.Callback = func(token int, finished bool) {
				if !finished {
					fmt.Print(tokenizer.Decode([]int{token}))
				}
			}
			if err := scheduler.Submit(req); err != nil {
				return err
			}
		}

		if err := eng.Run(context.Background()); err != nil {
			return err
		}
		fmt.Println()
		eng.Stats().Print(os.Stdout)
		cache.DumpCacheStats(os.Stdout)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "warning", "Log level: debug, info, warning, error")
	pf.StringVar(&configPath, "config", "", "YAML config file path")
	pf.IntVar(&maxBatchSize, "max-batch-size", 32, "Max requests in the active set")
	pf.IntVar(&numLayers, "num-layers", 12, "Transformer layers in the KV arenas")
	pf.IntVar(&numHeads, "num-heads", 12, "Attention heads per layer")
	pf.IntVar(&headDim, "head-dim", 64, "Head dimension")
	pf.IntVar(&maxTotalTokens, "max-total-tokens", 16384, "Total KV capacity in tokens")
	pf.IntVar(&blockSizeTok, "block-size", 16, "Tokens per KV block")
	pf.IntVar(&eosTokenID, "eos-token-id", -1, "EOS token id (-1 disables)")
	pf.BoolVar(&enableEviction, "enable-eviction", false, "Evict oldest decoding request on allocator OOM")

	f := runCmd.Flags()
	f.IntVar(&maxTokens, "max-tokens", 64, "Generation cap per request")
	f.Float32Var(&temperature, "temperature", 1.0, "Sampling temperature")
	f.IntVar(&topK, "top-k", 1, "Top-K filter (0/1 = greedy)")
	f.Float32Var(&topP, "top-p", 1.0, "Top-P nucleus filter (1 = disabled)")
	f.BoolVar(&doSample, "do-sample", false, "Force greedy selection")
	f.Float32Var(&repPenalty, "repetition-penalty", 1.0, "Repetition penalty (1 = disabled)")
	f.Int64Var(&seed, "seed", -1, "Sampler seed (-1 = nondeterministic)")
	f.StringVar(&stopString, "stop-string", "", "Stop substring on decoded text")
	f.StringArrayVar(&prompts, "prompt", []string{"The quick brown fox"}, "Prompt text (repeatable)")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
