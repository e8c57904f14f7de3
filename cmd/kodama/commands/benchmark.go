package commands

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Kodama/internal/logging"
	"github.com/shizukutanaka/Kodama/internal/numeric"
	"github.com/shizukutanaka/Kodama/internal/work"
)

var (
	benchDifficulty string
	benchRounds     int
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure CPU search throughput against random roots",
	RunE:  runBenchmark,
}

func init() {
	// The default keeps a round to roughly a million trials.
	benchmarkCmd.Flags().StringVar(&benchDifficulty, "difficulty", "100000", "difficulty to search at (hex)")
	benchmarkCmd.Flags().IntVar(&benchRounds, "rounds", 4, "number of searches to run")
	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	difficulty, err := numeric.ParseU128(benchDifficulty)
	if err != nil {
		return fmt.Errorf("invalid difficulty: %w", err)
	}

	logger, _, err := logging.New("warn", verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gen := work.NewGenerator(0, logger)

	var totalTrials uint64
	var totalElapsed time.Duration

	for round := 1; round <= benchRounds; round++ {
		var root numeric.U256
		if _, err := rand.Read(root[:]); err != nil {
			return err
		}

		start := time.Now()
		res, err := gen.Solve(root, difficulty, nil)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		totalTrials += res.Trials
		totalElapsed += elapsed

		fmt.Printf("round %d: %s trials in %s (work %016x)\n",
			round, humanize.Comma(int64(res.Trials)), elapsed.Round(time.Millisecond), res.Nonce)
	}

	if totalElapsed > 0 {
		rate := float64(totalTrials) / totalElapsed.Seconds()
		fmt.Printf("\n%s hashes/sec over %d rounds\n", humanize.Comma(int64(rate)), benchRounds)
	}
	return nil
}
