package work

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
	mrand "math/rand"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/shizukutanaka/Kodama/internal/numeric"
)

const (
	// reseedInterval is the trial count between nonce reseeds and
	// progress observations.
	reseedInterval = 100_000_000

	// cancelMask gates cancellation polling to every 2^16 trials.
	cancelMask = 1<<16 - 1

	// DefaultMaxIterations caps a single search.
	DefaultMaxIterations = 10_000_000_000
)

// ErrCancelled is returned when a search observes its cancellation token.
var ErrCancelled = errors.New("work generation cancelled")

// Result is the outcome of a nonce search.
type Result struct {
	// Nonce is the winning value, or the last value tried when the
	// search exhausted its iteration budget.
	Nonce uint64

	// Achieved is the difficulty the nonce actually reached. Only set
	// when Found.
	Achieved numeric.U128

	// Found reports whether the nonce satisfies the threshold.
	Found bool

	// Trials is the number of hashes performed by the search.
	Trials uint64
}

// Generator searches for nonces whose Blake2b-512 digest head, byte
// reversed, falls below the threshold derived from a requested
// difficulty. The digest input is the 40-byte concatenation of the
// little-endian nonce and the 32-byte root hash.
type Generator struct {
	logger        *zap.Logger
	maxIterations uint64

	// Progress, when set, observes each reseedInterval worth of trials.
	Progress func(trials uint64)

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewGenerator creates a search engine. maxIterations of 0 selects
// DefaultMaxIterations.
func NewGenerator(maxIterations uint64, logger *zap.Logger) *Generator {
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// Degraded but functional: the seed only spreads search
		// starting points across devices.
		logger.Warn("Falling back to zero RNG seed", zap.Error(err))
	}
	return &Generator{
		logger:        logger,
		maxIterations: maxIterations,
		rng:           mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))),
	}
}

func (g *Generator) randomNonce() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Uint64()
}

// Solve searches for a nonce meeting the threshold for difficulty over
// root. It returns ErrCancelled when the cancel channel closes, and a
// non-error Result with Found=false when the iteration budget runs out.
func (g *Generator) Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (Result, error) {
	threshold := Threshold(difficulty)

	hasher, err := blake2b.New512(nil)
	if err != nil {
		return Result{}, err
	}

	var input [40]byte
	copy(input[8:], root.Bytes())

	nonce := g.randomNonce()
	last := nonce
	digest := make([]byte, 0, blake2b.Size)

	for trials := uint64(0); trials < g.maxIterations; trials++ {
		if trials&cancelMask == 0 {
			select {
			case <-cancel:
				return Result{}, ErrCancelled
			default:
			}
		}

		binary.LittleEndian.PutUint64(input[:8], nonce)
		last = nonce
		hasher.Reset()
		hasher.Write(input[:])
		digest = hasher.Sum(digest[:0])

		rev := bits.ReverseBytes64(binary.LittleEndian.Uint64(digest[:8]))
		if rev < threshold {
			return Result{
				Nonce:    nonce,
				Achieved: numeric.U128FromUint64(achievedDifficulty(rev)),
				Found:    true,
				Trials:   trials + 1,
			}, nil
		}

		nonce++
		if trials > 0 && trials%reseedInterval == 0 {
			nonce = g.randomNonce()
			g.logger.Info("Work generation continuing",
				zap.String("trials", humanize.Comma(int64(trials))),
			)
			if g.Progress != nil {
				g.Progress(reseedInterval)
			}
		}
	}

	g.logger.Warn("Work generation exhausted iteration budget",
		zap.Uint64("max_iterations", g.maxIterations),
	)
	return Result{Nonce: last, Found: false, Trials: g.maxIterations}, nil
}

// Validate runs a single trial of the search check on a supplied nonce.
// It returns whether the nonce satisfies the difficulty, and the
// difficulty it achieves.
func Validate(root numeric.U256, nonce uint64, difficulty numeric.U128) (bool, numeric.U128) {
	var input [40]byte
	binary.LittleEndian.PutUint64(input[:8], nonce)
	copy(input[8:], root.Bytes())

	digest := blake2b.Sum512(input[:])
	rev := bits.ReverseBytes64(binary.LittleEndian.Uint64(digest[:8]))

	return rev < Threshold(difficulty), numeric.U128FromUint64(achievedDifficulty(rev))
}

// achievedDifficulty inverts a byte-reversed digest head back into a
// difficulty figure.
func achievedDifficulty(rev uint64) uint64 {
	if rev == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 / rev
}
