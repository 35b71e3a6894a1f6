// engine/workload.go
//
// Synthetic request generation for the bench command. Token counts come
// from gonum distributions over a shared PCG source, so one seed reproduces
// the entire workload: lengths, prompt contents, and arrival gaps.

package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// TokenLengthDist draws prompt or output token counts for synthetic
// requests. Draws are always >= 1.
type TokenLengthDist interface {
	Draw() int
}

// NormalLengths draws token counts from a normal distribution clamped to
// [min, max].
type NormalLengths struct {
	dist     distuv.Normal
	min, max int
}

// NewNormalLengths builds a clamped normal length distribution.
func NewNormalLengths(mean, stddev float64, min, max int, src rand.Source) *NormalLengths {
	return &NormalLengths{
		dist: distuv.Normal{Mu: mean, Sigma: stddev, Src: src},
		min:  min,
		max:  max,
	}
}

func (d *NormalLengths) Draw() int {
	if d.min >= d.max {
		return atLeastOne(d.min)
	}
	v := math.Round(d.dist.Rand())
	v = math.Min(float64(d.max), math.Max(float64(d.min), v))
	return atLeastOne(int(v))
}

// ExpLengths draws token counts from an exponential distribution with the
// given mean.
type ExpLengths struct {
	dist distuv.Exponential
}

// NewExpLengths builds an exponential length distribution. A non-positive
// mean degrades to a mean of one token.
func NewExpLengths(mean float64, src rand.Source) *ExpLengths {
	if mean <= 0 {
		mean = 1
	}
	return &ExpLengths{dist: distuv.Exponential{Rate: 1 / mean, Src: src}}
}

func (d *ExpLengths) Draw() int {
	return atLeastOne(int(math.Round(d.dist.Rand())))
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// NewWorkloadSource returns the deterministic random source for a seed.
// The generator and its length distributions share it, so draws interleave
// reproducibly.
func NewWorkloadSource(seed int64) rand.Source {
	return rand.NewPCG(uint64(seed), uint64(seed)+1)
}

// WorkloadGenerator produces synthetic requests with drawn prompt and
// output lengths and Poisson inter-arrival gaps.
type WorkloadGenerator struct {
	rng           *rand.Rand
	promptLengths TokenLengthDist
	outputLengths TokenLengthDist
	vocabSize     int
	interarrival  distuv.Exponential
	rate          float64
}

// NewWorkloadGenerator builds a generator over src. rate <= 0 disables
// arrival gaps.
func NewWorkloadGenerator(src rand.Source, prompts, outputs TokenLengthDist, vocabSize int, rate float64) *WorkloadGenerator {
	g := &WorkloadGenerator{
		rng:           rand.New(src),
		promptLengths: prompts,
		outputLengths: outputs,
		vocabSize:     vocabSize,
		rate:          rate,
	}
	if rate > 0 {
		g.interarrival = distuv.Exponential{Rate: rate, Src: src}
	}
	return g
}

// Generate returns n requests with ids bench-0..bench-n-1.
func (g *WorkloadGenerator) Generate(n int) []*Request {
	reqs := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		prompt := make([]int, g.promptLengths.Draw())
		for j := range prompt {
			prompt[j] = g.rng.IntN(g.vocabSize)
		}
		req := NewRequest(fmt.Sprintf("bench-%d", i), prompt, g.outputLengths.Draw())
		reqs = append(reqs, req)
	}
	return reqs
}

// NextArrivalGap draws a Poisson-process inter-arrival gap, zero when the
// generator has no rate.
func (g *WorkloadGenerator) NextArrivalGap() time.Duration {
	if g.rate <= 0 {
		return 0
	}
	return time.Duration(g.interarrival.Rand() * float64(time.Second))
}
