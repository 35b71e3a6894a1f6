// engine/sampler.go
//
// Sampler converts one row of logits plus SamplingParams and the request's
// generation history into a token id. The pipeline order is fixed:
// repetition penalty, greedy override, temperature, then strategy routing.
//
// Numerical rules: the maximum logit of the current candidate set is
// subtracted before any exp, shifted logits are clamped to [-1e9, 1e9], and
// a non-positive or non-finite probability sum falls back to greedy argmax
// over the current set.

package engine

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

const (
	minShiftedLogit = -1e9
	maxShiftedLogit = 1e9
)

// Sampler applies the sampling pipeline. One instance owns one RNG; sharing
// a sampler across goroutines is unsupported.
type Sampler struct {
	params SamplingParams
	rng    *rand.Rand
}

// NewSampler validates params and seeds the generator from params.Seed.
func NewSampler(params SamplingParams) (*Sampler, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		params: params,
		rng:    newRNG(params.Seed),
	}, nil
}

// Params returns the current parameters.
func (s *Sampler) Params() SamplingParams { return s.params }

// SetParams replaces the parameters and reseeds.
func (s *Sampler) SetParams(params SamplingParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params
	s.rng = newRNG(params.Seed)
	return nil
}

// SetSeed reseeds the generator. seed >= 0 is deterministic; -1 draws fresh
// entropy.
func (s *Sampler) SetSeed(seed int64) {
	s.params.Seed = seed
	s.rng = newRNG(seed)
}

// SampleToken runs the pipeline on a single logits row. The returned index
// always lies in [0, len(logits)).
func (s *Sampler) SampleToken(logits []float32, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	w := make([]float64, len(logits))
	for i, v := range logits {
		w[i] = float64(v)
	}

	if s.params.RepetitionPenalty > 1 && len(history) > 0 {
		applyRepetitionPenalty(w, history, float64(s.params.RepetitionPenalty))
	}

	// DoSample forces greedy, as does the trivial top-k=1/top-p=1 combination.
	if s.params.DoSample || (s.params.TopK == 1 && s.params.TopP >= 1) {
		return floats.MaxIdx(w)
	}

	if t := float64(s.params.Temperature); t != 1 {
		if t <= 0 {
			return floats.MaxIdx(w)
		}
		floats.Scale(1/t, w)
	}

	switch {
	case s.params.TopK > 1 && s.params.TopP < 1:
		return s.topKPSample(w)
	case s.params.TopK > 1:
		return s.topKSample(w)
	case s.params.TopP < 1:
		return s.topPSample(w)
	default:
		return floats.MaxIdx(w)
	}
}

// SampleBatch samples every row of a [batch, vocab] logits tensor with
// per-row sequential semantics. histories may be nil or shorter than the
// batch; missing rows sample without history.
func (s *Sampler) SampleBatch(logits *Tensor, histories [][]int) []int {
	if logits == nil || len(logits.Shape) != 2 {
		return nil
	}
	tokens := make([]int, logits.Shape[0])
	for i := range tokens {
		var history []int
		if i < len(histories) {
			history = histories[i]
		}
		tokens[i] = s.SampleToken(logits.Row(i), history)
	}
	return tokens
}

// applyRepetitionPenalty lowers the logits of repeated tokens: positive
// logits are divided by the penalty (shrinking toward zero), negative ones
// multiplied (growing more negative); zero stays zero.
func applyRepetitionPenalty(w []float64, history []int, penalty float64) {
	seen := make(map[int]struct{}, len(history))
	for _, t := range history {
		if t >= 0 && t < len(w) {
			seen[t] = struct{}{}
		}
	}
	for t := range seen {
		if w[t] > 0 {
			w[t] /= penalty
		} else {
			w[t] *= penalty
		}
	}
}

// scored pairs a logit (or probability) with its vocabulary index.
type scored struct {
	val float64
	idx int
}

// scoredMinHeap keeps the k best candidates; the root is the worst kept
// entry. Equal values rank the larger index as worse, so ties resolve to
// the smaller index.
type scoredMinHeap []scored

func (h scoredMinHeap) Len() int { return len(h) }
func (h scoredMinHeap) Less(i, j int) bool {
	if h[i].val != h[j].val {
		return h[i].val < h[j].val
	}
	return h[i].idx > h[j].idx
}
func (h scoredMinHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scoredMinHeap) Push(x any)   { *h = append(*h, x.(scored)) }
func (h *scoredMinHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topKSelect returns the k largest entries sorted descending, ties broken by
// smaller index. k is clamped to the vocabulary size.
func topKSelect(w []float64, k int) []scored {
	if k > len(w) {
		k = len(w)
	}
	h := make(scoredMinHeap, 0, k)
	heap.Init(&h)
	for i, v := range w {
		cand := scored{val: v, idx: i}
		if len(h) < k {
			heap.Push(&h, cand)
			continue
		}
		worst := h[0]
		if cand.val > worst.val || (cand.val == worst.val && cand.idx < worst.idx) {
			h[0] = cand
			heap.Fix(&h, 0)
		}
	}
	result := []scored(h)
	sort.Slice(result, func(i, j int) bool {
		if result[i].val != result[j].val {
			return result[i].val > result[j].val
		}
		return result[i].idx < result[j].idx
	})
	return result
}

// softmaxSet exponentiates the candidate values in place after max-subtract
// and clamping, returning the probability sum. Candidates must be sorted
// descending so cand[0] carries the maximum.
func softmaxSet(cands []scored) float64 {
	if len(cands) == 0 {
		return 0
	}
	maxVal := cands[0].val
	sum := 0.0
	for i := range cands {
		shifted := math.Min(math.Max(cands[i].val-maxVal, minShiftedLogit), maxShiftedLogit)
		cands[i].val = math.Exp(shifted)
		sum += cands[i].val
	}
	return sum
}

func degenerate(sum float64) bool {
	return sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0)
}

// topKSample softmaxes the k largest logits and draws one.
func (s *Sampler) topKSample(w []float64) int {
	cands := topKSelect(w, s.params.TopK)
	sum := softmaxSet(cands)
	if degenerate(sum) {
		logrus.Warnf("Sampler: degenerate top-k distribution, falling back to greedy")
		return cands[0].idx
	}
	return cands[s.categorical(cands, sum)].idx
}

// topPSample softmaxes the full vocabulary, sorts descending, and keeps the
// shortest prefix whose cumulative probability reaches p. The boundary token
// is included.
func (s *Sampler) topPSample(w []float64) int {
	cands := make([]scored, len(w))
	maxVal := floats.Max(w)
	sum := 0.0
	for i, v := range w {
		shifted := math.Min(math.Max(v-maxVal, minShiftedLogit), maxShiftedLogit)
		p := math.Exp(shifted)
		cands[i] = scored{val: p, idx: i}
		sum += p
	}
	if degenerate(sum) {
		logrus.Warnf("Sampler: degenerate softmax, falling back to greedy")
		return floats.MaxIdx(w)
	}
	for i := range cands {
		cands[i].val /= sum
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].val != cands[j].val {
			return cands[i].val > cands[j].val
		}
		return cands[i].idx < cands[j].idx
	})

	target := float64(s.params.TopP)
	cum := 0.0
	nucleus := cands[:0:0]
	for _, c := range cands {
		cum += c.val
		nucleus = append(nucleus, c)
		if cum >= target {
			break
		}
	}
	nucSum := 0.0
	for _, c := range nucleus {
		nucSum += c.val
	}
	if degenerate(nucSum) {
		return cands[0].idx
	}
	return nucleus[s.categorical(nucleus, nucSum)].idx
}

// topKPSample applies top-k first, then keeps the longest prefix of the
// top-k probabilities whose cumulative mass stays within p, falling back to
// the full top-k set when the prefix is empty.
func (s *Sampler) topKPSample(w []float64) int {
	cands := topKSelect(w, s.params.TopK)
	sum := softmaxSet(cands)
	if degenerate(sum) {
		logrus.Warnf("Sampler: degenerate top-k distribution, falling back to greedy")
		return cands[0].idx
	}
	for i := range cands {
		cands[i].val /= sum
	}

	target := float64(s.params.TopP)
	cum := 0.0
	cut := 0
	for _, c := range cands {
		cum += c.val
		if cum > target {
			break
		}
		cut++
	}
	filtered := cands
	if cut > 0 {
		filtered = cands[:cut]
	}
	fSum := 0.0
	for _, c := range filtered {
		fSum += c.val
	}
	if degenerate(fSum) {
		return cands[0].idx
	}
	return filtered[s.categorical(filtered, fSum)].idx
}

// categorical draws an index into cands by inverse transform over their
// (possibly unnormalized) weights.
func (s *Sampler) categorical(cands []scored, sum float64) int {
	u := s.rng.Float64() * sum
	cum := 0.0
	for i, c := range cands {
		cum += c.val
		if u < cum {
			return i
		}
	}
	return len(cands) - 1
}
