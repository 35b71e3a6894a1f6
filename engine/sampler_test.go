package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greedyParams() SamplingParams {
	p := DefaultSamplingParams()
	p.Seed = 1
	return p
}

func mustSampler(t *testing.T, p SamplingParams) *Sampler {
	t.Helper()
	s, err := NewSampler(p)
	require.NoError(t, err)
	return s
}

func TestNewSampler_RejectsInvalidParams(t *testing.T) {
	p := DefaultSamplingParams()
	p.Temperature = -1
	_, err := NewSampler(p)
	assert.ErrorIs(t, err, ErrInvalidSamplingParams)

	p = DefaultSamplingParams()
	p.TopP = 1.5
	_, err = NewSampler(p)
	assert.ErrorIs(t, err, ErrInvalidSamplingParams)

	p = DefaultSamplingParams()
	p.RepetitionPenalty = 0.5
	_, err = NewSampler(p)
	assert.ErrorIs(t, err, ErrInvalidSamplingParams)
}

func TestSampleToken_GreedyPicksArgmax(t *testing.T) {
	s := mustSampler(t, greedyParams())
	token := s.SampleToken([]float32{0.1, 3.5, -2, 3.4}, nil)
	assert.Equal(t, 1, token)
}

func TestSampleToken_AllEqualLogits_LowestIndex(t *testing.T) {
	s := mustSampler(t, greedyParams())
	token := s.SampleToken([]float32{1, 1, 1, 1}, nil)
	assert.Equal(t, 0, token)
}

func TestSampleToken_DoSampleForcesGreedy(t *testing.T) {
	p := DefaultSamplingParams()
	p.DoSample = true
	p.TopK = 50
	p.TopP = 0.9
	p.Seed = 1
	s := mustSampler(t, p)
	token := s.SampleToken([]float32{0, 5, 1}, nil)
	assert.Equal(t, 1, token)
}

func TestSampleToken_EmptyLogits(t *testing.T) {
	s := mustSampler(t, greedyParams())
	assert.Equal(t, 0, s.SampleToken(nil, nil))
}

func TestSampleToken_Deterministic(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 4
	p.Temperature = 0.8
	p.Seed = 7
	logits := []float32{1, 2, 3, 4, 5, 4, 3, 2}
	history := []int{4, 4, 1}

	a := mustSampler(t, p)
	b := mustSampler(t, p)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.SampleToken(logits, history), b.SampleToken(logits, history))
	}
}

func TestSetSeed_ReproducesStream(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 8
	p.Seed = 3
	s := mustSampler(t, p)
	logits := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	first := make([]int, 10)
	for i := range first {
		first[i] = s.SampleToken(logits, nil)
	}
	s.SetSeed(3)
	for i := range first {
		assert.Equal(t, first[i], s.SampleToken(logits, nil))
	}
}

func TestRepetitionPenalty_Asymmetry(t *testing.T) {
	p := DefaultSamplingParams()
	p.RepetitionPenalty = 2.0
	p.Seed = 1
	s := mustSampler(t, p)

	// [2, -2] with both tokens in history becomes [1, -4]: positive
	// logits divide, non-positive multiply, so both logits drop, and the
	// positive side keeps the argmax.
	token := s.SampleToken([]float32{2, -2}, []int{0, 1})
	assert.Equal(t, 0, token)
}

func TestRepetitionPenalty_FlipsArgmax(t *testing.T) {
	p := DefaultSamplingParams()
	p.RepetitionPenalty = 2.0
	p.Seed = 1
	s := mustSampler(t, p)

	// Token 1 leads before the penalty (1.2 vs 1.0) and loses after
	// (0.6 vs 1.0).
	token := s.SampleToken([]float32{1.0, 1.2}, []int{1})
	assert.Equal(t, 0, token)
}

func TestRepetitionPenalty_IgnoredWithoutHistory(t *testing.T) {
	p := DefaultSamplingParams()
	p.RepetitionPenalty = 2.0
	p.Seed = 1
	s := mustSampler(t, p)
	token := s.SampleToken([]float32{1.0, 1.2}, nil)
	assert.Equal(t, 1, token)
}

func TestTemperatureZero_FallsBackToGreedy(t *testing.T) {
	p := DefaultSamplingParams()
	p.Temperature = 0
	p.TopK = 5
	p.Seed = 1
	s := mustSampler(t, p)
	token := s.SampleToken([]float32{1, 9, 2, 3, 4}, nil)
	assert.Equal(t, 1, token)
}

func TestTopK_SamplesWithinSet(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 3
	p.Seed = 11
	s := mustSampler(t, p)

	logits := []float32{0, 10, 9, 8, -5, 1, 2}
	for i := 0; i < 50; i++ {
		token := s.SampleToken(logits, nil)
		assert.Contains(t, []int{1, 2, 3}, token)
	}
}

func TestTopK_ClampsToVocab(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 100
	p.Seed = 5
	s := mustSampler(t, p)
	token := s.SampleToken([]float32{1, 2, 3}, nil)
	assert.GreaterOrEqual(t, token, 0)
	assert.Less(t, token, 3)
}

func TestTopKSelect_TiesPreferSmallerIndex(t *testing.T) {
	cands := topKSelect([]float64{5, 7, 7, 7, 1}, 2)
	require.Len(t, cands, 2)
	assert.Equal(t, 1, cands[0].idx)
	assert.Equal(t, 2, cands[1].idx)
}

func TestTopP_BoundaryTokenIncluded(t *testing.T) {
	// Softmax of these logits is [0.5, 0.3, 0.15, 0.05] up to rounding.
	// With p=0.75 the nucleus is exactly {0, 1}: index 1 is the boundary
	// token that pushes the cumulative mass over the threshold.
	logits := []float32{
		float32(math.Log(0.5)),
		float32(math.Log(0.3)),
		float32(math.Log(0.15)),
		float32(math.Log(0.05)),
	}
	p := DefaultSamplingParams()
	p.TopK = 0
	p.TopP = 0.75
	p.Seed = 9
	s := mustSampler(t, p)

	for i := 0; i < 50; i++ {
		token := s.SampleToken(logits, nil)
		assert.Contains(t, []int{0, 1}, token)
	}
}

func TestTopP_ExactFirstTokenMass(t *testing.T) {
	// Four equal logits give exactly 0.25 per token; p=0.25 must return
	// the lowest-indexed token with probability 1.
	p := DefaultSamplingParams()
	p.TopK = 0
	p.TopP = 0.25
	p.Seed = 13
	s := mustSampler(t, p)

	for i := 0; i < 20; i++ {
		assert.Equal(t, 0, s.SampleToken([]float32{2, 2, 2, 2}, nil))
	}
}

func TestTopP_Deterministic(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 0
	p.TopP = 0.9
	p.Seed = 21
	logits := []float32{3, 1, 2, 0.5, 2.5}

	a := mustSampler(t, p)
	b := mustSampler(t, p)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.SampleToken(logits, nil), b.SampleToken(logits, nil))
	}
}

func TestTopKP_CombinedFilter(t *testing.T) {
	p := DefaultSamplingParams()
	p.TopK = 3
	p.TopP = 0.95
	p.Seed = 17
	s := mustSampler(t, p)

	logits := []float32{0, 10, 9, 8, -5}
	for i := 0; i < 50; i++ {
		token := s.SampleToken(logits, nil)
		assert.Contains(t, []int{1, 2, 3}, token)
	}
}

func TestTopKP_EmptyPrefixFallsBackToFullSet(t *testing.T) {
	// The top-1 probability dwarfs p, so the <=p prefix is empty and the
	// sampler falls back to the full top-k set.
	p := DefaultSamplingParams()
	p.TopK = 3
	p.TopP = 0.01
	p.Seed = 19
	s := mustSampler(t, p)

	logits := []float32{20, 1, 0.5, 0.1}
	for i := 0; i < 20; i++ {
		token := s.SampleToken(logits, nil)
		assert.Contains(t, []int{0, 1, 2}, token)
	}
}

func TestSampleBatch_PerRowSemantics(t *testing.T) {
	s := mustSampler(t, greedyParams())
	logits := NewTensor(3, 4)
	copy(logits.Row(0), []float32{9, 0, 0, 0})
	copy(logits.Row(1), []float32{0, 9, 0, 0})
	copy(logits.Row(2), []float32{0, 0, 0, 9})

	tokens := s.SampleBatch(logits, nil)
	assert.Equal(t, []int{0, 1, 3}, tokens)
}

func TestSampleBatch_WithHistories(t *testing.T) {
	p := DefaultSamplingParams()
	p.RepetitionPenalty = 3.0
	p.Seed = 1
	s := mustSampler(t, p)

	logits := NewTensor(2, 2)
	copy(logits.Row(0), []float32{1.0, 1.2})
	copy(logits.Row(1), []float32{1.0, 1.2})

	tokens := s.SampleBatch(logits, [][]int{{1}, nil})
	assert.Equal(t, []int{0, 1}, tokens)
}

func TestSampleBatch_NilTensor(t *testing.T) {
	s := mustSampler(t, greedyParams())
	assert.Nil(t, s.SampleBatch(nil, nil))
}

func TestSampleToken_IndexAlwaysInRange(t *testing.T) {
	cases := []SamplingParams{
		{Temperature: 1, TopK: 1, TopP: 1, RepetitionPenalty: 1, Seed: 2},
		{Temperature: 0.5, TopK: 5, TopP: 1, RepetitionPenalty: 1.3, Seed: 2},
		{Temperature: 2, TopK: 0, TopP: 0.5, RepetitionPenalty: 1, Seed: 2},
		{Temperature: 0.7, TopK: 4, TopP: 0.6, RepetitionPenalty: 2, Seed: 2},
	}
	logits := []float32{-3, 0.5, 2, 2, -1, 0}
	history := []int{2, 3, 5}
	for _, params := range cases {
		s := mustSampler(t, params)
		for i := 0; i < 30; i++ {
			token := s.SampleToken(logits, history)
			assert.GreaterOrEqual(t, token, 0)
			assert.Less(t, token, len(logits))
		}
	}
}
