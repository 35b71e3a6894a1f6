// engine/backend.go
//
// Backend is the contract the model backend must satisfy. The engine treats
// it as an opaque collaborator: it may wrap an accelerator library, run on
// CPU, or be the deterministic stub used throughout the test suite.

package engine

import (
	"fmt"
	"sync"
)

// Backend is the capability set the engine drives. Prefill consumes whole
// prompts and populates KV state; Decode reuses it to emit one token per
// request. Both return logits shaped [batch.BatchSize, VocabSize()] with
// rows aligned to batch.Requests order.
type Backend interface {
	IsLoaded() bool
	Warmup()
	Prefill(batch *Batch, flatTokenIDs []int) (*Tensor, error)
	Decode(batch *Batch, lastTokenIDs []int) (*Tensor, error)
	HiddenSize() int
	NumLayers() int
	VocabSize() int
}

// TokenSampler is the optional backend capability for device-side sampling.
// When a backend implements it, the engine uses it instead of the core
// Sampler.
type TokenSampler interface {
	SampleToken(logits []float32, params SamplingParams) (int, error)
}

// StubBackend is a deterministic CPU backend for tests and the demo CLI.
// Decode row i places its maximum logit at (i + step*Stride) mod vocab,
// unless ScriptedTokens pins the argmax for every row of a given step.
type StubBackend struct {
	mu sync.Mutex

	vocabSize  int
	hiddenSize int
	numLayers  int

	// Stride advances the argmax position every decode step. Zero keeps
	// row i's argmax at i mod vocab on every step.
	Stride int

	// ScriptedTokens, when non-empty, forces step s to emit
	// ScriptedTokens[min(s, len-1)] for every row.
	ScriptedTokens []int

	// FailPrefills and FailDecodes make the next n calls return an error.
	FailPrefills int
	FailDecodes  int

	// PanicOnDecode makes the next Decode panic, exercising the engine's
	// recover path.
	PanicOnDecode bool

	decodeSteps  int
	prefillCalls int
}

// NewStubBackend creates a stub with the given dimensions.
func NewStubBackend(vocabSize, hiddenSize, numLayers int) *StubBackend {
	return &StubBackend{
		vocabSize:  vocabSize,
		hiddenSize: hiddenSize,
		numLayers:  numLayers,
	}
}

func (b *StubBackend) IsLoaded() bool { return true }
func (b *StubBackend) Warmup()        {}
func (b *StubBackend) HiddenSize() int { return b.hiddenSize }
func (b *StubBackend) NumLayers() int  { return b.numLayers }
func (b *StubBackend) VocabSize() int  { return b.vocabSize }

// PrefillCalls returns how many prefill passes have run.
func (b *StubBackend) PrefillCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefillCalls
}

// DecodeSteps returns how many decode passes have run.
func (b *StubBackend) DecodeSteps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodeSteps
}

// Prefill returns final-position logits for each prompt. The stub does no
// real attention; it only honors the shape and row-alignment contract.
func (b *StubBackend) Prefill(batch *Batch, flatTokenIDs []int) (*Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailPrefills > 0 {
		b.FailPrefills--
		return nil, fmt.Errorf("stub prefill fault injected")
	}
	b.prefillCalls++
	return b.logitsLocked(batch.BatchSize, 0), nil
}

// Decode emits one row of logits per request.
func (b *StubBackend) Decode(batch *Batch, lastTokenIDs []int) (*Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PanicOnDecode {
		b.PanicOnDecode = false
		panic("stub decode panic injected")
	}
	if b.FailDecodes > 0 {
		b.FailDecodes--
		return nil, fmt.Errorf("stub decode fault injected")
	}
	step := b.decodeSteps
	b.decodeSteps++
	return b.logitsLocked(batch.BatchSize, step), nil
}

func (b *StubBackend) logitsLocked(batchSize, step int) *Tensor {
	t := NewTensor(batchSize, b.vocabSize)
	for i := 0; i < batchSize; i++ {
		row := t.Row(i)
		var peak int
		if len(b.ScriptedTokens) > 0 {
			s := step
			if s >= len(b.ScriptedTokens) {
				s = len(b.ScriptedTokens) - 1
			}
			peak = b.ScriptedTokens[s] % b.vocabSize
		} else {
			peak = (i + step*b.Stride) % b.vocabSize
		}
		for j := range row {
			row[j] = -1
		}
		row[peak] = 1
	}
	return t
}
