// engine/engine.go
//
// Engine drives the whole pipeline on a single goroutine: admit pending
// requests, run the prefill batch, run the decode batch, sample and stream
// tokens, and release KV on terminal transitions. Any number of ingress
// goroutines may submit concurrently; only the engine goroutine mutates
// per-request execution state.

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Engine composes Scheduler + KVCache + Backend + Sampler.
type Engine struct {
	backend   Backend
	scheduler *Scheduler
	cache     *KVCache
	tokenizer Tokenizer
	cfg       EngineConfig

	stats     *EngineStats
	samplers  map[string]*Sampler
	responses map[string]*Response

	// OnResponse, when set before Run, receives the Response of each request
	// admitted to the KV cache at its terminal transition. A request that
	// fails KV admission has no Response. Invoked on the engine goroutine.
	OnResponse func(*Response)

	paused      atomic.Bool
	running     atomic.Bool
	initialized bool
}

// NewEngine wires the engine to its collaborators. Initialize must succeed
// before Run.
func NewEngine(backend Backend, scheduler *Scheduler, cache *KVCache, cfg EngineConfig) *Engine {
	return &Engine{
		backend:   backend,
		scheduler: scheduler,
		cache:     cache,
		cfg:       cfg.withDefaults(),
		stats:     NewEngineStats(),
		samplers:  make(map[string]*Sampler),
		responses: make(map[string]*Response),
	}
}

// SetTokenizer attaches the optional tokenizer. Stop-string detection and
// text streaming stay disabled without one.
func (e *Engine) SetTokenizer(t Tokenizer) { e.tokenizer = t }

// Initialize checks structural invariants and warms up the backend and
// cache. A failure here aborts startup; the main loop itself never aborts.
func (e *Engine) Initialize() error {
	if e.backend == nil || e.scheduler == nil || e.cache == nil {
		return fmt.Errorf("%w: engine requires backend, scheduler, and cache", ErrInvalidConfig)
	}
	if !e.backend.IsLoaded() {
		return fmt.Errorf("%w: backend reports not loaded", ErrInvalidConfig)
	}
	e.backend.Warmup()
	e.cache.Warmup()
	e.initialized = true
	logrus.Info("Engine: initialized")
	return nil
}

// Stats returns the engine's counters.
func (e *Engine) Stats() *EngineStats { return e.stats }

// Scheduler returns the scheduler for ingress submission.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Pause makes the main loop exit after the current tick.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume clears the pause flag; a paused engine must be Run again.
func (e *Engine) Resume() { e.paused.Store(false) }

// IsRunning reports whether the main loop is active.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Run executes the main loop until no work remains, the engine is paused,
// or ctx is cancelled. It is the caller's job to run this on exactly one
// goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.initialized {
		if err := e.Initialize(); err != nil {
			return err
		}
	}
	e.running.Store(true)
	defer e.running.Store(false)

	for e.scheduler.HasWork() && !e.paused.Load() {
		select {
		case <-ctx.Done():
			logrus.Info("Engine: context cancelled, stopping")
			return ctx.Err()
		default:
		}

		e.step()

		// Bounded back-off when the tick drained everything; submissions
		// racing in during the sleep are picked up by the next iteration.
		if !e.scheduler.HasWork() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.IdleBackoff):
			}
		}
	}
	logrus.Debug("Engine: main loop exited")
	return nil
}

// step runs one engine iteration.
func (e *Engine) step() {
	e.scheduler.AcceptNewRequests()

	if prefill := e.scheduler.BuildPrefillBatch(); !prefill.Empty() {
		e.processPrefill(prefill)
	}
	if decode := e.scheduler.BuildDecodeBatch(); !decode.Empty() {
		e.processDecode(decode)
	}
	e.cleanup()
}

// processPrefill admits each request into the KV cache, runs the backend
// prefill over the admitted sub-batch, and transitions survivors to
// Decoding. The first decode step, not prefill, produces a request's first
// generated token.
func (e *Engine) processPrefill(batch *Batch) {
	admitted := &Batch{IsPrefill: true}
	var flat []int
	for _, req := range batch.Requests {
		if e.admitToCache(req) {
			admitted.Add(req, req.PromptLength())
			flat = append(flat, req.PromptTokens...)
		}
	}
	if admitted.Empty() {
		return
	}

	if _, err := e.callPrefill(admitted, flat); err != nil {
		logrus.Errorf("Engine: prefill failed: %v", err)
		e.failBatch(admitted, err)
		return
	}
	for _, req := range admitted.Requests {
		e.scheduler.MarkRequestReady(req.ID)
	}
	e.stats.addStep(admitted.BatchSize)
}

// admitToCache reserves KV for a request's prompt, evicting once when
// configured to. On failure the request is failed with a capacity stop and
// the rest of the batch proceeds.
func (e *Engine) admitToCache(req *Request) bool {
	if e.cache.AllocateFor(req.ID, req.PromptLength()) {
		e.trackAdmitted(req)
		return true
	}
	if e.cfg.EnableEviction && e.evictOldestDecoding() {
		if e.cache.AllocateFor(req.ID, req.PromptLength()) {
			e.trackAdmitted(req)
			return true
		}
	}
	logrus.Warnf("Engine: kv admission failed for %s (%d prompt tokens)", req.ID, req.PromptLength())
	e.failRequest(req, ReasonCapacity, "kv cache allocation failed")
	return false
}

// evictOldestDecoding frees the oldest decoding request that already holds
// a generated token. Returns whether a victim was reclaimed; a single
// eviction per admission keeps forward progress guaranteed.
func (e *Engine) evictOldestDecoding() bool {
	victim := e.scheduler.OldestActiveDecoding()
	if victim == nil {
		return false
	}
	logrus.Warnf("Engine: evicting %s to reclaim kv blocks", victim.ID)
	e.failRequest(victim, ReasonEvicted, "evicted to reclaim kv blocks")
	return true
}

func (e *Engine) trackAdmitted(req *Request) {
	if _, ok := e.responses[req.ID]; ok {
		return
	}
	resp := NewResponse(req.ID)
	resp.InputTokenCount = req.PromptLength()
	resp.StartTimeNs = time.Now().UnixNano()
	e.responses[req.ID] = resp
}

// processDecode runs one forward pass for every decoding request and emits
// one token per row, in row order.
func (e *Engine) processDecode(batch *Batch) {
	last := make([]int, batch.BatchSize)
	for i, req := range batch.Requests {
		// Seed the first decode with the final prompt token.
		tok, ok := req.LastToken()
		if !ok {
			logrus.Warnf("Engine: %s has no seed token, using 0", req.ID)
		}
		last[i] = tok
	}

	logits, err := e.callDecode(batch, last)
	if err != nil {
		logrus.Errorf("Engine: decode failed: %v", err)
		e.failBatch(batch, err)
		return
	}
	if len(logits.Shape) != 2 || logits.Shape[0] < batch.BatchSize {
		e.failBatch(batch, fmt.Errorf("%w: logits shape %v for batch of %d",
			ErrBackendFailure, logits.Shape, batch.BatchSize))
		return
	}

	for i, req := range batch.Requests {
		e.emitToken(req, logits.Row(i))
	}
	e.stats.addStep(batch.BatchSize)
}

// emitToken samples, records, streams, and applies the termination rules
// for one request at one decode step.
func (e *Engine) emitToken(req *Request, row []float32) {
	// Cancellation observed before producing the next token.
	if req.IsCancelled() {
		e.finishRequest(req, ReasonCancelled)
		return
	}

	token := e.sampleFor(req, row)
	req.AddGeneratedToken(token)
	e.stats.addToken()

	var piece string
	if e.tokenizer != nil {
		piece = e.tokenizer.Decode([]int{token})
	}
	if resp, ok := e.responses[req.ID]; ok {
		resp.AddToken(token)
		resp.AppendText(piece)
	}
	kvOK := e.cache.AppendToken(req.ID)

	if req.Streaming {
		req.NotifyToken(token, false)
	}

	switch {
	case req.HasStopToken(token):
		e.finishRequest(req, ReasonStopToken)
	case e.stopStringHit(req):
		e.finishRequest(req, ReasonStopString)
	case e.cfg.EOSTokenID >= 0 && token == e.cfg.EOSTokenID:
		e.finishRequest(req, ReasonEOS)
	case req.GeneratedLength() >= req.MaxTokens:
		e.finishRequest(req, ReasonMaxTokens)
	case !kvOK:
		logrus.Warnf("Engine: %s exhausted its kv capacity", req.ID)
		e.finishRequest(req, ReasonCapacity)
	}
}

// sampleFor picks the next token via the backend's device-side sampler when
// available, and the core Sampler otherwise. Any sampling fault falls back
// to token id 0.
func (e *Engine) sampleFor(req *Request, row []float32) int {
	if ts, ok := e.backend.(TokenSampler); ok {
		token, err := ts.SampleToken(row, req.Sampling)
		if err == nil && token >= 0 && token < len(row) {
			return token
		}
		logrus.Errorf("Engine: backend sampler failed for %s: %v", req.ID, err)
		return 0
	}

	s, ok := e.samplers[req.ID]
	if !ok {
		var err error
		s, err = NewSampler(req.Sampling)
		if err != nil {
			logrus.Errorf("Engine: sampler construction failed for %s: %v", req.ID, err)
			return 0
		}
		e.samplers[req.ID] = s
	}
	token := s.SampleToken(row, req.GeneratedTokens)
	if token < 0 || token >= len(row) {
		logrus.Errorf("Engine: sampler returned out-of-range token %d for %s", token, req.ID)
		return 0
	}
	return token
}

// stopStringHit scans the tail of the decoded generation for the request's
// stop string. Requires an attached tokenizer.
func (e *Engine) stopStringHit(req *Request) bool {
	if e.tokenizer == nil || req.StopString == "" {
		return false
	}
	window := len(req.StopString) + 8
	tail := req.GeneratedTokens
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	return strings.Contains(e.tokenizer.Decode(tail), req.StopString)
}

// finishRequest transitions a request to Finished, fires the final
// callback, and publishes its response. KV release happens in cleanup.
func (e *Engine) finishRequest(req *Request, reason FinishReason) {
	req.FinishReason = reason
	e.scheduler.MarkRequestFinished(req.ID)

	now := time.Now().UnixNano()
	e.stats.addCompleted(float64(now-req.ArrivalTime) / 1e6)
	if resp, ok := e.responses[req.ID]; ok {
		resp.Finished = true
		resp.FinishReason = reason
		resp.EndTimeNs = now
		if e.OnResponse != nil {
			e.OnResponse(resp)
		}
	}

	last, _ := req.LastToken()
	req.NotifyToken(last, true)
	logrus.Debugf("Engine: %s finished (%s) after %d tokens", req.ID, reason, req.GeneratedLength())
}

// failRequest transitions a request to Failed and releases its KV
// immediately so eviction can reuse the blocks within the same tick.
func (e *Engine) failRequest(req *Request, reason FinishReason, msg string) {
	req.SetError(msg)
	req.FinishReason = reason
	e.scheduler.MarkRequestFailed(req.ID)
	e.stats.addFailed()
	e.cache.FreeFor(req.ID)
	delete(e.samplers, req.ID)

	if resp, ok := e.responses[req.ID]; ok {
		resp.ErrorMessage = msg
		resp.FinishReason = reason
		resp.Finished = true
		resp.EndTimeNs = time.Now().UnixNano()
		if e.OnResponse != nil {
			e.OnResponse(resp)
		}
	}

	last, _ := req.LastToken()
	req.NotifyToken(last, true)
	logrus.Debugf("Engine: %s failed (%s): %s", req.ID, reason, msg)
}

// failBatch applies backend-failure handling to every member of a batch.
func (e *Engine) failBatch(batch *Batch, err error) {
	e.stats.addBackendFailure()
	for _, req := range batch.Requests {
		if req.IsTerminal() {
			continue
		}
		e.failRequest(req, ReasonError, err.Error())
	}
}

// cleanup releases resources of every terminal request and drops them from
// the scheduler's finished list.
func (e *Engine) cleanup() {
	for _, req := range e.scheduler.TakeFinished() {
		e.cache.FreeFor(req.ID)
		delete(e.samplers, req.ID)
		delete(e.responses, req.ID)
	}
}

// callPrefill invokes the backend with panic containment: a panicking
// backend becomes an ErrBackendFailure instead of taking down the loop.
func (e *Engine) callPrefill(batch *Batch, flat []int) (t *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("%w: prefill panic: %v", ErrBackendFailure, r)
		}
	}()
	t, err = e.backend.Prefill(batch, flat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: prefill returned nil logits", ErrBackendFailure)
	}
	return t, nil
}

func (e *Engine) callDecode(batch *Batch, last []int) (t *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("%w: decode panic: %v", ErrBackendFailure, r)
		}
	}()
	t, err = e.backend.Decode(batch, last)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: decode returned nil logits", ErrBackendFailure)
	}
	return t, nil
}
