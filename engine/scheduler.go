// engine/scheduler.go
//
// Scheduler accepts submissions from any goroutine, admits requests into the
// active set up to maxBatchSize, and assembles the per-iteration prefill and
// decode batches. A single mutex serializes all access; admission is FIFO
// and admitted requests run to completion.

package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Scheduler owns the request queues and the scheduling-relevant state
// transitions. Batch assembly methods are invoked only by the engine
// goroutine; Submit is safe from anywhere.
type Scheduler struct {
	mu sync.Mutex

	pending  *WaitQueue
	active   []*Request
	finished []*Request

	maxBatchSize int
}

// NewScheduler creates a scheduler admitting at most maxBatchSize requests.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("%w: max_batch_size %d < 1", ErrInvalidConfig, cfg.MaxBatchSize)
	}
	return &Scheduler{
		pending:      &WaitQueue{},
		maxBatchSize: cfg.MaxBatchSize,
	}, nil
}

// Submit validates and enqueues a request. Nil requests and invalid sampling
// parameters are rejected with an error; the call never blocks on the
// engine.
func (s *Scheduler) Submit(r *Request) error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidConfig)
	}
	if err := r.Sampling.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.State = StatePending
	s.pending.Enqueue(r)
	logrus.Debugf("Scheduler: queued %s", r.ID)
	return nil
}

// HasWork reports whether any request is pending or active.
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() > 0 || len(s.active) > 0
}

// HasPending reports whether the wait queue is non-empty.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() > 0
}

// NumActive returns the size of the active set.
func (s *Scheduler) NumActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// MaxBatchSize returns the admission cap.
func (s *Scheduler) MaxBatchSize() int { return s.maxBatchSize }

// AcceptNewRequests drains the wait queue into the active set until the set
// holds maxBatchSize requests, transitioning each admission to Prefilling.
// Only the engine goroutine calls this.
func (s *Scheduler) AcceptNewRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending.Len() > 0 && len(s.active) < s.maxBatchSize {
		r := s.pending.Dequeue()
		r.State = StatePrefilling
		s.active = append(s.active, r)
		logrus.Debugf("Scheduler: admitted %s (active=%d)", r.ID, len(s.active))
	}
}

// BuildPrefillBatch collects up to maxBatchSize Prefilling requests, ordered
// ascending by prompt length. Shortest-first is part of the contract: it
// stabilizes time-to-first-token. Ties break by arrival time, then id.
func (s *Scheduler) BuildPrefillBatch() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &Batch{IsPrefill: true}
	candidates := make([]*Request, 0, len(s.active))
	for _, r := range s.active {
		if r.State == StatePrefilling {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].PromptLength(), candidates[j].PromptLength()
		if li != lj {
			return li < lj
		}
		if candidates[i].ArrivalTime != candidates[j].ArrivalTime {
			return candidates[i].ArrivalTime < candidates[j].ArrivalTime
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, r := range candidates {
		if batch.BatchSize >= s.maxBatchSize {
			break
		}
		batch.Add(r, r.PromptLength())
	}
	return batch
}

// BuildDecodeBatch collects up to maxBatchSize Decoding requests, ordered
// ascending by generated length to minimize latency variance. Sequence
// length is generated length + 1 (the token about to be produced).
func (s *Scheduler) BuildDecodeBatch() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &Batch{IsPrefill: false}
	candidates := make([]*Request, 0, len(s.active))
	for _, r := range s.active {
		if r.State == StateDecoding {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].GeneratedLength(), candidates[j].GeneratedLength()
		if li != lj {
			return li < lj
		}
		if candidates[i].ArrivalTime != candidates[j].ArrivalTime {
			return candidates[i].ArrivalTime < candidates[j].ArrivalTime
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, r := range candidates {
		if batch.BatchSize >= s.maxBatchSize {
			break
		}
		batch.Add(r, r.GeneratedLength()+1)
	}
	return batch
}

// MarkRequestReady transitions Prefilling -> Decoding. A request in any
// other state is left alone.
func (s *Scheduler) MarkRequestReady(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.active {
		if r.ID == requestID {
			if r.State == StatePrefilling {
				r.State = StateDecoding
			}
			return
		}
	}
}

// MarkRequestFinished moves the request from active to finished.
func (s *Scheduler) MarkRequestFinished(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeActiveLocked(requestID, StateFinished)
}

// MarkRequestFailed moves the request from active to finished with the
// Failed state so it stays observable until RemoveFinished.
func (s *Scheduler) MarkRequestFailed(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeActiveLocked(requestID, StateFailed)
}

func (s *Scheduler) removeActiveLocked(requestID string, terminal RequestState) {
	for i, r := range s.active {
		if r.ID == requestID {
			r.State = terminal
			s.active = append(s.active[:i], s.active[i+1:]...)
			s.finished = append(s.finished, r)
			return
		}
	}
}

// GetRequest searches active then finished.
func (s *Scheduler) GetRequest(requestID string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.active {
		if r.ID == requestID {
			return r
		}
	}
	for _, r := range s.finished {
		if r.ID == requestID {
			return r
		}
	}
	return nil
}

// TakeFinished returns the terminal requests and clears the finished list.
// The engine drains this after streaming callbacks have fired so KV release
// happens exactly once per request.
func (s *Scheduler) TakeFinished() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := s.finished
	s.finished = nil
	return done
}

// RemoveFinished drops the finished list.
func (s *Scheduler) RemoveFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = nil
}

// OldestActiveDecoding returns the earliest-admitted Decoding request with
// at least one generated token, or nil. Used by the eviction path: a request
// that has never received its first decoded token is never an eviction
// victim.
func (s *Scheduler) OldestActiveDecoding() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.active {
		if r.State == StateDecoding && r.GeneratedLength() >= 1 {
			return r
		}
	}
	return nil
}
