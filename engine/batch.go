// engine/batch.go
//
// Defines the Batch struct representing the group of requests that goes into
// the backend for one forward pass. A batch is ephemeral: the scheduler
// rebuilds it every engine iteration.

package engine

// Batch groups requests that share a single phase. During prefill,
// SequenceLengths holds prompt lengths; during decode, generated length + 1.
type Batch struct {
	Requests        []*Request
	SequenceLengths []int
	IsPrefill       bool
	BatchSize       int
}

// Empty reports whether the batch contains no requests.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Requests) == 0
}

// Add appends a request with its sequence length.
func (b *Batch) Add(r *Request, seqLen int) {
	b.Requests = append(b.Requests, r)
	b.SequenceLengths = append(b.SequenceLengths, seqLen)
	b.BatchSize++
}
