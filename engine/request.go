// engine/request.go
//
// Defines the Request struct that carries one generation work unit through
// the runtime, plus its SamplingParams. A request's prompt is canonical as a
// token sequence; PromptText is populated only when a tokenizer is in play.

package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RequestState represents the lifecycle state of a request.
// States only move forward; Finished and Failed are terminal.
type RequestState string

const (
	StatePending    RequestState = "pending"
	StatePrefilling RequestState = "prefilling"
	StateDecoding   RequestState = "decoding"
	StateFinished   RequestState = "finished"
	StateFailed     RequestState = "failed"
)

// TokenCallback is invoked by the engine goroutine on each emitted token of
// a Streaming request, and once on the terminal transition with
// finished=true whether or not the request streams. Callbacks must not block.
type TokenCallback func(token int, finished bool)

// SamplingParams are the logits-to-token knobs attached to a request.
// Zero values are not usable; construct with DefaultSamplingParams.
type SamplingParams struct {
	Temperature       float32 `yaml:"temperature"`
	TopK              int     `yaml:"top_k"`
	TopP              float32 `yaml:"top_p"`
	DoSample          bool    `yaml:"do_sample"`
	RepetitionPenalty float32 `yaml:"repetition_penalty"`
	Seed              int64   `yaml:"seed"` // -1 = fresh nondeterministic seed
}

// DefaultSamplingParams returns greedy decoding with no penalties.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:       1.0,
		TopK:              1,
		TopP:              1.0,
		DoSample:          false,
		RepetitionPenalty: 1.0,
		Seed:              -1,
	}
}

// Validate checks parameter ranges. Requests with invalid params are
// rejected at submission.
func (p SamplingParams) Validate() error {
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %v < 0", ErrInvalidSamplingParams, p.Temperature)
	}
	if p.TopK < 0 {
		return fmt.Errorf("%w: top_k %d < 0", ErrInvalidSamplingParams, p.TopK)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %v outside (0,1]", ErrInvalidSamplingParams, p.TopP)
	}
	if p.RepetitionPenalty < 1 {
		return fmt.Errorf("%w: repetition_penalty %v < 1", ErrInvalidSamplingParams, p.RepetitionPenalty)
	}
	return nil
}

// Request models a single generation request.
//
// Immutable after construction: ID, PromptTokens, PromptText, MaxTokens,
// Sampling, StopTokens, StopString, Streaming, ArrivalTime.
// Mutable execution state (engine goroutine only, serialized by the
// scheduler mutex where it matters): State, GeneratedTokens, ErrorMessage,
// FinishReason. The cancellation flag is the one field any goroutine may set.
type Request struct {
	ID           string
	PromptTokens []int
	PromptText   string
	MaxTokens    int
	Sampling     SamplingParams
	StopTokens   []int
	StopString   string
	Streaming    bool
	ArrivalTime  int64 // ns since epoch

	State           RequestState
	GeneratedTokens []int
	ErrorMessage    string
	FinishReason    FinishReason
	Callback        TokenCallback

	cancelled atomic.Bool
}

// NewRequest creates a pending request. An empty id is replaced with a fresh
// UUID. maxTokens must be positive; it is clamped to 1 otherwise.
func NewRequest(id string, promptTokens []int, maxTokens int) *Request {
	if id == "" {
		id = uuid.NewString()
	}
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &Request{
		ID:           id,
		PromptTokens: promptTokens,
		MaxTokens:    maxTokens,
		Sampling:     DefaultSamplingParams(),
		Streaming:    true,
		ArrivalTime:  time.Now().UnixNano(),
		State:        StatePending,
	}
}

// PromptLength returns the number of prompt tokens.
func (r *Request) PromptLength() int { return len(r.PromptTokens) }

// GeneratedLength returns the number of tokens generated so far.
func (r *Request) GeneratedLength() int { return len(r.GeneratedTokens) }

// AddGeneratedToken appends one token to the generation history.
func (r *Request) AddGeneratedToken(token int) {
	r.GeneratedTokens = append(r.GeneratedTokens, token)
}

// LastToken returns the most recent generated token, or the last prompt
// token when nothing has been generated yet. The second return is false only
// for a request with an empty prompt and no generation.
func (r *Request) LastToken() (int, bool) {
	if n := len(r.GeneratedTokens); n > 0 {
		return r.GeneratedTokens[n-1], true
	}
	if n := len(r.PromptTokens); n > 0 {
		return r.PromptTokens[n-1], true
	}
	return 0, false
}

// Cancel requests cooperative termination. Safe from any goroutine.
func (r *Request) Cancel() { r.cancelled.Store(true) }

// IsCancelled reports whether Cancel has been called.
func (r *Request) IsCancelled() bool { return r.cancelled.Load() }

// IsFinished reports a successful terminal state.
func (r *Request) IsFinished() bool { return r.State == StateFinished }

// IsFailed reports a failed terminal state.
func (r *Request) IsFailed() bool { return r.State == StateFailed }

// IsTerminal reports either terminal state.
func (r *Request) IsTerminal() bool { return r.IsFinished() || r.IsFailed() }

// HasStopToken reports whether token is in the request's stop set.
func (r *Request) HasStopToken(token int) bool {
	for _, t := range r.StopTokens {
		if t == token {
			return true
		}
	}
	return false
}

// SetError records a failure message.
func (r *Request) SetError(msg string) {
	r.ErrorMessage = msg
}

// NotifyToken invokes the token callback when one is installed.
func (r *Request) NotifyToken(token int, finished bool) {
	if r.Callback != nil {
		r.Callback(token, finished)
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(ID: %s, State: %s, Prompt: %d, Generated: %d/%d)",
		r.ID, r.State, r.PromptLength(), r.GeneratedLength(), r.MaxTokens)
}
