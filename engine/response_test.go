package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponse_Accumulates(t *testing.T) {
	r := NewResponse("r1")
	r.InputTokenCount = 3
	r.AddToken(5)
	r.AddToken(6)
	r.AppendText("ab")

	assert.Equal(t, 2, r.GeneratedTokenCount())
	assert.Equal(t, 5, r.TotalTokenCount())
	assert.Equal(t, "ab", r.Text)
	assert.False(t, r.Success())
}

func TestResponse_SuccessRequiresCleanFinish(t *testing.T) {
	r := NewResponse("r1")
	r.Finished = true
	r.FinishReason = ReasonEOS
	assert.True(t, r.Success())

	r.SetError("boom")
	assert.False(t, r.Success())
	assert.Equal(t, ReasonError, r.FinishReason)
	assert.Equal(t, "boom", r.ErrorMessage)
}

func TestResponse_LatencyAndThroughput(t *testing.T) {
	r := NewResponse("r1")
	assert.Equal(t, 0.0, r.LatencyMs())
	assert.Equal(t, 0.0, r.ThroughputTokPerSec())

	r.StartTimeNs = 1_000_000_000
	r.EndTimeNs = 1_500_000_000 // 500ms later
	r.AddToken(1)
	r.AddToken(2)

	assert.InDelta(t, 500.0, r.LatencyMs(), 1e-9)
	assert.InDelta(t, 4.0, r.ThroughputTokPerSec(), 1e-9)
}
