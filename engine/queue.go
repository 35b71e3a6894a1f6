// engine/queue.go
//
// Implements the WaitQueue holding submitted requests that have not yet been
// admitted to the active set. Requests are enqueued on submission.

package engine

import (
	"fmt"
	"strings"
)

// WaitQueue is a FIFO of pending requests. It is not internally synchronized;
// the Scheduler's mutex guards every access.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.queue = append(wq.queue, r)
}

// Len returns the number of queued requests.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the front request without removing it, or nil when empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the front request, or nil when empty.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	front := wq.queue[0]
	wq.queue = wq.queue[1:]
	return front
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, r := range wq.queue {
		sb.WriteString(fmt.Sprint(r))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
