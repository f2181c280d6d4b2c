package wsconn

import (
	"sync"
	"time"
)

// frameResult is what completes a pending request: the parsed response
// frame or a terminal error.
type frameResult struct {
	raw interface{}
	err error
}

// pendingRequest is one in-flight send awaiting its positional response.
type pendingRequest struct {
	msg       string
	startedAt time.Time
	done      chan frameResult
	completed bool
}

func newPending(msg string) *pendingRequest {
	return &pendingRequest{
		msg:       msg,
		startedAt: time.Now(),
		done:      make(chan frameResult, 1),
	}
}

func (r *pendingRequest) complete(raw interface{}, err error) {
	select {
	case r.done <- frameResult{raw: raw, err: err}:
	default:
	}
}

// pendingQueue is the FIFO correlation queue: frame N in completes
// request N out. Entries removed by timeout or cancellation leave the
// queue immediately, so later frames correlate with later requests.
type pendingQueue struct {
	mu   sync.Mutex
	reqs []*pendingRequest
}

func (q *pendingQueue) push(r *pendingRequest) {
	q.mu.Lock()
	q.reqs = append(q.reqs, r)
	q.mu.Unlock()
}

// pop removes and returns the head, or nil when empty.
func (q *pendingQueue) pop() *pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return nil
	}
	r := q.reqs[0]
	q.reqs = q.reqs[1:]
	return r
}

// remove deletes a specific entry (timeout/cancel path).
func (q *pendingQueue) remove(target *pendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.reqs {
		if r == target {
			q.reqs = append(q.reqs[:i], q.reqs[i+1:]...)
			return
		}
	}
}

// failAll completes every entry with err and empties the queue.
func (q *pendingQueue) failAll(err error) {
	q.mu.Lock()
	reqs := q.reqs
	q.reqs = nil
	q.mu.Unlock()
	for _, r := range reqs {
		r.complete(nil, err)
	}
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}
