package realtime

import "sync"

type pendingRequest struct {
	responseCh chan *Message
	errCh      chan error
}

// pendingTable tracks in-flight correlated requests by message id. An entry
// lives from send until matching reply, timeout or disconnect.
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		requests: make(map[string]*pendingRequest),
	}
}

func (t *pendingTable) add(id string) *pendingRequest {
	pr := &pendingRequest{
		responseCh: make(chan *Message, 1),
		errCh:      make(chan error, 1),
	}

	t.mu.Lock()
	t.requests[id] = pr
	t.mu.Unlock()

	return pr
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

// resolve delivers msg to the pending request with a matching id. It reports
// whether a request was waiting; an unmatched message is the caller's to
// dispatch normally.
func (t *pendingTable) resolve(msg *Message) bool {
	t.mu.Lock()

	pr, ok := t.requests[msg.ID]
	if ok {
		delete(t.requests, msg.ID)
	}

	t.mu.Unlock()

	if ok {
		pr.responseCh <- msg
	}

	return ok
}

// failAll rejects every outstanding request with err and empties the table.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()

	requests := t.requests
	t.requests = make(map[string]*pendingRequest)

	t.mu.Unlock()

	for _, pr := range requests {
		pr.errCh <- err
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.requests)
}
