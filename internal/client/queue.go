package client

// outbox is a bounded FIFO of encoded frames waiting for a connection.
// When full it rejects new frames instead of dropping old ones, so the
// caller learns immediately that the event was not kept.
type outbox struct {
	frames [][]byte
	limit  int
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

func (q *outbox) push(frame []byte) error {
	if len(q.frames) >= q.limit {
		return ErrQueueFull
	}
	q.frames = append(q.frames, frame)
	return nil
}

func (q *outbox) peek() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

func (q *outbox) pop() {
	if len(q.frames) == 0 {
		return
	}
	q.frames[0] = nil
	q.frames = q.frames[1:]
}

func (q *outbox) len() int {
	return len(q.frames)
}
