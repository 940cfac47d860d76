// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import "sync"

// DefaultQueueSize is the number of payloads held while disconnected.
const DefaultQueueSize = 256

// outbox is a bounded FIFO of payloads awaiting a live connection.
type outbox struct {
	mu    sync.Mutex
	items [][]byte
	limit int
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &outbox{limit: limit}
}

func (o *outbox) push(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.limit {
		return ErrQueueFull
	}
	o.items = append(o.items, payload)
	return nil
}

// requeue puts payloads back at the head, keeping their order.
func (o *outbox) requeue(payloads [][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(append([][]byte{}, payloads...), o.items...)
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
