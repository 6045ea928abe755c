// Package loopback is an in-memory radio transport for dry runs and tests.
// Sent frames are kept in a bounded log, downlinks are injected by hand or by
// a responder hook.
package loopback

import (
	"context"
	"sync"

	"cloudpico-node/internal/radio"
)

const (
	ringCapacity     = 64
	downlinkCapacity = 16
)

// Responder may answer a transmission with downlink frames, e.g. a join
// accept. It runs on the sending goroutine.
type Responder func(tx radio.Transmission) [][]byte

type Transport struct {
	mu        sync.Mutex
	txBuf     ringBuffer
	sendErr   error
	responder Responder
	closed    bool

	downlinks chan []byte
}

var _ radio.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{downlinks: make(chan []byte, downlinkCapacity)}
}

func (t *Transport) Send(ctx context.Context, tx radio.Transmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return radio.ErrTransportStopped
	}
	if err := t.sendErr; err != nil {
		t.sendErr = nil
		t.mu.Unlock()
		return err
	}
	tx.PHYPayload = clone(tx.PHYPayload)
	t.txBuf.push(tx)
	responder := t.responder
	t.mu.Unlock()

	if responder != nil {
		for _, frame := range responder(tx) {
			t.Inject(frame)
		}
	}
	return nil
}

func (t *Transport) Downlinks() <-chan []byte { return t.downlinks }

// Inject queues a downlink frame. It reports false when the buffer is full.
func (t *Transport) Inject(frame []byte) bool {
	select {
	case t.downlinks <- clone(frame):
		return true
	default:
		return false
	}
}

// SetResponder installs a hook that answers every transmission.
func (t *Transport) SetResponder(r Responder) {
	t.mu.Lock()
	t.responder = r
	t.mu.Unlock()
}

// FailNext makes the next Send return err.
func (t *Transport) FailNext(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Sent returns a copy of the transmission log, oldest first.
func (t *Transport) Sent() []radio.Transmission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txBuf.snapshot()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type ringBuffer struct {
	data       [ringCapacity]radio.Transmission
	head, tail int // head = oldest, tail = next push
	count      int
}

func (rb *ringBuffer) push(tx radio.Transmission) {
	if rb.count == ringCapacity {
		// Overwrite the oldest when buffer is full to keep memory bounded
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = tx
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) snapshot() []radio.Transmission {
	out := make([]radio.Transmission, 0, rb.count)
	i := rb.head
	for c := 0; c < rb.count; c++ {
		tx := rb.data[i]
		tx.PHYPayload = clone(tx.PHYPayload)
		out = append(out, tx)
		i = (i + 1) % ringCapacity
	}
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
