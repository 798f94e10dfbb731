// Package uart provides the byte transport between the engine polling loop
// and an asynchronous serial producer/sender. Receive side is a circular
// buffer with two monotonic cursors: the producer advances the write cursor,
// the consumer advances the read cursor. Transmit side is a single in-flight
// buffer guarded by a busy flag. One side only reads what the other side only
// writes, so atomic load/store is enough, no mutex.
package uart

import (
	"sync/atomic"

	"github.com/juju/errors"
)

const (
	DefaultRxSize = 512
	DefaultTxSize = 512
)

var ErrTxBusy = errors.New("uart: transmit in flight")

// Sender owns the physical transmit path. Send is handed the channel's
// transmit region which stays stable until CompleteTx is called.
type Sender interface {
	Send(p []byte) error
}

type Channel struct {
	rxBuf   []byte
	rxRead  uint32 // consumer cursor, position in [0,len(rxBuf))
	rxWrite uint32 // producer cursor
	txBuf   []byte
	txBusy  uint32
	sender  Sender
}

func NewChannel(rxSize, txSize int, sender Sender) *Channel {
	if rxSize <= 0 {
		rxSize = DefaultRxSize
	}
	if txSize <= 0 {
		txSize = DefaultTxSize
	}
	return &Channel{
		rxBuf:  make([]byte, rxSize+1), // +1 for the free slot
		txBuf:  make([]byte, txSize),
		sender: sender,
	}
}

// SetSender must be called before first Transmit; separate from NewChannel
// for senders that need the channel reference first.
func (c *Channel) SetSender(s Sender) { c.sender = s }

// Available returns the count of unread received bytes. Never blocks.
func (c *Channel) Available() int {
	w := atomic.LoadUint32(&c.rxWrite)
	r := atomic.LoadUint32(&c.rxRead)
	if w >= r {
		return int(w - r)
	}
	return len(c.rxBuf) - int(r) + int(w)
}

// Read copies up to len(p) unread bytes into p in FIFO order and advances the
// read cursor. Returns the copied count, may be 0.
func (c *Channel) Read(p []byte) int {
	n := c.Available()
	if n > len(p) {
		n = len(p)
	}
	r := atomic.LoadUint32(&c.rxRead)
	size := uint32(len(c.rxBuf))
	for i := 0; i < n; i++ {
		p[i] = c.rxBuf[r]
		r = (r + 1) % size
	}
	atomic.StoreUint32(&c.rxRead, r)
	return n
}

// ReadByte returns the next unread byte, ok=false when nothing is buffered.
func (c *Channel) ReadByte() (byte, bool) {
	if c.Available() == 0 {
		return 0, false
	}
	r := atomic.LoadUint32(&c.rxRead)
	b := c.rxBuf[r]
	atomic.StoreUint32(&c.rxRead, (r+1)%uint32(len(c.rxBuf)))
	return b, true
}

// FlushRx discards all unread bytes. Used after protocol desync.
func (c *Channel) FlushRx() {
	atomic.StoreUint32(&c.rxRead, atomic.LoadUint32(&c.rxWrite))
}

// Transmit copies p (truncated to the transmit region) and hands it to the
// sender. Returns ErrTxBusy while a previous transmission is in flight.
func (c *Channel) Transmit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !atomic.CompareAndSwapUint32(&c.txBusy, 0, 1) {
		return ErrTxBusy
	}
	n := copy(c.txBuf, p)
	if err := c.sender.Send(c.txBuf[:n]); err != nil {
		atomic.StoreUint32(&c.txBusy, 0)
		return errors.Trace(err)
	}
	return nil
}

func (c *Channel) TransmitString(s string) error { return c.Transmit([]byte(s)) }

func (c *Channel) TxBusy() bool { return atomic.LoadUint32(&c.txBusy) == 1 }

// CompleteTx is called by the sender when the in-flight transmission is done.
func (c *Channel) CompleteTx() { atomic.StoreUint32(&c.txBusy, 0) }

// Feed appends received bytes, advancing the write cursor. Producer side
// only. Returns the accepted count; bytes past a full buffer are dropped,
// the consumer is expected to drain faster than the line rate. One slot is
// kept free so a full buffer is distinguishable from an empty one.
func (c *Channel) Feed(p []byte) int {
	w := atomic.LoadUint32(&c.rxWrite)
	r := atomic.LoadUint32(&c.rxRead)
	size := uint32(len(c.rxBuf))
	accepted := 0
	for _, b := range p {
		next := (w + 1) % size
		if next == r {
			break
		}
		c.rxBuf[w] = b
		w = next
		accepted++
	}
	atomic.StoreUint32(&c.rxWrite, w)
	return accepted
}
