package bridge

import (
	"time"
)

// MAVLink v2 wire constants.
const (
	frameMagic   = 0xFD
	headerLen    = 10
	checksumLen  = 2
	signatureLen = 13
	iflagSigned  = 0x01

	// no valid frame computes longer than this; a length past it means the
	// magic byte was a payload collision
	maxFrameLen = 300

	bufSize      = 512
	stallTimeout = 50 * time.Millisecond
)

// Synchronizer extracts MAVLink v2 frames from an unframed byte stream.
// Recovery from corruption is byte-at-a-time resync on the magic byte; a
// partial frame that stops growing is abandoned after stallTimeout. Neither
// condition is an error, noise on the line is the normal case.
type Synchronizer struct {
	buf    []byte
	lastRx time.Time
	now    func() time.Time
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		buf: make([]byte, 0, bufSize),
		now: time.Now,
	}
}

// Tick appends newly arrived bytes and returns the complete frames that can
// be extracted. Input past Free() is discarded; callers size their reads by
// Free() to keep backlog in the source ring instead. Never blocks.
func (y *Synchronizer) Tick(data []byte) [][]byte {
	now := y.now()
	if len(data) > 0 {
		if space := y.Free(); len(data) > space {
			data = data[:space]
		}
		y.buf = append(y.buf, data...)
		y.lastRx = now
	}

	if len(y.buf) > 0 && now.Sub(y.lastRx) > stallTimeout {
		y.buf = y.buf[:0]
		return nil
	}

	var frames [][]byte
	for len(y.buf) > 0 {
		if y.buf[0] != frameMagic {
			y.buf = y.buf[:copy(y.buf, y.buf[1:])]
			continue
		}
		if len(y.buf) < 3 {
			break
		}
		total := headerLen + int(y.buf[1]) + checksumLen
		if y.buf[2]&iflagSigned != 0 {
			total += signatureLen
		}
		if total > maxFrameLen {
			y.buf = y.buf[:copy(y.buf, y.buf[1:])]
			continue
		}
		if len(y.buf) < total {
			break
		}
		frame := make([]byte, total)
		copy(frame, y.buf[:total])
		frames = append(frames, frame)
		y.buf = y.buf[:copy(y.buf, y.buf[total:])]
	}
	return frames
}

// Pending returns the count of buffered bytes not yet forming a frame.
func (y *Synchronizer) Pending() int { return len(y.buf) }

// Free returns how many more bytes Tick can accept without discarding.
func (y *Synchronizer) Free() int { return cap(y.buf) - len(y.buf) }
