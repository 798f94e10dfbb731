package a7600

import (
	"bytes"
	"time"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/hardware/uart"
)

const (
	pollInterval = 10 * time.Millisecond
	txFreeWait   = time.Second
	sendSettle   = 50 * time.Millisecond
)

// transact issues one AT command and polls for expect as a substring of the
// accumulated response text. The literal ERROR token fails immediately
// without waiting out the deadline. The accumulated text is returned either
// way for diagnostics.
func (s *Session) transact(cmd, expect string, timeout time.Duration) (string, error) {
	return s.transactRaw([]byte(cmd), expect, timeout)
}

func (s *Session) transactRaw(data []byte, expect string, timeout time.Duration) (string, error) {
	s.resp = s.resp[:0]
	if err := s.send(data); err != nil {
		return "", errors.Trace(err)
	}
	s.sleep(sendSettle)
	return s.waitResponse(expect, timeout)
}

// tryTransact is for best-effort steps whose failure is ignored.
func (s *Session) tryTransact(cmd, expect string, timeout time.Duration) {
	if _, err := s.transact(cmd, expect, timeout); err != nil {
		s.Log.Debugf("a7600: ignored %q: %v", cmd, err)
	}
}

// send waits a bounded time for the transmit path to free up, then hands the
// bytes to the channel.
func (s *Session) send(data []byte) error {
	deadline := s.now().Add(txFreeWait)
	for s.ch.TxBusy() {
		if !s.now().Before(deadline) {
			return errors.Trace(uart.ErrTxBusy)
		}
		s.sleep(pollInterval)
	}
	return errors.Trace(s.ch.Transmit(data))
}

func (s *Session) waitResponse(expect string, timeout time.Duration) (string, error) {
	deadline := s.now().Add(timeout)
	for {
		s.drainResp()
		if s.respContains(expect) {
			return string(s.resp), nil
		}
		if s.respContains("ERROR") {
			return string(s.resp), errors.Annotatef(ErrProtocol, "await %q got %q", expect, s.respSnapshot())
		}
		if !s.now().Before(deadline) {
			return string(s.resp), errors.Timeoutf("await %q got %q", expect, s.respSnapshot())
		}
		s.sleep(pollInterval)
	}
}

// drainResp moves all channel bytes into the accumulator, dropping overflow
// past its capacity, and returns the drained count.
func (s *Session) drainResp() int {
	total := 0
	var buf [64]byte
	for s.ch.Available() > 0 {
		n := s.ch.Read(buf[:])
		if n == 0 {
			break
		}
		total += n
		space := cap(s.resp) - len(s.resp)
		keep := n
		if keep > space {
			keep = space
		}
		s.resp = append(s.resp, buf[:keep]...)
	}
	return total
}

func (s *Session) respContains(sub string) bool {
	return bytes.Contains(s.resp, []byte(sub))
}

// respSnapshot caps the diagnostic copy of the accumulator.
func (s *Session) respSnapshot() string {
	if len(s.resp) > lastResponseMax {
		return string(s.resp[:lastResponseMax])
	}
	return string(s.resp)
}
