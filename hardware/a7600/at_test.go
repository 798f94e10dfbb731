package a7600

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/hardware/uart"
	"github.com/mavcell/mavcell/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactSuccess(t *testing.T) {
	t.Parallel()
	s, mock, _ := testSession(t, Config{Broker: "b", ClientID: "c"})
	mock.Reply = func(p []byte) []byte { return []byte("\r\n+CSQ: 18,0\r\n\r\nOK\r\n") }

	text, err := s.transact("AT+CSQ\r\n", "OK", cmdTimeout)
	require.NoError(t, err)
	assert.Contains(t, text, "+CSQ: 18,0")
	assert.Equal(t, []string{"AT+CSQ\r\n"}, mock.SentStrings())
}

func TestTransactErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	s, mock, ft := testSession(t, Config{Broker: "b", ClientID: "c"})
	mock.Reply = func(p []byte) []byte { return []byte("\r\nERROR\r\n") }

	start := ft.t
	text, err := s.transact("AT+BOGUS\r\n", "OK", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrProtocol, errors.Cause(err))
	assert.Contains(t, text, "ERROR")
	// fails on the first poll, not after the deadline
	assert.Less(t, ft.since(start), 500*time.Millisecond)
}

func TestTransactTimeout(t *testing.T) {
	t.Parallel()
	s, mock, ft := testSession(t, Config{Broker: "b", ClientID: "c"})
	mock.Reply = func(p []byte) []byte { return []byte("partial noise") }

	start := ft.t
	text, err := s.transact("AT\r\n", "OK", 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	// accumulated text is preserved for diagnostics
	assert.Contains(t, text, "partial noise")
	assert.GreaterOrEqual(t, ft.since(start), 2*time.Second)
}

func TestTransactStaleBufferCleared(t *testing.T) {
	t.Parallel()
	s, mock, _ := testSession(t, Config{Broker: "b", ClientID: "c"})
	// leftover bytes from a previous exchange must not satisfy a new expect
	s.resp = append(s.resp, []byte("OK")...)
	mock.Reply = func(p []byte) []byte { return []byte("\r\nERROR\r\n") }

	_, err := s.transact("AT\r\n", "OK", time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrProtocol, errors.Cause(err))
}

func TestTransactAccumulatorOverflow(t *testing.T) {
	t.Parallel()
	s, mock, _ := testSession(t, Config{Broker: "b", ClientID: "c"})
	long := make([]byte, respMax+100)
	for i := range long {
		long[i] = 'x'
	}
	mock.Reply = func(p []byte) []byte { return long }

	text, err := s.transact("AT\r\n", "OK", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Len(t, text, respMax)
}

type holdingSender struct{}

func (holdingSender) Send(p []byte) error { return nil }

func TestTransactTransportBusy(t *testing.T) {
	t.Parallel()
	ch := uart.NewChannel(64, 64, holdingSender{})
	s := NewSession(log2.NewTest(t, log2.LDebug), ch, Config{Broker: "b", ClientID: "c"})
	ft := &fakeTime{t: time.Unix(1000, 0)}
	ft.install(s)

	require.NoError(t, ch.TransmitString("stuck"))
	start := ft.t
	_, err := s.transact("AT\r\n", "OK", time.Second)
	require.Error(t, err)
	assert.Equal(t, uart.ErrTxBusy, errors.Cause(err))
	// gave the transmit path its full grace period
	assert.GreaterOrEqual(t, ft.since(start), txFreeWait)
}
