package uart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFIFO(t *testing.T) {
	t.Parallel()
	ch, _ := NewMock(16, 16)
	assert.Equal(t, 0, ch.Available())
	_, ok := ch.ReadByte()
	assert.False(t, ok)

	ch.Feed([]byte("abc"))
	assert.Equal(t, 3, ch.Available())
	b, ok := ch.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('a'), b)

	buf := make([]byte, 8)
	n := ch.Read(buf)
	assert.Equal(t, 2, n)
	assert.Equal(t, "bc", string(buf[:n]))
	assert.Equal(t, 0, ch.Available())
}

func TestChannelWraparound(t *testing.T) {
	t.Parallel()
	ch, _ := NewMock(8, 8)
	buf := make([]byte, 8)
	// Push the cursors around the ring several times.
	for i := 0; i < 10; i++ {
		in := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3), byte(i + 4)}
		require.Equal(t, len(in), ch.Feed(in))
		n := ch.Read(buf)
		require.Equal(t, len(in), n)
		require.Equal(t, in, buf[:n])
	}
}

func TestChannelFullDrops(t *testing.T) {
	t.Parallel()
	ch, _ := NewMock(4, 4)
	n := ch.Feed([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, ch.Available())

	buf := make([]byte, 8)
	assert.Equal(t, "abcd", string(buf[:ch.Read(buf)]))
	// Space is reusable after draining.
	assert.Equal(t, 2, ch.Feed([]byte("gh")))
	assert.Equal(t, "gh", string(buf[:ch.Read(buf)]))
}

func TestChannelFlushRx(t *testing.T) {
	t.Parallel()
	ch, _ := NewMock(16, 16)
	ch.Feed([]byte("garbage"))
	ch.FlushRx()
	assert.Equal(t, 0, ch.Available())
	ch.Feed([]byte("x"))
	b, ok := ch.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('x'), b)
}

func TestChannelTransmitBusy(t *testing.T) {
	t.Parallel()
	held := &holdSender{}
	ch := NewChannel(16, 16, held)
	held.ch = ch

	require.NoError(t, ch.Transmit([]byte("AT\r\n")))
	assert.True(t, ch.TxBusy())
	err := ch.TransmitString("AT\r\n")
	assert.Equal(t, ErrTxBusy, err)

	ch.CompleteTx()
	assert.False(t, ch.TxBusy())
	assert.NoError(t, ch.TransmitString("AT\r\n"))
	assert.Equal(t, 2, held.calls)
}

func TestChannelTransmitSendError(t *testing.T) {
	t.Parallel()
	ch, mock := NewMock(16, 16)
	mock.Err = assert.AnError
	err := ch.Transmit([]byte("AT"))
	require.Error(t, err)
	// Busy flag is released on send failure.
	assert.False(t, ch.TxBusy())
	mock.Err = nil
	assert.NoError(t, ch.Transmit([]byte("AT")))
}

func TestChannelTransmitCopies(t *testing.T) {
	t.Parallel()
	ch, mock := NewMock(16, 8)
	p := []byte("hello")
	require.NoError(t, ch.Transmit(p))
	p[0] = 'X'
	assert.Equal(t, "hello", string(mock.Sent[0]))

	// Oversize transmissions are truncated to the transmit buffer.
	require.NoError(t, ch.Transmit([]byte("0123456789")))
	assert.Equal(t, "01234567", string(mock.Sent[1]))
}

func TestMockScriptedReply(t *testing.T) {
	t.Parallel()
	ch, mock := NewMock(64, 64)
	mock.Reply = func(p []byte) []byte {
		if string(p) == "AT\r\n" {
			return []byte("\r\nOK\r\n")
		}
		return []byte("\r\nERROR\r\n")
	}
	require.NoError(t, ch.TransmitString("AT\r\n"))
	buf := make([]byte, 32)
	assert.Equal(t, "\r\nOK\r\n", string(buf[:ch.Read(buf)]))
}

type holdSender struct {
	ch    *Channel
	calls int
}

func (h *holdSender) Send(p []byte) error {
	h.calls++
	return nil
}
