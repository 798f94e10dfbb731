package uart

// MockSender runs a scripted peer for tests. Send records the outgoing bytes,
// completes the transmission immediately and feeds back whatever Reply
// returns, all on the caller's goroutine so tests stay deterministic.
type MockSender struct {
	ch   *Channel
	Sent [][]byte
	// Reply maps an outgoing transmission to the bytes the peer answers
	// with. Nil reply feeds nothing.
	Reply func(p []byte) []byte
	// Err, when set, is returned from Send without completing.
	Err error
}

func NewMock(rxSize, txSize int) (*Channel, *MockSender) {
	m := &MockSender{}
	ch := NewChannel(rxSize, txSize, m)
	m.ch = ch
	return ch, m
}

func (m *MockSender) Send(p []byte) error {
	if m.Err != nil {
		return m.Err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.Sent = append(m.Sent, cp)
	m.ch.CompleteTx()
	if m.Reply != nil {
		if r := m.Reply(cp); len(r) > 0 {
			m.ch.Feed(r)
		}
	}
	return nil
}

// SentStrings is a convenience view for assertions.
func (m *MockSender) SentStrings() []string {
	ss := make([]string, len(m.Sent))
	for i, p := range m.Sent {
		ss[i] = string(p)
	}
	return ss
}
