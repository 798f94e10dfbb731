// Package bridge moves MAVLink v2 frames between a flight controller's
// serial byte stream and broker topics: frames going up are synchronized,
// text-encoded and published; payloads coming down are decoded back to
// binary and written to the serial side.
package bridge

import (
	"strings"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/hardware/a7600"
	"github.com/mavcell/mavcell/hardware/uart"
	"github.com/mavcell/mavcell/log2"
)

type Config struct {
	Encoding string `hcl:"encoding"`
	TopicTx  string `hcl:"topic_tx"`
	TopicRx  string `hcl:"topic_rx"`
}

func (c *Config) Normalize() {
	if c.TopicTx == "" {
		c.TopicTx = "uav4g/mavlink/tx"
	}
	if c.TopicRx == "" {
		c.TopicRx = "uav4g/mavlink/rx"
	}
}

// Publisher is the broker-facing seam, satisfied by *a7600.Session.
type Publisher interface {
	Publish(topic string, payload []byte, qos a7600.QoS, retain bool) error
}

type Bridge struct {
	Log    *log2.Log
	ch     *uart.Channel
	pub    Publisher
	codec  Codec
	sync   *Synchronizer
	config Config

	scratch []byte
}

func New(log *log2.Log, ch *uart.Channel, pub Publisher, config Config) (*Bridge, error) {
	config.Normalize()
	codec, err := NewCodec(config.Encoding)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Bridge{
		Log:     log,
		ch:      ch,
		pub:     pub,
		codec:   codec,
		sync:    NewSynchronizer(),
		config:  config,
		scratch: make([]byte, bufSize),
	}, nil
}

func (b *Bridge) Codec() Codec { return b.codec }

// Pump is the field-to-cloud tick: drain flight controller bytes, extract
// complete frames, publish each one text-encoded. A publish failure drops
// that frame; telemetry is a stream, not a queue. The read is capped by the
// synchronizer's free space so a backlog waits in the ring rather than being
// consumed and discarded.
func (b *Bridge) Pump() {
	limit := b.sync.Free()
	if limit > len(b.scratch) {
		limit = len(b.scratch)
	}
	n := b.ch.Read(b.scratch[:limit])
	for _, frame := range b.sync.Tick(b.scratch[:n]) {
		text := b.codec.Encode(frame)
		if err := b.pub.Publish(b.config.TopicTx, []byte(text), a7600.QosAtMostOnce, false); err != nil {
			b.Log.Errorf("bridge: publish frame len=%d: %v", len(frame), err)
		}
	}
}

// HandleMessage is the cloud-to-field path, registered as the session's
// message handler. Only messages whose topic matches the configured rx topic
// are decoded and written to the flight controller; everything else is
// somebody else's traffic. The session's URC dispatch does not extract
// topics (it passes ""), so this path fires for callers that route by topic
// themselves.
func (b *Bridge) HandleMessage(topic string, raw []byte) {
	if !strings.Contains(topic, b.config.TopicRx) {
		b.Log.Debugf("bridge: ignored topic=%q len=%d", topic, len(raw))
		return
	}
	bin, err := b.codec.Decode(raw)
	if err != nil || len(bin) == 0 {
		b.Log.Errorf("bridge: decode %s len=%d: %v", b.codec.Name(), len(raw), err)
		return
	}
	if err := b.ch.Transmit(bin); err != nil {
		b.Log.Errorf("bridge: forward len=%d: %v", len(bin), err)
	}
}
