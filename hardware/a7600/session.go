// Package a7600 drives a SIMCom A7600-class cellular modem over its AT
// command surface: network attach, broker session establishment with
// optional TLS, prompt-driven publish/subscribe and inbound URC dispatch.
// All methods must be called from one goroutine; the only concurrency is the
// byte producer behind the uart.Channel.
package a7600

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/hardware/uart"
	"github.com/mavcell/mavcell/log2"
)

const (
	cmdTimeout  = 5 * time.Second
	respTimeout = 10 * time.Second

	respMax         = 512
	lastResponseMax = 128
	certChunkSize   = 512
)

type State uint32

const (
	StateIdle State = iota
	StateStarting
	StateAcquiring
	StateSslConfig
	StateConnecting
	StateConnected
	StateSubscribing
	StatePublishing
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateAcquiring:
		return "acquiring"
	case StateSslConfig:
		return "ssl-config"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StatePublishing:
		return "publishing"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

type QoS int

const (
	QosAtMostOnce  QoS = 0
	QosAtLeastOnce QoS = 1
	QosExactlyOnce QoS = 2
)

// MessageHandler receives inbound broker messages found during Process.
// The vendor URC grammar is not parsed beyond the start/payload/end markers:
// topic is always "" and raw is the whole accumulated URC text including the
// markers. Callers that need fields must extract them from raw.
type MessageHandler interface {
	HandleMessage(topic string, raw []byte)
}

type Session struct {
	Log     *log2.Log
	ch      *uart.Channel
	config  Config
	handler MessageHandler

	state        State
	connected    bool
	errorStep    int
	lastResponse string
	resp         []byte

	// swapped for a fake clock in tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewSession(log *log2.Log, ch *uart.Channel, config Config) *Session {
	config.Normalize()
	return &Session{
		Log:    log,
		ch:     ch,
		config: config,
		state:  StateIdle,
		resp:   make([]byte, 0, respMax),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (s *Session) SetMessageHandler(h MessageHandler) { s.handler = h }

func (s *Session) IsConnected() bool    { return s.connected }
func (s *Session) State() State         { return s.state }
func (s *Session) ErrorStep() int       { return s.errorStep }
func (s *Session) LastResponse() string { return s.lastResponse }

// Connect walks the modem from cold to an established broker session. Steps
// are numbered 1-10 for diagnostics; ErrorStep reports the step that failed
// the last attempt, 0 means none.
func (s *Session) Connect() error {
	s.errorStep = 0
	s.lastResponse = ""

	// step 1: module liveness
	s.state = StateStarting
	alive := false
	for i := 0; i < 3; i++ {
		if _, err := s.transact("AT\r\n", "OK", 2*time.Second); err == nil {
			alive = true
			break
		}
		s.sleep(time.Second)
	}
	if !alive {
		return s.fail(1, "module not responding")
	}
	s.sleep(500 * time.Millisecond)

	// step 2: SIM ready
	if _, err := s.transact("AT+CPIN?\r\n", "+CPIN: READY", cmdTimeout); err != nil {
		return s.fail(2, "sim not ready")
	}
	s.sleep(500 * time.Millisecond)

	// step 3: network registration, home or roaming
	if !s.awaitRegistration("AT+CREG?\r\n", "+CREG") {
		return s.fail(3, "no network registration")
	}
	s.sleep(500 * time.Millisecond)

	// step 4: packet-switched registration
	if !s.awaitRegistration("AT+CGREG?\r\n", "+CGREG") {
		return s.fail(4, "no gprs registration")
	}
	s.sleep(500 * time.Millisecond)

	// step 5: PDP context. Stale deactivation and APN setup are best
	// effort, activation is not.
	s.tryTransact("AT+CGACT=0,1\r\n", "OK", 5*time.Second)
	s.sleep(500 * time.Millisecond)
	s.tryTransact(fmt.Sprintf("AT+CGDCONT=1,\"IP\",\"%s\"\r\n", s.config.APN), "OK", 2*time.Second)
	s.sleep(200 * time.Millisecond)
	if _, err := s.transact("AT+CGACT=1,1\r\n", "OK", 10*time.Second); err != nil {
		return s.fail(5, "pdp context activation")
	}
	s.sleep(time.Second)

	// step 6: signal quality, informational
	s.tryTransact("AT+CSQ\r\n", "OK", 2*time.Second)
	s.sleep(200 * time.Millisecond)

	// step 7: broker service start, after best-effort teardown of leftovers
	s.tryTransact("AT+CMQTTDISC=0,60\r\n", "OK", 2*time.Second)
	s.sleep(200 * time.Millisecond)
	s.tryTransact("AT+CMQTTREL=0\r\n", "OK", 2*time.Second)
	s.sleep(200 * time.Millisecond)
	s.tryTransact("AT+CMQTTSTOP\r\n", "OK", 2*time.Second)
	s.sleep(500 * time.Millisecond)
	if _, err := s.transact("AT+CMQTTSTART\r\n", "OK", cmdTimeout); err != nil {
		// a service left running from a previous boot answers this way
		if !s.respContains("+CMQTTSTART: 0") {
			return s.fail(7, "mqtt service start")
		}
	}
	s.sleep(500 * time.Millisecond)

	// step 8: client acquisition
	s.state = StateAcquiring
	accq := fmt.Sprintf("AT+CMQTTACCQ=0,\"%s\",1\r\n", s.config.ClientID)
	if _, err := s.transact(accq, "OK", cmdTimeout); err != nil {
		return s.fail(8, "client acquire")
	}
	s.sleep(500 * time.Millisecond)

	// step 9: TLS context. Parameter commands are best effort, the bind is
	// mandatory.
	if s.config.TLS {
		s.state = StateSslConfig
		for _, cmd := range []string{
			"AT+CSSLCFG=\"sslversion\",0,4\r\n",
			"AT+CSSLCFG=\"authmode\",0,0\r\n",
			"AT+CSSLCFG=\"enableSNI\",0,1\r\n",
			"AT+CSSLCFG=\"ignorelocaltime\",0,1\r\n",
		} {
			s.tryTransact(cmd, "OK", 2*time.Second)
			s.sleep(100 * time.Millisecond)
		}
		if _, err := s.transact("AT+CMQTTSSLCFG=0,0\r\n", "OK", cmdTimeout); err != nil {
			return s.fail(9, "ssl bind")
		}
		s.sleep(200 * time.Millisecond)
	}

	// step 10: broker connect
	s.state = StateConnecting
	connect := fmt.Sprintf("AT+CMQTTCONNECT=0,\"tcp://%s:%d\",%d,1,\"%s\",\"%s\"\r\n",
		s.config.Broker, s.config.Port, s.config.KeepaliveSec,
		s.config.Username, s.config.Password)
	if _, err := s.transact(connect, "+CMQTTCONNECT: 0,0", respTimeout); err != nil {
		return s.fail(10, "broker connect")
	}

	s.state = StateConnected
	s.connected = true
	s.Log.Infof("a7600: connected broker=%s:%d client=%s", s.config.Broker, s.config.Port, s.config.ClientID)
	return nil
}

// awaitRegistration polls a registration query up to 30 times at 1 s
// intervals, accepting status 1 (home) or 5 (roaming).
func (s *Session) awaitRegistration(query, urc string) bool {
	for i := 0; i < 30; i++ {
		if _, err := s.transact(query, urc+": 0,1", 2*time.Second); err == nil {
			return true
		}
		if _, err := s.transact(query, urc+": 0,5", 2*time.Second); err == nil {
			return true
		}
		s.sleep(time.Second)
	}
	return false
}

func (s *Session) fail(step int, msg string) error {
	s.errorStep = step
	s.lastResponse = s.respSnapshot()
	s.state = StateError
	s.connected = false
	err := errors.Errorf("a7600 connect step %d: %s: response=%q", step, msg, s.lastResponse)
	s.Log.Error(err)
	return err
}

// Disconnect tears the broker session down best effort; it never fails the
// caller. State returns to Idle.
func (s *Session) Disconnect() {
	s.state = StateDisconnecting
	s.tryTransact("AT+CMQTTDISC=0,60\r\n", "OK", cmdTimeout)
	s.sleep(500 * time.Millisecond)
	s.tryTransact("AT+CMQTTREL=0\r\n", "OK", cmdTimeout)
	s.sleep(500 * time.Millisecond)
	s.tryTransact("AT+CMQTTSTOP\r\n", "OK", cmdTimeout)
	s.state = StateIdle
	s.connected = false
}

func (s *Session) Subscribe(topic string, qos QoS) error {
	if !s.connected {
		return ErrNotConnected
	}
	s.state = StateSubscribing
	defer func() { s.state = StateConnected }()
	cmd := fmt.Sprintf("AT+CMQTTSUB=0,\"%s\",%d\r\n", topic, qos)
	if _, err := s.transact(cmd, "+CMQTTSUB: 0,0", cmdTimeout); err != nil {
		return errors.Annotatef(err, "subscribe topic=%s", topic)
	}
	return nil
}

func (s *Session) Unsubscribe(topic string) error {
	if !s.connected {
		return ErrNotConnected
	}
	cmd := fmt.Sprintf("AT+CMQTTUNSUB=0,\"%s\"\r\n", topic)
	if _, err := s.transact(cmd, "OK", cmdTimeout); err != nil {
		return errors.Annotatef(err, "unsubscribe topic=%s", topic)
	}
	return nil
}

// Publish runs the vendor's prompt-driven four-phase exchange: declare topic
// length, stream topic after the ">" prompt, declare payload length, stream
// payload, then execute. A failed phase reverts to Connected; a single
// transaction failure does not mean the session is broken.
//
// retain is accepted for API symmetry but the vendor command set does not
// carry it on the wire.
func (s *Session) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	if !s.connected {
		return ErrNotConnected
	}
	_ = retain
	s.state = StatePublishing
	defer func() { s.state = StateConnected }()

	cmd := fmt.Sprintf("AT+CMQTTTOPIC=0,%d\r\n", len(topic))
	if _, err := s.transact(cmd, ">", cmdTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s phase=topic-length", topic)
	}
	if _, err := s.transactRaw([]byte(topic), "OK", cmdTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s phase=topic", topic)
	}
	s.sleep(100 * time.Millisecond)

	cmd = fmt.Sprintf("AT+CMQTTPAYLOAD=0,%d\r\n", len(payload))
	if _, err := s.transact(cmd, ">", cmdTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s phase=payload-length", topic)
	}
	if _, err := s.transactRaw(payload, "OK", cmdTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s phase=payload", topic)
	}
	s.sleep(100 * time.Millisecond)

	cmd = fmt.Sprintf("AT+CMQTTPUB=0,%d,60\r\n", qos)
	if _, err := s.transact(cmd, "+CMQTTPUB: 0,0", cmdTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s phase=execute", topic)
	}
	return nil
}

func (s *Session) PublishString(topic, message string, qos QoS) error {
	return s.Publish(topic, []byte(message), qos, false)
}

// UploadCert streams a named certificate file into the modem's storage in
// fixed-size chunks. The inter-chunk delay keeps the modem's receive side
// from overrunning.
func (s *Session) UploadCert(filename string, data []byte) error {
	cmd := fmt.Sprintf("AT+CCERTDOWN=\"%s\",%d\r\n", filename, len(data))
	if _, err := s.transact(cmd, ">", 2*time.Second); err != nil {
		return errors.Annotatef(err, "cert upload name=%s", filename)
	}
	for sent := 0; sent < len(data); {
		chunk := len(data) - sent
		if chunk > certChunkSize {
			chunk = certChunkSize
		}
		if err := s.send(data[sent : sent+chunk]); err != nil {
			return errors.Annotatef(err, "cert upload name=%s sent=%d", filename, sent)
		}
		sent += chunk
		s.sleep(50 * time.Millisecond)
	}
	if _, err := s.waitResponse("OK", 5*time.Second); err != nil {
		return errors.Annotatef(err, "cert upload name=%s final ack", filename)
	}
	s.Log.Infof("a7600: cert uploaded name=%s bytes=%d", filename, len(data))
	return nil
}

// Process is the steady-state tick: drains modem bytes, dispatches complete
// inbound message URCs to the registered handler and reacts to connection
// loss. Never blocks.
func (s *Session) Process() {
	if !s.connected {
		return
	}
	if s.drainResp() == 0 && len(s.resp) == 0 {
		return
	}

	if s.respContains("+CMQTTRXSTART:") {
		if s.respContains("+CMQTTRXPAYLOAD:") && s.respContains("+CMQTTRXEND:") {
			if s.handler != nil {
				raw := make([]byte, len(s.resp))
				copy(raw, s.resp)
				s.handler.HandleMessage("", raw)
			}
			s.resp = s.resp[:0]
		}
	}

	if s.respContains("+CMQTTCONNLOST:") {
		s.Log.Errorf("a7600: connection lost response=%q", s.respSnapshot())
		s.connected = false
		s.state = StateIdle
		s.resp = s.resp[:0]
	}
}
