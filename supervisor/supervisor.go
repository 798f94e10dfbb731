// Package supervisor is the outermost driver: it brings the broker session
// up, runs the steady-state tick (session URC processing + frame pumping +
// heartbeat) and paces reconnect attempts with bounded backoff when the
// session dies. The session engine itself never retries a failed connect;
// teardown and another attempt from scratch happen here.
package supervisor

import (
	"fmt"
	"time"

	"github.com/mavcell/mavcell/hardware/a7600"
	"github.com/mavcell/mavcell/helpers"
	"github.com/mavcell/mavcell/log2"
	"github.com/temoto/alive/v2"
)

const tickInterval = 10 * time.Millisecond

// Broker is the session seam, satisfied by *a7600.Session.
type Broker interface {
	Connect() error
	Disconnect()
	Subscribe(topic string, qos a7600.QoS) error
	PublishString(topic, message string, qos a7600.QoS) error
	Process()
	IsConnected() bool
	ErrorStep() int
}

// Pump is the frame bridge seam.
type Pump interface {
	Pump()
}

type Config struct {
	TopicStatus        string `hcl:"topic_status"`
	TopicSensor        string `hcl:"topic_sensor"`
	TopicCommand       string `hcl:"topic_command"`
	PublishIntervalSec int    `hcl:"publish_interval_sec"`
	RetryMinSec        int    `hcl:"retry_min_sec"`
	RetryMaxSec        int    `hcl:"retry_max_sec"`
}

func (c *Config) Normalize() {
	if c.TopicStatus == "" {
		c.TopicStatus = "uav4g/status"
	}
	if c.TopicSensor == "" {
		c.TopicSensor = "uav4g/sensor"
	}
	if c.TopicCommand == "" {
		c.TopicCommand = "uav4g/command"
	}
}

type Supervisor struct {
	Log    *log2.Log
	alive  *alive.Alive
	broker Broker
	pump   Pump
	config Config

	heartbeatEvery time.Duration
	backoff        helpers.Backoff

	start         time.Time
	lastHeartbeat time.Time
	errorCount    uint32

	now   func() time.Time
	sleep func(time.Duration)
}

func New(log *log2.Log, broker Broker, pump Pump, config Config) *Supervisor {
	config.Normalize()
	sup := &Supervisor{
		Log:            log,
		alive:          alive.NewAlive(),
		broker:         broker,
		pump:           pump,
		config:         config,
		heartbeatEvery: helpers.IntSecondDefault(config.PublishIntervalSec, 5*time.Second),
		backoff: helpers.Backoff{
			Min: helpers.IntSecondDefault(config.RetryMinSec, 5*time.Second),
			Max: helpers.IntSecondDefault(config.RetryMaxSec, 30*time.Second),
			K:   2,
		},
		now:   time.Now,
		sleep: time.Sleep,
	}
	sup.start = sup.now()
	return sup
}

// Run drives the loop until Stop. Blocks; callers run it as a goroutine.
func (sup *Supervisor) Run() {
	sup.alive.Add(1)
	defer sup.alive.Done()
	for sup.alive.IsRunning() {
		if !sup.broker.IsConnected() {
			if err := sup.connect(); err != nil {
				sup.idle(sup.backoff.DelayAfter(false))
				continue
			}
			sup.backoff.Reset()
		}
		sup.tick()
		sup.idle(tickInterval)
	}
	sup.shutdown()
}

func (sup *Supervisor) Stop() {
	sup.alive.Stop()
	sup.alive.Wait()
}

func (sup *Supervisor) Alive() *alive.Alive { return sup.alive }

func (sup *Supervisor) ErrorCount() uint32 { return sup.errorCount }

// connect is one full session attempt plus the post-connect chores:
// command-topic subscription and the online status announcement.
func (sup *Supervisor) connect() error {
	if err := sup.broker.Connect(); err != nil {
		sup.errorCount++
		sup.Log.Errorf("supervisor: connect attempt step=%d errors=%d: %v",
			sup.broker.ErrorStep(), sup.errorCount, err)
		sup.broker.Disconnect()
		return err
	}
	if err := sup.broker.Subscribe(sup.config.TopicCommand, a7600.QosAtMostOnce); err != nil {
		sup.Log.Errorf("supervisor: subscribe %s: %v", sup.config.TopicCommand, err)
	}
	sup.publishStatus("online")
	sup.lastHeartbeat = sup.now()
	return nil
}

// tick is one steady-state iteration.
func (sup *Supervisor) tick() {
	sup.broker.Process()
	if !sup.broker.IsConnected() {
		// connection died under us, reconnect path takes over
		sup.errorCount++
		sup.Log.Errorf("supervisor: session lost errors=%d", sup.errorCount)
		return
	}
	sup.pump.Pump()

	now := sup.now()
	if now.Sub(sup.lastHeartbeat) >= sup.heartbeatEvery {
		sup.lastHeartbeat = now
		sup.publishHeartbeat(now)
	}
}

func (sup *Supervisor) publishHeartbeat(now time.Time) {
	msg := fmt.Sprintf("{\"uptime\":%d,\"errors\":%d}",
		int64(now.Sub(sup.start)/time.Second), sup.errorCount)
	if err := sup.broker.PublishString(sup.config.TopicSensor, msg, a7600.QosAtMostOnce); err != nil {
		sup.Log.Errorf("supervisor: heartbeat: %v", err)
	}
}

func (sup *Supervisor) publishStatus(status string) {
	if err := sup.broker.PublishString(sup.config.TopicStatus, status, a7600.QosAtLeastOnce); err != nil {
		sup.Log.Errorf("supervisor: status %s: %v", status, err)
	}
}

func (sup *Supervisor) shutdown() {
	if sup.broker.IsConnected() {
		sup.publishStatus("offline")
		sup.sleep(500 * time.Millisecond)
		sup.broker.Disconnect()
	}
}

// idle sleeps unless Stop cuts it short.
func (sup *Supervisor) idle(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-sup.alive.StopChan():
	}
}
