package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/hardware/uart"
	"github.com/mavcell/mavcell/log2"
	"github.com/temoto/alive/v2"
)

// Global is the owned wiring handle passed through context: config plus the
// two serial byte channels. Session, bridge, supervisor hang off it in main.
type Global struct {
	Alive  *alive.Alive
	Config *Config
	Log    *log2.Log

	Hardware struct {
		Modem   uartSet
		Mavlink uartSet
	}

	initModemOnce   sync.Once
	initMavlinkOnce sync.Once
}

type uartSet struct {
	Channel *uart.Channel
	Port    *uart.SerialPort
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	if g.Config.Session.Broker == "" {
		return errors.NotValidf("config: session.broker=empty")
	}
	g.Log.Debugf("config: session broker=%s:%d client=%s tls=%t",
		g.Config.Session.Broker, g.Config.Session.Port,
		g.Config.Session.ClientID, g.Config.Session.TLS)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

// Modem returns the AT command channel, opening the serial port on first
// use. Tests preset Hardware.Modem.Channel to skip the hardware.
func (g *Global) Modem() (*uart.Channel, error) {
	var err error
	g.initModemOnce.Do(func() {
		err = openUart(&g.Hardware.Modem, g.Config.Hardware.Modem)
	})
	if err != nil {
		return nil, errors.Annotate(err, "modem uart")
	}
	if g.Hardware.Modem.Channel == nil {
		return nil, errors.Errorf("modem uart: not available after init")
	}
	return g.Hardware.Modem.Channel, nil
}

// Mavlink returns the flight controller channel, same contract as Modem.
func (g *Global) Mavlink() (*uart.Channel, error) {
	var err error
	g.initMavlinkOnce.Do(func() {
		err = openUart(&g.Hardware.Mavlink, g.Config.Hardware.Mavlink)
	})
	if err != nil {
		return nil, errors.Annotate(err, "mavlink uart")
	}
	if g.Hardware.Mavlink.Channel == nil {
		return nil, errors.Errorf("mavlink uart: not available after init")
	}
	return g.Hardware.Mavlink.Channel, nil
}

func openUart(set *uartSet, config UartConfig) error {
	if set.Channel != nil { // preset by tests
		return nil
	}
	ch := uart.NewChannel(config.RxBuffer, config.TxBuffer, nil)
	port, err := uart.OpenSerial(uart.SerialOptions{Name: config.Device, Baud: config.Baud}, ch)
	if err != nil {
		return errors.Trace(err)
	}
	set.Channel = ch
	set.Port = port
	return nil
}

// Stop shuts the lifecycle down and closes open serial ports.
func (g *Global) Stop() {
	g.Alive.Stop()
	for _, set := range []*uartSet{&g.Hardware.Modem, &g.Hardware.Mavlink} {
		if set.Port != nil {
			if err := set.Port.Close(); err != nil {
				g.Log.Errorf("uart close: %v", err)
			}
		}
	}
	g.Alive.Wait()
}
