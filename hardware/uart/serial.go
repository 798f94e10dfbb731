package uart

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/mavcell/mavcell/helpers"
	"github.com/temoto/alive/v2"
	"go.bug.st/serial"
)

// SerialPort pumps a physical serial port into a Channel and sends the
// channel's transmit buffer out of band. Reader and writer each run on their
// own goroutine under an alive lifecycle.
type SerialPort struct {
	alive *alive.Alive
	ch    *Channel
	port  serial.Port
	txq   chan []byte
}

type SerialOptions struct {
	Name string
	Baud int
}

func OpenSerial(opt SerialOptions, ch *Channel) (*SerialPort, error) {
	if opt.Name == "" {
		return nil, errors.NotValidf("serial port name")
	}
	if opt.Baud == 0 {
		opt.Baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: opt.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(opt.Name, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open name=%s", opt.Name)
	}
	if err = port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "serial read timeout name=%s", opt.Name)
	}
	sp := &SerialPort{
		alive: alive.NewAlive(),
		ch:    ch,
		port:  port,
		txq:   make(chan []byte, 1),
	}
	ch.SetSender(sp)
	sp.alive.Add(2)
	go sp.readLoop()
	go sp.writeLoop()
	return sp, nil
}

// Send queues the transmit region for the writer goroutine. The channel's
// busy flag stays set until the writer finishes and calls CompleteTx.
func (sp *SerialPort) Send(p []byte) error {
	select {
	case sp.txq <- p:
		return nil
	case <-sp.alive.StopChan():
		return errors.Errorf("serial send: stopped")
	}
}

func (sp *SerialPort) Close() error {
	sp.alive.Stop()
	err := sp.port.Close()
	sp.alive.Wait()
	return errors.Trace(err)
}

func (sp *SerialPort) readLoop() {
	defer sp.alive.Done()
	buf := make([]byte, 128)
	for sp.alive.IsRunning() {
		n, err := sp.port.Read(buf)
		if n > 0 {
			sp.ch.Feed(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				continue
			}
			sp.alive.Stop()
			return
		}
	}
}

func (sp *SerialPort) writeLoop() {
	defer sp.alive.Done()
	stopch := sp.alive.StopChan()
	for {
		select {
		case p := <-sp.txq:
			err := helpers.WriteAll(sp.port, p)
			sp.ch.CompleteTx()
			if err != nil {
				sp.alive.Stop()
				return
			}
		case <-stopch:
			return
		}
	}
}
