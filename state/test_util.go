package state

import (
	"context"
	"testing"

	"github.com/mavcell/mavcell/hardware/uart"
	"github.com/mavcell/mavcell/log2"
)

func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)

	g.Hardware.Modem.Channel, _ = uart.NewMock(0, 0)
	g.Hardware.Mavlink.Channel, _ = uart.NewMock(0, 0)
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))

	return ctx, g
}
