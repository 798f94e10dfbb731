// mavcell bridges a flight controller's MAVLink stream to a cloud MQTT
// broker through a SIMCom A7600 cellular modem.
package main

import (
	"flag"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/mavcell/mavcell/bridge"
	"github.com/mavcell/mavcell/hardware/a7600"
	"github.com/mavcell/mavcell/helpers"
	"github.com/mavcell/mavcell/log2"
	"github.com/mavcell/mavcell/state"
	"github.com/mavcell/mavcell/supervisor"
)

func main() {
	flagConfig := flag.String("config", "mavcell.hcl", "")
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// under systemd the journal stamps lines already
		log.SetFlags(log2.LServiceFlags)
	}
	sdnotify("STATUS=init\n")

	ctx, g := state.NewContext(log)
	config := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	g.MustInit(ctx, config)

	modemCh, err := g.Modem()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	mavlinkCh, err := g.Mavlink()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	session := a7600.NewSession(log, modemCh, config.Session)
	if config.Session.CACertFile != "" {
		data, err := ioutil.ReadFile(config.Session.CACertFile)
		if err != nil {
			log.Fatal(errors.ErrorStack(errors.Annotate(err, "ca_cert_file")))
		}
		if err := session.UploadCert(filepath.Base(config.Session.CACertFile), data); err != nil {
			// not fatal: the modem may hold the cert from a previous run
			log.Error(errors.Annotate(err, "cert upload"))
		}
	}

	frameBridge, err := bridge.New(log, mavlinkCh, session, config.Bridge)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	session.SetMessageHandler(frameBridge)

	sup := supervisor.New(log, session, frameBridge, config.App)
	// stopping the global also stops the supervisor loop
	go helpers.AliveSub(g.Alive, sup.Alive())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal %v, stopping", sig)
		sup.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	log.Infof("init complete, running")
	sup.Run()
	g.Stop()
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
